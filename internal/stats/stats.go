// Package stats tracks per-run agent statistics.
package stats

import (
	"log/slog"
	"time"
)

// Collector collects statistics for one agent run. It is owned by the loop
// driver and is not safe for concurrent use.
type Collector struct {
	startTime     time.Time
	decisions     int
	toolCalls     int
	toolErrors    int
	tokenCount    int
	modelDuration time.Duration
	toolDuration  time.Duration
	now           func() time.Time
}

// NewCollector creates a new stats collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		now:       time.Now,
	}
}

// Stats is a snapshot of a run's statistics.
type Stats struct {
	Decisions      int     `json:"decisions"`
	ToolCalls      int     `json:"tool_calls"`
	ToolErrors     int     `json:"tool_errors"`
	TokenCount     int     `json:"token_count"`
	ModelLatencyMs int64   `json:"model_latency_ms"`
	AvgModelMs     float64 `json:"avg_model_ms"`
	ToolLatencyMs  int64   `json:"tool_latency_ms"`
	ElapsedMs      int64   `json:"elapsed_ms"`
}

// RecordDecision records one completed model call.
func (c *Collector) RecordDecision(tokens int, duration time.Duration) {
	c.decisions++
	c.tokenCount += tokens
	c.modelDuration += duration
}

// RecordToolCall records one executed tool request.
func (c *Collector) RecordToolCall(duration time.Duration, failed bool) {
	c.toolCalls++
	c.toolDuration += duration
	if failed {
		c.toolErrors++
	}
}

// Snapshot returns current statistics.
func (c *Collector) Snapshot() Stats {
	avg := float64(0)
	if c.decisions > 0 {
		avg = float64(c.modelDuration.Microseconds()) / float64(c.decisions) / 1e3
	}
	return Stats{
		Decisions:      c.decisions,
		ToolCalls:      c.toolCalls,
		ToolErrors:     c.toolErrors,
		TokenCount:     c.tokenCount,
		ModelLatencyMs: c.modelDuration.Milliseconds(),
		AvgModelMs:     avg,
		ToolLatencyMs:  c.toolDuration.Milliseconds(),
		ElapsedMs:      c.now().Sub(c.startTime).Milliseconds(),
	}
}

// LogValue implements slog.LogValuer.
func (s Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("decisions", s.Decisions),
		slog.Int("tool_calls", s.ToolCalls),
		slog.Int("tool_errors", s.ToolErrors),
		slog.Int("tokens", s.TokenCount),
		slog.Int64("model_ms", s.ModelLatencyMs),
		slog.Int64("elapsed_ms", s.ElapsedMs),
	)
}
