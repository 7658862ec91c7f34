package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCollectorSnapshot(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	c := NewCollector()
	c.startTime = start
	c.now = func() time.Time { return start.Add(3 * time.Second) }

	c.RecordDecision(20, 100*time.Millisecond)
	c.RecordDecision(30, 300*time.Millisecond)
	c.RecordToolCall(time.Millisecond, false)
	c.RecordToolCall(time.Millisecond, true)

	s := c.Snapshot()
	assert.Equal(t, 2, s.Decisions)
	assert.Equal(t, 2, s.ToolCalls)
	assert.Equal(t, 1, s.ToolErrors)
	assert.Equal(t, 50, s.TokenCount)
	assert.Equal(t, int64(400), s.ModelLatencyMs)
	assert.InDelta(t, 200.0, s.AvgModelMs, 0.001)
	assert.Equal(t, int64(2), s.ToolLatencyMs)
	assert.Equal(t, int64(3000), s.ElapsedMs)
}

func TestEmptySnapshot(t *testing.T) {
	s := NewCollector().Snapshot()
	assert.Zero(t, s.Decisions)
	assert.Zero(t, s.AvgModelMs)
}
