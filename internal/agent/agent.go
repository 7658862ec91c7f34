// Package agent runs the decide/execute tool-calling loop.
//
// One run alternates between two steps until the model answers without
// requesting a tool:
//   - Decision: send the conversation to the model, append its reply
//   - Execution: run every requested tool in order, append one result each
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flynn-ai/tally/internal/errors"
	"github.com/flynn-ai/tally/internal/logging"
	"github.com/flynn-ai/tally/internal/model"
	"github.com/flynn-ai/tally/internal/stats"
	"github.com/flynn-ai/tally/internal/tools"
)

// DefaultSystemPrompt is the fixed instruction placed before the conversation.
const DefaultSystemPrompt = "You are a helpful assistant tasked with performing arithmetic on a set of inputs."

// DefaultMaxSteps bounds the number of decision steps in one run.
const DefaultMaxSteps = 25

// ToolErrorPolicy selects what a failing tool request does to the run.
type ToolErrorPolicy string

const (
	// ToolErrorsReport turns every tool failure into an error tool result
	// that the model sees on its next decision.
	ToolErrorsReport ToolErrorPolicy = "report"

	// ToolErrorsFail stops the run on the first tool failure.
	ToolErrorsFail ToolErrorPolicy = "fail"
)

// Config configures an Agent.
type Config struct {
	Model        model.Model
	Tools        *tools.Registry
	SystemPrompt string
	MaxSteps     int
	ToolErrors   ToolErrorPolicy
	MaxTokens    int
	Temperature  *float64 // nil leaves it to the model client
	Logger       *slog.Logger
}

// Agent drives the loop. It holds no per-run state and may be reused.
type Agent struct {
	model        model.Model
	tools        *tools.Registry
	systemPrompt string
	maxSteps     int
	toolErrors   ToolErrorPolicy
	maxTokens    int
	temperature  *float64
	log          *slog.Logger
}

// New creates an Agent.
func New(cfg *Config) (*Agent, error) {
	if cfg == nil || cfg.Model == nil {
		return nil, errors.New(errors.CodeModelUnavailable, "agent requires a model", errors.CategorySystem)
	}
	if cfg.Tools == nil {
		return nil, errors.New(errors.CodeToolNotFound, "agent requires a tool registry", errors.CategorySystem)
	}

	a := &Agent{
		model:        cfg.Model,
		tools:        cfg.Tools,
		systemPrompt: cfg.SystemPrompt,
		maxSteps:     cfg.MaxSteps,
		toolErrors:   cfg.ToolErrors,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		log:          logging.Component(cfg.Logger, "agent"),
	}
	if a.systemPrompt == "" {
		a.systemPrompt = DefaultSystemPrompt
	}
	if a.maxSteps <= 0 {
		a.maxSteps = DefaultMaxSteps
	}
	switch a.toolErrors {
	case "":
		a.toolErrors = ToolErrorsReport
	case ToolErrorsReport, ToolErrorsFail:
	default:
		return nil, errors.User(errors.CodeConfigInvalid, fmt.Sprintf("unknown tool error policy %q", cfg.ToolErrors))
	}
	return a, nil
}

// Result is the outcome of one run. Messages holds the full conversation
// (without the system instruction) whether or not the run succeeded.
type Result struct {
	RunID      string          `json:"run_id"`
	State      State           `json:"-"`
	StateName  string          `json:"state"`
	Messages   []model.Message `json:"messages"`
	Final      string          `json:"final,omitempty"`
	Model      string          `json:"model"`
	Stats      stats.Stats     `json:"stats"`
	Err        error           `json:"-"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Run executes one user request to completion or failure.
func (a *Agent) Run(ctx context.Context, prompt string) (*Result, error) {
	conv, err := NewConversation(model.UserMessage(prompt))
	if err != nil {
		return nil, err
	}
	return a.RunConversation(ctx, conv)
}

// RunConversation continues conv until the model stops requesting tools.
// The returned error equals Result.Err.
func (a *Agent) RunConversation(ctx context.Context, conv *Conversation) (*Result, error) {
	res := &Result{
		RunID:     uuid.New().String(),
		Model:     a.model.Name(),
		StartedAt: time.Now(),
	}
	log := a.log.With(slog.String("run_id", res.RunID))
	collector := stats.NewCollector()

	state := StateDeciding
	steps := 0
	move := func(to State) {
		if err := transition(state, to); err != nil {
			// Only reachable through a bug in this file.
			panic(err)
		}
		log.Debug("transition", "from", state, "to", to)
		state = to
	}
	fail := func(err error) {
		res.Err = err
		move(StateFailed)
	}

	for !state.Terminal() {
		if err := ctx.Err(); err != nil {
			fail(errors.Wrap(err, errors.CodeModelTimeout, "run canceled", errors.CategoryPermanent))
			break
		}

		switch state {
		case StateDeciding:
			if steps >= a.maxSteps {
				fail(errors.NewBuilder(errors.CodeAgentStepLimit, fmt.Sprintf("no final answer after %d decision steps", a.maxSteps)).
					Permanent().
					WithSuggestion("Raise agent.max_steps in config.toml").
					Build())
				continue
			}
			steps++

			msg, err := a.Decide(ctx, conv, collector)
			if err == nil {
				err = conv.Append(msg)
			}
			if err != nil {
				fail(err)
				continue
			}
			if msg.HasToolCalls() {
				move(StateExecuting)
			} else {
				res.Final = msg.Content
				move(StateDone)
			}

		case StateExecuting:
			results, err := a.Execute(ctx, conv, collector)
			for _, m := range results {
				if appendErr := conv.Append(m); appendErr != nil && err == nil {
					err = appendErr
				}
			}
			if err != nil {
				fail(err)
				continue
			}
			move(StateDeciding)
		}
	}

	res.State = state
	res.StateName = state.String()
	res.Messages = conv.Messages()
	res.Stats = collector.Snapshot()
	res.FinishedAt = time.Now()
	if res.Err != nil {
		res.Error = res.Err.Error()
		log.Error("run failed", "error", res.Err, "code", errors.GetCode(res.Err), "stats", res.Stats)
	} else {
		log.Info("run complete", "steps", steps, "stats", res.Stats)
	}
	return res, res.Err
}

// Decide performs one decision step: it asks the model for the next
// assistant message given the system instruction and conv.
func (a *Agent) Decide(ctx context.Context, conv *Conversation, collector *stats.Collector) (model.Message, error) {
	msgs := make([]model.Message, 0, conv.Len()+1)
	msgs = append(msgs, model.SystemMessage(a.systemPrompt))
	msgs = append(msgs, conv.Messages()...)

	start := time.Now()
	resp, err := a.model.Generate(ctx, &model.Request{
		Messages:    msgs,
		Tools:       a.tools.Declarations(),
		MaxTokens:   a.maxTokens,
		Temperature: a.temperature,
	})
	if err != nil {
		if ctx.Err() != nil && !errors.HasCode(err, errors.CodeModelTimeout) {
			return model.Message{}, errors.Wrap(err, errors.CodeModelTimeout, "model call canceled", errors.CategoryPermanent)
		}
		if errors.GetCode(err) == "" {
			return model.Message{}, errors.Wrap(err, errors.CodeModelUnavailable, "model call failed", errors.CategoryTemporary)
		}
		return model.Message{}, err
	}
	if resp == nil {
		return model.Message{}, errors.Permanent(errors.CodeModelInvalidResponse, "model returned no response")
	}

	duration := resp.Duration
	if duration == 0 {
		duration = time.Since(start)
	}
	if collector != nil {
		collector.RecordDecision(resp.TokensUsed, duration)
	}

	msg := resp.Message
	msg.Role = model.RoleAssistant
	if msg.Content == "" && len(msg.ToolCalls) == 0 {
		return model.Message{}, errors.NewBuilder(errors.CodeModelInvalidResponse, "model returned empty response").
			Permanent().
			WithSuggestion("Try rephrasing your request").
			Build()
	}

	a.log.Debug("decision", "tool_calls", len(msg.ToolCalls), "tokens", resp.TokensUsed, "duration", duration)
	return msg, nil
}

// Execute performs one execution step over the outstanding requests of the
// latest assistant message and returns one tool message per request, in
// request order. Under ToolErrorsFail it stops at the first failure and
// returns the messages produced so far along with the error.
func (a *Agent) Execute(ctx context.Context, conv *Conversation, collector *stats.Collector) ([]model.Message, error) {
	last, ok := conv.Last()
	if !ok || !last.HasToolCalls() {
		return nil, errors.Permanent(errors.CodeAgentInvalidTransition, "execution step requires an assistant message with tool requests")
	}

	pending := conv.Outstanding()
	out := make([]model.Message, 0, len(pending))
	for _, call := range pending {
		res, err := a.tools.Execute(ctx, call.Name, call.Input)
		if collector != nil {
			collector.RecordToolCall(time.Duration(res.DurationMs)*time.Millisecond, err != nil)
		}

		if err != nil && ctx.Err() != nil {
			return out, errors.Wrap(err, errors.CodeModelTimeout, "run canceled during tool execution", errors.CategoryPermanent)
		}

		out = append(out, model.ToolMessage(call.ID, res.Text, !res.Success))

		if err != nil {
			a.log.Warn("tool failed", "tool", call.Name, "call_id", call.ID, "code", errors.GetCode(err), "error", err)
			if a.toolErrors == ToolErrorsFail {
				return out, errors.Wrap(err, errors.CodeToolExecutionFailed, fmt.Sprintf("tool %s failed", call.Name), errors.GetCategory(err))
			}
			continue
		}
		a.log.Debug("tool executed", "tool", call.Name, "call_id", call.ID, "result", res.Text)
	}
	return out, nil
}
