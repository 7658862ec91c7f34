// Package modeltest provides deterministic model.Model implementations for tests.
package modeltest

import (
	"context"
	"fmt"
	"sync"

	"github.com/flynn-ai/tally/internal/model"
)

// Reply is a function deciding the next assistant message from the
// conversation so far.
type Reply func(req *model.Request) (*model.Response, error)

// Scripted replays a fixed list of replies, one per Generate call, and
// records every request it receives.
type Scripted struct {
	mu       sync.Mutex
	replies  []Reply
	requests []*model.Request
	name     string
}

// NewScripted returns a model that answers with replies in order.
func NewScripted(replies ...Reply) *Scripted {
	return &Scripted{replies: replies, name: "scripted"}
}

// Generate implements model.Model.
func (s *Scripted) Generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	n := len(s.requests)
	snapshot := &model.Request{
		Messages:    append([]model.Message(nil), req.Messages...),
		Tools:       req.Tools,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	s.requests = append(s.requests, snapshot)
	s.mu.Unlock()

	if n >= len(s.replies) {
		return nil, fmt.Errorf("modeltest: unexpected call %d, only %d replies scripted", n+1, len(s.replies))
	}
	return s.replies[n](snapshot)
}

// Requests returns copies of all requests received so far.
func (s *Scripted) Requests() []*model.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.Request(nil), s.requests...)
}

// Calls returns the number of Generate calls made.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// IsAvailable implements model.Model.
func (s *Scripted) IsAvailable() bool { return true }

// Name implements model.Model.
func (s *Scripted) Name() string { return s.name }

// Status implements model.Model.
func (s *Scripted) Status() *model.ModelStatus {
	return &model.ModelStatus{Name: s.name, Available: true}
}

// Answer replies with a final text answer.
func Answer(text string) Reply {
	return func(*model.Request) (*model.Response, error) {
		return &model.Response{
			Message:    model.Message{Role: model.RoleAssistant, Content: text},
			TokensUsed: 10,
			Model:      "scripted",
			StopReason: "stop",
		}, nil
	}
}

// Call replies with one or more tool calls.
func Call(calls ...model.ToolCall) Reply {
	return func(*model.Request) (*model.Response, error) {
		return &model.Response{
			Message:    model.Message{Role: model.RoleAssistant, ToolCalls: calls},
			TokensUsed: 10,
			Model:      "scripted",
			StopReason: "tool_calls",
		}, nil
	}
}

// Fail replies with err.
func Fail(err error) Reply {
	return func(*model.Request) (*model.Response, error) {
		return nil, err
	}
}

// ToolCall is a shorthand for a two-operand arithmetic call.
func ToolCall(id, name string, a, b float64) model.ToolCall {
	return model.ToolCall{ID: id, Name: name, Input: map[string]interface{}{"a": a, "b": b}}
}

// Func adapts a pure function to model.Model. The same request always gets
// the same reply when fn is deterministic.
type Func func(req *model.Request) (*model.Response, error)

// Generate implements model.Model.
func (f Func) Generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f(req)
}

// IsAvailable implements model.Model.
func (f Func) IsAvailable() bool { return true }

// Name implements model.Model.
func (f Func) Name() string { return "func" }

// Status implements model.Model.
func (f Func) Status() *model.ModelStatus {
	return &model.ModelStatus{Name: "func", Available: true}
}
