package agent

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flynn-ai/tally/internal/errors"
	"github.com/flynn-ai/tally/internal/logging"
	"github.com/flynn-ai/tally/internal/model"
	"github.com/flynn-ai/tally/internal/model/modeltest"
	"github.com/flynn-ai/tally/internal/tools"
)

func newAgent(t *testing.T, m model.Model, opts ...func(*Config)) *Agent {
	t.Helper()
	cfg := &Config{
		Model:  m,
		Tools:  tools.NewDefaultRegistry(),
		Logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	a, err := New(cfg)
	require.NoError(t, err)
	return a
}

func TestRunAddThreeAndFour(t *testing.T) {
	m := modeltest.NewScripted(
		modeltest.Call(modeltest.ToolCall("call_1", "add", 3, 4)),
		modeltest.Answer("3 + 4 = 7"),
	)
	a := newAgent(t, m)

	res, err := a.Run(context.Background(), "ADD 3 and 4")
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, "done", res.StateName)
	assert.Equal(t, "3 + 4 = 7", res.Final)
	assert.NotEmpty(t, res.RunID)

	require.Len(t, res.Messages, 4)
	assert.Equal(t, model.RoleUser, res.Messages[0].Role)
	assert.Equal(t, "ADD 3 and 4", res.Messages[0].Content)
	assert.Equal(t, model.RoleAssistant, res.Messages[1].Role)
	require.Len(t, res.Messages[1].ToolCalls, 1)
	assert.Equal(t, model.RoleTool, res.Messages[2].Role)
	assert.Equal(t, "call_1", res.Messages[2].ToolCallID)
	assert.Equal(t, "7", res.Messages[2].Content)
	assert.False(t, res.Messages[2].IsError)
	assert.Equal(t, model.RoleAssistant, res.Messages[3].Role)
	assert.False(t, res.Messages[3].HasToolCalls())

	assert.Equal(t, 2, res.Stats.Decisions)
	assert.Equal(t, 1, res.Stats.ToolCalls)
	assert.Equal(t, 0, res.Stats.ToolErrors)
	assert.Equal(t, 20, res.Stats.TokenCount)
}

func TestDecisionRequestShape(t *testing.T) {
	m := modeltest.NewScripted(
		modeltest.Call(modeltest.ToolCall("call_1", "add", 3, 4)),
		modeltest.Answer("7"),
	)
	a := newAgent(t, m)

	_, err := a.Run(context.Background(), "ADD 3 and 4")
	require.NoError(t, err)

	reqs := m.Requests()
	require.Len(t, reqs, 2)

	first := reqs[0]
	require.Len(t, first.Messages, 2)
	assert.Equal(t, model.RoleSystem, first.Messages[0].Role)
	assert.Equal(t, DefaultSystemPrompt, first.Messages[0].Content)
	assert.Equal(t, "ADD 3 and 4", first.Messages[1].Content)

	names := make([]string, 0, len(first.Tools))
	for _, tool := range first.Tools {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"add", "multiply", "divide"}, names)

	// The second decision sees the request and its result.
	second := reqs[1]
	require.Len(t, second.Messages, 4)
	assert.Equal(t, model.RoleTool, second.Messages[3].Role)
	assert.Equal(t, "7", second.Messages[3].Content)
}

func TestMultipleToolCallsKeepRequestOrder(t *testing.T) {
	m := modeltest.NewScripted(
		modeltest.Call(
			modeltest.ToolCall("c1", "multiply", 6, 7),
			modeltest.ToolCall("c2", "add", 1, 1),
			modeltest.ToolCall("c3", "divide", 9, 3),
		),
		modeltest.Answer("42, 2 and 3"),
	)
	a := newAgent(t, m)

	res, err := a.Run(context.Background(), "several things")
	require.NoError(t, err)

	require.Len(t, res.Messages, 6)
	results := res.Messages[2:5]
	assert.Equal(t, "c1", results[0].ToolCallID)
	assert.Equal(t, "42", results[0].Content)
	assert.Equal(t, "c2", results[1].ToolCallID)
	assert.Equal(t, "2", results[1].Content)
	assert.Equal(t, "c3", results[2].ToolCallID)
	assert.Equal(t, "3", results[2].Content)
	assert.Equal(t, 3, res.Stats.ToolCalls)
}

func TestChainedToolCalls(t *testing.T) {
	m := modeltest.NewScripted(
		modeltest.Call(modeltest.ToolCall("c1", "add", 3, 4)),
		modeltest.Call(modeltest.ToolCall("c2", "multiply", 7, 2)),
		modeltest.Answer("14"),
	)
	a := newAgent(t, m)

	res, err := a.Run(context.Background(), "add 3 and 4 then double it")
	require.NoError(t, err)
	assert.Equal(t, "14", res.Final)
	assert.Len(t, res.Messages, 6)
	assert.Equal(t, 3, res.Stats.Decisions)
}

func TestUnknownToolBecomesErrorResult(t *testing.T) {
	m := modeltest.NewScripted(
		modeltest.Call(modeltest.ToolCall("c1", "subtract", 5, 2)),
		modeltest.Answer("I cannot subtract"),
	)
	a := newAgent(t, m)

	res, err := a.Run(context.Background(), "subtract 2 from 5")
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)

	toolMsg := res.Messages[2]
	assert.Equal(t, model.RoleTool, toolMsg.Role)
	assert.Equal(t, "c1", toolMsg.ToolCallID)
	assert.True(t, toolMsg.IsError)
	assert.True(t, strings.HasPrefix(toolMsg.Content, "error: "))
	assert.Contains(t, toolMsg.Content, "unknown tool: subtract")
	assert.Equal(t, 1, res.Stats.ToolErrors)
}

func TestInvalidArgumentsBecomeErrorResult(t *testing.T) {
	m := modeltest.NewScripted(
		modeltest.Call(model.ToolCall{ID: "c1", Name: "add", Input: map[string]any{"a": "three", "b": 4.0}}),
		modeltest.Answer("bad input"),
	)
	a := newAgent(t, m)

	res, err := a.Run(context.Background(), "add three and 4")
	require.NoError(t, err)

	toolMsg := res.Messages[2]
	assert.True(t, toolMsg.IsError)
	assert.Contains(t, toolMsg.Content, "invalid arguments for add")
}

func TestDivideByZero(t *testing.T) {
	t.Run("report", func(t *testing.T) {
		m := modeltest.NewScripted(
			modeltest.Call(modeltest.ToolCall("c1", "divide", 1, 0)),
			modeltest.Answer("Division by zero is undefined"),
		)
		a := newAgent(t, m)

		res, err := a.Run(context.Background(), "divide 1 by 0")
		require.NoError(t, err)
		assert.Equal(t, StateDone, res.State)

		toolMsg := res.Messages[2]
		assert.True(t, toolMsg.IsError)
		assert.Contains(t, toolMsg.Content, "Division by zero is not allowed.")
		assert.Equal(t, 2, m.Calls())
	})

	t.Run("fail", func(t *testing.T) {
		m := modeltest.NewScripted(
			modeltest.Call(
				modeltest.ToolCall("c1", "divide", 1, 0),
				modeltest.ToolCall("c2", "add", 1, 1),
			),
		)
		a := newAgent(t, m, func(c *Config) { c.ToolErrors = ToolErrorsFail })

		res, err := a.Run(context.Background(), "divide 1 by 0")
		require.Error(t, err)
		require.NotNil(t, res)
		assert.Equal(t, StateFailed, res.State)
		assert.True(t, errors.HasCode(err, errors.CodeToolExecutionFailed))
		assert.True(t, errors.HasCode(err, errors.CodeToolDivideByZero))
		assert.Equal(t, 1, m.Calls())

		// The failing result is kept; the remaining request is not run.
		require.Len(t, res.Messages, 3)
		assert.Equal(t, "c1", res.Messages[2].ToolCallID)
		assert.True(t, res.Messages[2].IsError)
	})
}

func TestTransportFailureFailsRun(t *testing.T) {
	m := modeltest.NewScripted(
		modeltest.Fail(errors.Temporary(errors.CodeNetworkUnavailable, "connection refused")),
	)
	a := newAgent(t, m)

	res, err := a.Run(context.Background(), "ADD 3 and 4")
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, "failed", res.StateName)
	assert.True(t, errors.HasCode(err, errors.CodeNetworkUnavailable))
	assert.Equal(t, err, res.Err)
	assert.NotEmpty(t, res.Error)

	// Nothing beyond the user request was appended.
	require.Len(t, res.Messages, 1)
	assert.Equal(t, model.RoleUser, res.Messages[0].Role)
}

func TestUncodedModelErrorIsWrapped(t *testing.T) {
	m := modeltest.NewScripted(modeltest.Fail(stderrors.New("boom")))
	a := newAgent(t, m)

	_, err := a.Run(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, errors.CodeModelUnavailable, errors.GetCode(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestEmptyModelResponseFailsRun(t *testing.T) {
	m := modeltest.NewScripted(modeltest.Answer(""))
	a := newAgent(t, m)

	res, err := a.Run(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, errors.CodeModelInvalidResponse, errors.GetCode(err))
}

func TestDuplicateToolCallIDsFailRun(t *testing.T) {
	m := modeltest.NewScripted(modeltest.Call(
		modeltest.ToolCall("same", "add", 1, 2),
		modeltest.ToolCall("same", "add", 3, 4),
	))
	a := newAgent(t, m)

	res, err := a.Run(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, errors.CodeModelInvalidResponse, errors.GetCode(err))
	assert.Len(t, res.Messages, 1)
}

func TestStepLimit(t *testing.T) {
	loop := modeltest.Func(func(req *model.Request) (*model.Response, error) {
		id := fmt.Sprintf("c%d", len(req.Messages))
		return &model.Response{Message: model.Message{
			Role:      model.RoleAssistant,
			ToolCalls: []model.ToolCall{modeltest.ToolCall(id, "add", 1, 1)},
		}}, nil
	})
	a := newAgent(t, loop, func(c *Config) { c.MaxSteps = 3 })

	res, err := a.Run(context.Background(), "loop forever")
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, errors.CodeAgentStepLimit, errors.GetCode(err))
	assert.Equal(t, 3, res.Stats.Decisions)
	// user + 3 * (assistant + tool)
	assert.Len(t, res.Messages, 7)
}

func TestCanceledContext(t *testing.T) {
	m := modeltest.NewScripted(modeltest.Answer("never"))
	a := newAgent(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := a.Run(ctx, "x")
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.True(t, stderrors.Is(err, context.Canceled))
	assert.Equal(t, 0, m.Calls())
}

func TestDeterministicRuns(t *testing.T) {
	// Same conversation in, same reply out.
	fn := modeltest.Func(func(req *model.Request) (*model.Response, error) {
		last := req.Messages[len(req.Messages)-1]
		if last.Role == model.RoleTool {
			return &model.Response{Message: model.Message{Role: model.RoleAssistant, Content: "result " + last.Content}}, nil
		}
		return &model.Response{Message: model.Message{
			Role:      model.RoleAssistant,
			ToolCalls: []model.ToolCall{modeltest.ToolCall("c1", "add", 3, 4)},
		}}, nil
	})
	a := newAgent(t, fn)

	first, err := a.Run(context.Background(), "ADD 3 and 4")
	require.NoError(t, err)
	second, err := a.Run(context.Background(), "ADD 3 and 4")
	require.NoError(t, err)

	assert.Equal(t, first.Messages, second.Messages)
	assert.Equal(t, "result 7", first.Final)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestNoOrphanResults(t *testing.T) {
	m := modeltest.NewScripted(
		modeltest.Call(modeltest.ToolCall("a1", "add", 1, 2), modeltest.ToolCall("a2", "add", 3, 4)),
		modeltest.Call(modeltest.ToolCall("b1", "multiply", 2, 2)),
		modeltest.Answer("done"),
	)
	a := newAgent(t, m)

	res, err := a.Run(context.Background(), "x")
	require.NoError(t, err)

	requested := map[string]bool{}
	answered := map[string]int{}
	for _, msg := range res.Messages {
		for _, tc := range msg.ToolCalls {
			requested[tc.ID] = true
		}
		if msg.Role == model.RoleTool {
			require.True(t, requested[msg.ToolCallID], "result %s precedes its request", msg.ToolCallID)
			answered[msg.ToolCallID]++
		}
	}
	for id := range requested {
		assert.Equal(t, 1, answered[id], "request %s", id)
	}
}

func TestRunConversationContinues(t *testing.T) {
	conv, err := NewConversation(
		model.UserMessage("ADD 3 and 4"),
		model.Message{Role: model.RoleAssistant, Content: "7"},
		model.UserMessage("now multiply that by 2"),
	)
	require.NoError(t, err)

	m := modeltest.NewScripted(
		modeltest.Call(modeltest.ToolCall("c1", "multiply", 7, 2)),
		modeltest.Answer("14"),
	)
	a := newAgent(t, m)

	res, err := a.RunConversation(context.Background(), conv)
	require.NoError(t, err)
	assert.Equal(t, "14", res.Final)
	assert.Len(t, res.Messages, 6)
	assert.Len(t, m.Requests()[0].Messages, 4)
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New(&Config{Tools: tools.NewDefaultRegistry()})
	assert.Error(t, err)

	_, err = New(&Config{Model: modeltest.NewScripted()})
	assert.Error(t, err)

	_, err = New(&Config{Model: modeltest.NewScripted(), Tools: tools.NewDefaultRegistry(), ToolErrors: "ignore"})
	assert.True(t, errors.HasCode(err, errors.CodeConfigInvalid))

	a, err := New(&Config{Model: modeltest.NewScripted(), Tools: tools.NewDefaultRegistry()})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxSteps, a.maxSteps)
	assert.Equal(t, ToolErrorsReport, a.toolErrors)
	assert.Equal(t, DefaultSystemPrompt, a.systemPrompt)
}

func TestCustomSystemPrompt(t *testing.T) {
	m := modeltest.NewScripted(modeltest.Answer("ok"))
	a := newAgent(t, m, func(c *Config) { c.SystemPrompt = "Be terse." })

	_, err := a.Run(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "Be terse.", m.Requests()[0].Messages[0].Content)
}

func TestTemperaturePassedThrough(t *testing.T) {
	m := modeltest.NewScripted(modeltest.Answer("ok"), modeltest.Answer("ok"))

	_, err := newAgent(t, m).Run(context.Background(), "x")
	require.NoError(t, err)
	assert.Nil(t, m.Requests()[0].Temperature, "unset leaves the client default")

	zero := 0.0
	_, err = newAgent(t, m, func(c *Config) { c.Temperature = &zero }).Run(context.Background(), "x")
	require.NoError(t, err)
	require.NotNil(t, m.Requests()[1].Temperature)
	assert.Equal(t, 0.0, *m.Requests()[1].Temperature)
}
