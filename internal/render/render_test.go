package render

import (
	"bytes"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flynn-ai/tally/internal/model"
	"github.com/flynn-ai/tally/internal/model/modeltest"
	"github.com/flynn-ai/tally/internal/stats"
	"github.com/flynn-ai/tally/internal/transcript"
)

func TestMessages(t *testing.T) {
	var buf bytes.Buffer
	New(&buf).Messages([]model.Message{
		model.UserMessage("ADD 3 and 4"),
		{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{modeltest.ToolCall("c1", "add", 3, 4)}},
		model.ToolMessage("c1", "7", false),
		model.ToolMessage("c2", "error: boom", true),
		{Role: model.RoleAssistant, Content: "3 + 4 = 7"},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "user ADD 3 and 4", lines[0])
	assert.Equal(t, "assistant", lines[1])
	assert.Equal(t, "  → add(a=3, b=4) [c1]", lines[2])
	assert.Equal(t, "tool [c1] 7", lines[3])
	assert.Equal(t, "tool [c2] error: boom", lines[4])
	assert.Equal(t, "assistant 3 + 4 = 7", lines[5])
}

func TestOutcome(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf)
	p.Outcome("done", nil, stats.Stats{Decisions: 2, ToolCalls: 1, TokenCount: 30, ElapsedMs: 12})
	assert.Equal(t, "done (2 decisions, 1 tool calls, 30 tokens, 12ms)\n", buf.String())

	buf.Reset()
	p.Outcome("failed", stderrors.New("boom"), stats.Stats{})
	assert.True(t, strings.HasPrefix(buf.String(), "failed boom "))
}

func TestRuns(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf)

	p.Runs(nil)
	assert.Equal(t, "no runs recorded\n", buf.String())

	buf.Reset()
	p.Runs([]*transcript.Run{{
		ID:        "0123456789abcdef",
		Prompt:    "ADD 3 and 4",
		State:     "done",
		Final:     "7",
		StartedAt: time.Now(),
	}})
	out := buf.String()
	assert.Contains(t, out, "01234567 ")
	assert.NotContains(t, out, "89abcdef")
	assert.Contains(t, out, "ADD 3 and 4")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
	assert.Equal(t, "a b", truncate("a\nb", 5))
}

func TestJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, JSON(&buf, map[string]int{"a": 1}))
	assert.Equal(t, "{\n  \"a\": 1\n}\n", buf.String())
}
