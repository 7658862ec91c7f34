// Package render prints conversations and run listings for the terminal.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/flynn-ai/tally/internal/model"
	"github.com/flynn-ai/tally/internal/stats"
	"github.com/flynn-ai/tally/internal/transcript"
)

// Printer writes styled output. Styling is dropped automatically when w is
// not a terminal.
type Printer struct {
	w io.Writer

	role    map[model.Role]lipgloss.Style
	call    lipgloss.Style
	errText lipgloss.Style
	dim     lipgloss.Style
	ok      lipgloss.Style
}

// New creates a Printer for w.
func New(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	return &Printer{
		w: w,
		role: map[model.Role]lipgloss.Style{
			model.RoleSystem:    r.NewStyle().Faint(true),
			model.RoleUser:      r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
			model.RoleAssistant: r.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
			model.RoleTool:      r.NewStyle().Bold(true).Foreground(lipgloss.Color("11")),
		},
		call:    r.NewStyle().Foreground(lipgloss.Color("14")),
		errText: r.NewStyle().Foreground(lipgloss.Color("9")),
		dim:     r.NewStyle().Faint(true),
		ok:      r.NewStyle().Foreground(lipgloss.Color("10")),
	}
}

// Messages prints every message of a conversation in order.
func (p *Printer) Messages(msgs []model.Message) {
	for _, m := range msgs {
		p.Message(m)
	}
}

// Message prints one message.
func (p *Printer) Message(m model.Message) {
	style, ok := p.role[m.Role]
	if !ok {
		style = p.dim
	}
	label := style.Render(string(m.Role))

	switch m.Role {
	case model.RoleTool:
		content := m.Content
		if m.IsError {
			content = p.errText.Render(content)
		}
		fmt.Fprintf(p.w, "%s %s %s\n", label, p.dim.Render("["+m.ToolCallID+"]"), content)

	case model.RoleAssistant:
		if m.Content != "" {
			fmt.Fprintf(p.w, "%s %s\n", label, m.Content)
		} else {
			fmt.Fprintln(p.w, label)
		}
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(p.w, "  %s %s(%s) %s\n", p.call.Render("→"), tc.Name, formatArgs(tc.Input), p.dim.Render("["+tc.ID+"]"))
		}

	default:
		fmt.Fprintf(p.w, "%s %s\n", label, m.Content)
	}
}

// Outcome prints the terminal state line of a run.
func (p *Printer) Outcome(state string, err error, s stats.Stats) {
	summary := p.dim.Render(fmt.Sprintf("(%d decisions, %d tool calls, %d tokens, %dms)",
		s.Decisions, s.ToolCalls, s.TokenCount, s.ElapsedMs))
	if err != nil {
		fmt.Fprintf(p.w, "%s %s %s\n", p.errText.Render(state), err.Error(), summary)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", p.ok.Render(state), summary)
}

// Runs prints a listing of stored runs.
func (p *Printer) Runs(runs []*transcript.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(p.w, p.dim.Render("no runs recorded"))
		return
	}
	for _, r := range runs {
		state := p.ok.Render(r.State)
		if r.Error != "" {
			state = p.errText.Render(r.State)
		}
		answer := r.Final
		if answer == "" {
			answer = r.Error
		}
		fmt.Fprintf(p.w, "%s  %s  %-6s  %s  %s\n",
			p.dim.Render(r.StartedAt.Local().Format("2006-01-02 15:04:05")),
			p.dim.Render(shortID(r.ID)),
			state,
			r.Prompt,
			p.dim.Render(truncate(answer, 60)))
	}
}

// JSON writes v as indented JSON.
func JSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatArgs renders tool arguments as a stable key=value list.
func formatArgs(input map[string]any) string {
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, input[k]))
	}
	return strings.Join(parts, ", ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
