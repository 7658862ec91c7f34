// Package model provides types for chat model operations.
package model

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a conversation.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // Assistant only
	ToolCallID string     `json:"tool_call_id,omitempty"` // Tool only
	IsError    bool       `json:"is_error,omitempty"`     // Tool only
}

// SystemMessage returns a system instruction message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage returns a user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// ToolMessage returns a tool result message correlated to callID.
func ToolMessage(callID, content string, isError bool) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID, IsError: isError}
}

// HasToolCalls reports whether the message requests any tool invocation.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// Request represents a model inference request.
type Request struct {
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"` // nil uses the client default
}

// Response represents a model inference response.
type Response struct {
	Message    Message       `json:"message"`
	TokensUsed int           `json:"tokens_used"`
	Model      string        `json:"model"`
	Duration   time.Duration `json:"duration"`
	StopReason string        `json:"stop_reason,omitempty"`
}

// Tool represents a tool declaration sent to the model for function calling.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ToolCall represents a tool call requested by the model.
type ToolCall struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// ModelStatus represents the status of a model.
type ModelStatus struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}
