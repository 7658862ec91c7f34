// Package model provides the chat model interface and clients.
package model

import "context"

// Model is a chat model that can request tool calls.
type Model interface {
	// Generate sends the conversation and returns one assistant message.
	Generate(ctx context.Context, req *Request) (*Response, error)

	// IsAvailable checks if the model is ready.
	IsAvailable() bool

	// Name returns the model identifier.
	Name() string

	// Status returns the current status of the model.
	Status() *ModelStatus
}
