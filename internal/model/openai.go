// Package model provides an OpenAI-compatible chat completions client.
package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flynn-ai/tally/internal/errors"
)

// OpenAIConfig configures the OpenAI-compatible client.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string // Default: https://api.openai.com/v1
	Model       string // e.g., "gpt-4o"
	Timeout     time.Duration
	MaxRetries  int
	Temperature float64
	MaxTokens   int

	// HTTPClient overrides the default client (tests, proxies).
	HTTPClient *http.Client
}

// DefaultOpenAIConfig returns default configuration.
func DefaultOpenAIConfig(apiKey string) *OpenAIConfig {
	return &OpenAIConfig{
		APIKey:     apiKey,
		BaseURL:    "https://api.openai.com/v1",
		Model:      "gpt-4o",
		Timeout:    120 * time.Second,
		MaxRetries: 3,
	}
}

// OpenAIClient implements Model against any OpenAI-compatible
// /chat/completions endpoint with function calling.
type OpenAIClient struct {
	cfg            *OpenAIConfig
	client         *http.Client
	circuitBreaker *errors.CircuitBreaker
	retryPolicy    *errors.Policy
}

// NewOpenAIClient creates a new client. It returns nil for a nil config.
func NewOpenAIClient(cfg *OpenAIConfig) *OpenAIClient {
	if cfg == nil {
		return nil
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &OpenAIClient{
		cfg:            cfg,
		client:         httpClient,
		circuitBreaker: errors.NewCircuitBreaker("openai", errors.DefaultCircuitBreakerConfig()),
		retryPolicy:    errors.ModelPolicy(cfg.MaxRetries + 1),
	}
}

// Generate sends the conversation and returns the assistant's reply.
func (c *OpenAIClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	if c == nil {
		return nil, errors.New(errors.CodeModelUnavailable, "model client not initialized", errors.CategorySystem)
	}

	if !c.IsAvailable() {
		return nil, errors.NewBuilder(errors.CodeModelUnavailable, "API key not configured").
			System().
			WithSuggestion("Set the OPENAI_API_KEY environment variable").
			WithSuggestion("Or set api_key under [model] in config.toml").
			Build()
	}

	body, err := c.buildRequestBody(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeModelInvalidResponse, "failed to marshal request", errors.CategoryPermanent)
	}

	start := time.Now()
	var respBody []byte
	err = c.circuitBreaker.Execute(func() error {
		var callErr error
		respBody, callErr = errors.DoWithResult(ctx, c.retryPolicy, func() ([]byte, error) {
			return c.post(ctx, body)
		})
		return callErr
	})
	if err != nil {
		return nil, err
	}

	resp, err := parseResponse(respBody)
	if err != nil {
		return nil, err
	}
	resp.Duration = time.Since(start)
	return resp, nil
}

// post performs one HTTP round trip and classifies failures.
func (c *OpenAIClient) post(ctx context.Context, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeModelUnavailable, "failed to create HTTP request", errors.CategoryPermanent)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	r, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), errors.CodeModelTimeout, "model request canceled", errors.CategoryPermanent)
		}
		return nil, errors.Wrap(err, errors.CodeNetworkUnavailable, "network request failed", errors.CategoryTemporary)
	}

	b, readErr := io.ReadAll(r.Body)
	r.Body.Close()
	if readErr != nil {
		return nil, errors.Wrap(readErr, errors.CodeNetworkUnavailable, "failed to read response body", errors.CategoryTemporary)
	}

	switch r.StatusCode {
	case http.StatusOK:
		return b, nil
	case http.StatusTooManyRequests:
		return nil, rateLimitError(r, b)
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, errors.NewBuilder(errors.CodeModelUnavailable, "invalid API key").
			User().
			WithSuggestion("Check the value of OPENAI_API_KEY").
			Build()
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return nil, errors.NewBuilder(errors.CodeModelInvalidResponse, fmt.Sprintf("request rejected (status %d)", r.StatusCode)).
			User().
			WithSuggestion("Check the model name and base URL").
			WithContext("response", string(b)).
			Build()
	default:
		if r.StatusCode >= 500 {
			return nil, errors.Temporary(errors.CodeModelUnavailable, fmt.Sprintf("API unavailable: %s", r.Status))
		}
		return nil, errors.Permanent(errors.CodeModelInvalidResponse, fmt.Sprintf("API error (status %d): %s", r.StatusCode, string(b)))
	}
}

func rateLimitError(r *http.Response, body []byte) error {
	retryAfter := time.Second
	if v := r.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
	}
	err := errors.RateLimit(errors.CodeModelRateLimit, "rate limited by model API", retryAfter)
	err.Context = map[string]interface{}{"response": string(body)}
	return err
}

func (c *OpenAIClient) buildRequestBody(req *Request) ([]byte, error) {
	body := chatRequest{
		Model:    c.cfg.Model,
		Messages: make([]chatMessage, 0, len(req.Messages)),
	}

	for _, m := range req.Messages {
		cm := chatMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Input)
			if err != nil {
				return nil, fmt.Errorf("encode arguments for %s: %w", tc.Name, err)
			}
			call := chatToolCall{ID: tc.ID, Type: "function"}
			call.Function.Name = tc.Name
			call.Function.Arguments = string(args)
			cm.ToolCalls = append(cm.ToolCalls, call)
		}
		body.Messages = append(body.Messages, cm)
	}

	for _, tool := range req.Tools {
		body.Tools = append(body.Tools, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	body.MaxTokens = req.MaxTokens
	if body.MaxTokens == 0 {
		body.MaxTokens = c.cfg.MaxTokens
	}
	// Always sent so an explicit zero reaches the provider.
	temperature := c.cfg.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	body.Temperature = &temperature

	return json.Marshal(body)
}

func parseResponse(respBody []byte) (*Response, error) {
	var cr chatResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return nil, errors.NewBuilder(errors.CodeModelParseError, "failed to parse API response").
			Permanent().
			Wrap(err).
			WithContext("response_body", string(respBody)).
			Build()
	}

	if len(cr.Choices) == 0 {
		return nil, errors.Permanent(errors.CodeModelInvalidResponse, "API response contained no choices")
	}

	choice := cr.Choices[0]
	msg := Message{
		Role:    RoleAssistant,
		Content: choice.Message.Content,
	}

	for _, tc := range choice.Message.ToolCalls {
		if tc.Type != "" && tc.Type != "function" {
			return nil, errors.NewBuilder(errors.CodeModelInvalidResponse, fmt.Sprintf("unsupported tool call type %q", tc.Type)).
				Permanent().
				WithContext("tool_call_id", tc.ID).
				Build()
		}
		args := map[string]interface{}{}
		if strings.TrimSpace(tc.Function.Arguments) != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				// Left for the tool's validator to reject.
				args = map[string]interface{}{"raw": tc.Function.Arguments}
			}
		}
		id := tc.ID
		if id == "" {
			id = generateToolCallID()
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:    id,
			Name:  tc.Function.Name,
			Input: args,
		})
	}

	return &Response{
		Message:    msg,
		TokensUsed: cr.Usage.TotalTokens,
		Model:      cr.Model,
		StopReason: choice.FinishReason,
	}, nil
}

// generateToolCallID generates an id for tool calls the provider left unnamed.
func generateToolCallID() string {
	return "call_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// IsAvailable checks if the client is configured.
func (c *OpenAIClient) IsAvailable() bool {
	return c != nil && c.cfg != nil && c.cfg.APIKey != ""
}

// Name returns the model name.
func (c *OpenAIClient) Name() string {
	if c != nil && c.cfg != nil {
		return c.cfg.Model
	}
	return "openai"
}

// Status returns the model status.
func (c *OpenAIClient) Status() *ModelStatus {
	status := &ModelStatus{
		Name:      c.Name(),
		Available: c.IsAvailable(),
	}
	if c != nil && c.circuitBreaker != nil && c.circuitBreaker.State() == errors.StateOpen {
		status.Available = false
		status.Error = "circuit breaker open"
	}
	return status
}

// ============================================================
// OpenAI API Types
// ============================================================

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []chatTool    `json:"tools,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role      string         `json:"role"`
			Content   string         `json:"content"`
			ToolCalls []chatToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
