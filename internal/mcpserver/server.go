// Package mcpserver exposes the arithmetic tools over the Model Context
// Protocol so other agents can call them.
package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/flynn-ai/tally/internal/errors"
	"github.com/flynn-ai/tally/internal/logging"
	"github.com/flynn-ai/tally/internal/tools"
)

// Implementation name reported to MCP clients.
const Name = "tally"

// Server serves a tool registry over MCP.
type Server struct {
	mcp   *mcpsdk.Server
	tools *tools.Registry
	log   *slog.Logger
}

// New creates a server exposing every tool in reg.
func New(reg *tools.Registry, version string, logger *slog.Logger) *Server {
	s := &Server{
		mcp:   mcpsdk.NewServer(&mcpsdk.Implementation{Name: Name, Version: version}, nil),
		tools: reg,
		log:   logging.Component(logger, "mcp"),
	}

	for _, decl := range reg.Declarations() {
		s.mcp.AddTool(&mcpsdk.Tool{
			Name:        decl.Name,
			Description: decl.Description,
			InputSchema: decl.Parameters,
		}, s.handler(decl.Name))
	}
	return s
}

// Run serves on transport until ctx is canceled or the client disconnects.
func (s *Server) Run(ctx context.Context, transport mcpsdk.Transport) error {
	s.log.Info("serving", "tools", s.tools.Names())
	return s.mcp.Run(ctx, transport)
}

// ServeStdio serves on stdin/stdout.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.Run(ctx, &mcpsdk.StdioTransport{})
}

// Connect starts a session on transport without blocking.
func (s *Server) Connect(ctx context.Context, transport mcpsdk.Transport) (*mcpsdk.ServerSession, error) {
	return s.mcp.Connect(ctx, transport, nil)
}

func (s *Server) handler(name string) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		args := map[string]any{}
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				err = errors.Wrap(err, errors.CodeToolInvalidParams, "arguments are not a JSON object", errors.CategoryUser)
				return textResult("error: "+err.Error(), true), nil
			}
		}

		res, err := s.tools.Execute(ctx, name, args)
		if err != nil {
			s.log.Warn("tool failed", "tool", name, "code", errors.GetCode(err), "error", err)
		} else {
			s.log.Debug("tool executed", "tool", name, "result", res.Text)
		}
		return textResult(res.Text, !res.Success), nil
	}
}

func textResult(text string, isError bool) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
		IsError: isError,
	}
}
