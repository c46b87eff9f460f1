// Package mcpserver exposes pacer's tool set, and optionally the whole
// question-answering loop, to MCP clients over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nugget/pacer/internal/agent"
	"github.com/nugget/pacer/internal/buildinfo"
	"github.com/nugget/pacer/internal/tools"
)

// AskToolName is the extra tool that runs a full question through the
// agent loop.
const AskToolName = "ask_pacer"

const instructions = `Pacer answers questions about one athlete's Strava history.
Every tool call may cost upstream API quota (100 calls per 15 minutes); check
get_quota before large searches and prefer rank_by over paging through results.`

// Executor runs pacer tools. *tools.Registry implements it.
type Executor interface {
	Definitions() []tools.Tool
	ExecuteArgs(ctx context.Context, q tools.Query, name string, args map[string]any) (string, error)
}

// Asker answers whole questions. *agent.Loop implements it.
type Asker interface {
	Run(ctx context.Context, req agent.Request) (*agent.Response, error)
}

// Option configures the server.
type Option func(*builder)

type builder struct {
	asker  Asker
	logger *slog.Logger
}

// WithAsker adds the ask_pacer tool.
func WithAsker(a Asker) Option {
	return func(b *builder) { b.asker = a }
}

// WithLogger sets the logger. Logs must not go to stdout, which carries
// the protocol.
func WithLogger(l *slog.Logger) Option {
	return func(b *builder) { b.logger = l }
}

// New builds an MCP server with one MCP tool per pacer tool.
func New(exec Executor, opts ...Option) (*server.MCPServer, error) {
	b := &builder{logger: slog.Default()}
	for _, o := range opts {
		o(b)
	}
	logger := b.logger.With("component", "mcp")

	s := server.NewMCPServer(
		"pacer",
		buildinfo.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	for _, t := range exec.Definitions() {
		schema, err := json.Marshal(t.Parameters)
		if err != nil {
			return nil, fmt.Errorf("encode %s schema: %w", t.Name, err)
		}
		s.AddTool(mcp.NewToolWithRawSchema(t.Name, t.Description, schema), toolHandler(exec, t.Name, logger))
	}

	if b.asker != nil {
		s.AddTool(mcp.NewTool(AskToolName,
			mcp.WithDescription("Answer a natural-language question about the athlete's activities. Runs pacer's own model loop over the other tools."),
			mcp.WithString("question",
				mcp.Required(),
				mcp.Description("The question, e.g. \"What was my longest ride last month?\""),
			),
		), askHandler(b.asker, logger))
	}
	return s, nil
}

// Serve runs s on stdin/stdout until the input closes.
func Serve(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func toolHandler(exec Executor, name string, logger *slog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]any)
		out, err := exec.ExecuteArgs(ctx, tools.Query{}, name, args)
		if err != nil {
			logger.Debug("tool call failed", "tool", name, "error", err)
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(out), nil
	}
}

func askHandler(asker Asker, logger *slog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]any)
		question, _ := args["question"].(string)
		if question == "" {
			return mcp.NewToolResultError("question is required"), nil
		}

		resp, err := asker.Run(ctx, agent.Request{Question: question, Source: "mcp"})
		if err != nil {
			logger.Warn("ask failed", "error", err)
			return mcp.NewToolResultError(fmt.Sprintf("question failed: %v", err)), nil
		}
		text := resp.Answer
		if resp.Note != "" {
			text += "\n\n_" + resp.Note + "_"
		}
		return mcp.NewToolResultText(text), nil
	}
}
