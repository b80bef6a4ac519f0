// Package mcpserver exposes the math tools engine as an MCP server.
package mcpserver

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/math-agent/backend/internal/compute/mathtools"
	"github.com/math-agent/backend/pkg/logger"
)

const Name = "math-tools"

// New registers every engine tool with string parameters.
func New(engine *mathtools.Engine, version string) *server.MCPServer {
	s := server.NewMCPServer(Name, version, server.WithLogging())

	for _, t := range engine.Catalog() {
		opts := []mcp.ToolOption{mcp.WithDescription(t.Description)}
		for _, p := range t.Params {
			propOpts := []mcp.PropertyOption{mcp.Description(p.Description)}
			if p.Required {
				propOpts = append(propOpts, mcp.Required())
			}
			opts = append(opts, mcp.WithString(p.Name, propOpts...))
		}
		s.AddTool(mcp.NewTool(t.Name, opts...), Handler(engine, t.Name))
	}
	return s
}

// Handler runs one tool. Tool failures are reported in-band as error
// results so the client can tell them from transport failures.
func Handler(engine *mathtools.Engine, tool string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()

		args := make(map[string]string, len(request.Params.Arguments))
		for k, v := range request.Params.Arguments {
			switch val := v.(type) {
			case string:
				args[k] = val
			case nil:
			default:
				args[k] = fmt.Sprint(val)
			}
		}

		out, err := engine.Call(ctx, tool, args)
		if err != nil {
			logger.Warn("Tool call failed",
				zap.String("tool", tool),
				zap.Any("args", args),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err),
			)
			return mcp.NewToolResultError(err.Error()), nil
		}

		logger.Debug("Tool call succeeded",
			zap.String("tool", tool),
			zap.String("result", out),
			zap.Duration("elapsed", time.Since(start)),
		)
		return mcp.NewToolResultText(out), nil
	}
}
