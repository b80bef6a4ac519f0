// Package mcpclient talks to a computation server over MCP stdio.
package mcpclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/math-agent/backend/internal/compute"
	"github.com/math-agent/backend/internal/domain"
	"github.com/math-agent/backend/pkg/logger"
)

type session interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

type dialFunc func(ctx context.Context) (session, error)

// Client starts the server process lazily and restarts it after a
// transport failure.
type Client struct {
	dial dialFunc

	mu   sync.Mutex
	sess session
}

func New(command string, env []string, args ...string) *Client {
	return &Client{dial: func(ctx context.Context) (session, error) {
		c, err := client.NewStdioMCPClient(command, env, args...)
		if err != nil {
			return nil, err
		}

		initReq := mcp.InitializeRequest{}
		initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
		initReq.Params.ClientInfo = mcp.Implementation{Name: "math-agent", Version: "1.0.0"}
		if _, err := c.Initialize(ctx, initReq); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("failed to initialize: %w", err)
		}
		return c, nil
	}}
}

func (c *Client) acquire(ctx context.Context) (session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != nil {
		return c.sess, nil
	}
	s, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", compute.ErrServiceUnavailable, err)
	}
	logger.Info("Connected to computation server")
	c.sess = s
	return s, nil
}

// reset drops a broken session so the next call redials.
func (c *Client) reset(s session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == s {
		_ = s.Close()
		c.sess = nil
	}
}

func (c *Client) Tools(ctx context.Context) ([]domain.ToolInfo, error) {
	s, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.reset(s)
		return nil, fmt.Errorf("%w: %v", compute.ErrServiceUnavailable, err)
	}

	out := make([]domain.ToolInfo, len(res.Tools))
	for i, t := range res.Tools {
		out[i] = domain.ToolInfo{Name: t.Name, Description: t.Description}
	}
	return out, nil
}

func (c *Client) Call(ctx context.Context, tool string, args map[string]string) (string, error) {
	s, err := c.acquire(ctx)
	if err != nil {
		return "", err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = make(map[string]interface{}, len(args))
	for k, v := range args {
		req.Params.Arguments[k] = v
	}

	res, err := s.CallTool(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		logger.Warn("MCP call failed, dropping session", zap.String("tool", tool), zap.Error(err))
		c.reset(s)
		return "", fmt.Errorf("%w: %v", compute.ErrServiceUnavailable, err)
	}

	text := resultText(res)
	if res.IsError {
		return "", errors.New(text)
	}
	return text, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	err := c.sess.Close()
	c.sess = nil
	return err
}

func resultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, content := range res.Content {
		switch tc := content.(type) {
		case mcp.TextContent:
			parts = append(parts, tc.Text)
		case *mcp.TextContent:
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
