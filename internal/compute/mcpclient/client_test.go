package mcpclient

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/math-agent/backend/internal/compute"
	"github.com/math-agent/backend/internal/compute/mathtools"
	"github.com/math-agent/backend/internal/compute/mcpserver"
)

// loopback dispatches straight into the server handlers.
type loopback struct {
	engine *mathtools.Engine
	broken bool
	closed int
}

func (l *loopback) ListTools(context.Context, mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	if l.broken {
		return nil, errors.New("broken pipe")
	}
	res := &mcp.ListToolsResult{}
	for _, t := range l.engine.Catalog() {
		res.Tools = append(res.Tools, mcp.NewTool(t.Name, mcp.WithDescription(t.Description)))
	}
	return res, nil
}

func (l *loopback) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if l.broken {
		return nil, errors.New("broken pipe")
	}
	return mcpserver.Handler(l.engine, req.Params.Name)(ctx, req)
}

func (l *loopback) Close() error {
	l.closed++
	return nil
}

func newTestClient(lb *loopback) (*Client, *int) {
	dials := 0
	return &Client{dial: func(context.Context) (session, error) {
		dials++
		return lb, nil
	}}, &dials
}

func TestClient_CallRoundTrip(t *testing.T) {
	c, _ := newTestClient(&loopback{engine: mathtools.NewEngine()})
	ctx := context.Background()

	out, err := c.Call(ctx, mathtools.ToolDerivative, map[string]string{"function": "x^3"})
	require.NoError(t, err)
	assert.Equal(t, "3x^2", out)

	tools, err := c.Tools(ctx)
	require.NoError(t, err)
	assert.Len(t, tools, 5)
}

func TestClient_ToolErrorInBand(t *testing.T) {
	c, _ := newTestClient(&loopback{engine: mathtools.NewEngine()})

	_, err := c.Call(context.Background(), mathtools.ToolCalculator, map[string]string{"expression": "1 / 0"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, compute.ErrServiceUnavailable)
}

func TestClient_TransportFailureRedials(t *testing.T) {
	lb := &loopback{engine: mathtools.NewEngine(), broken: true}
	c, dials := newTestClient(lb)

	_, err := c.Call(context.Background(), mathtools.ToolCalculator, map[string]string{"expression": "1 + 1"})
	assert.ErrorIs(t, err, compute.ErrServiceUnavailable)
	assert.Equal(t, 1, lb.closed)

	lb.broken = false
	out, err := c.Call(context.Background(), mathtools.ToolCalculator, map[string]string{"expression": "1 + 1"})
	require.NoError(t, err)
	assert.Equal(t, "2", out)
	assert.Equal(t, 2, *dials)

	require.NoError(t, c.Close())
}

func TestClient_DialFailure(t *testing.T) {
	c := &Client{dial: func(context.Context) (session, error) {
		return nil, errors.New("executable not found")
	}}
	_, err := c.Tools(context.Background())
	assert.ErrorIs(t, err, compute.ErrServiceUnavailable)
}
