// Package compute routes questions to the computation service: planning a
// tool call, executing it under a timeout and circuit breaker, and reporting
// which tools are available.
package compute

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/math-agent/backend/internal/domain"
	"github.com/math-agent/backend/internal/metrics"
	"github.com/math-agent/backend/pkg/circuitbreaker"
	"github.com/math-agent/backend/pkg/logger"
)

// ErrNoApplicableTool marks a question the planner could not turn into a
// tool call.
var ErrNoApplicableTool = errors.New("no computation tool applies to this question")

// ErrServiceUnavailable is wrapped by services whose transport failed, so
// the breaker can tell an outage from a tool rejecting its input.
var ErrServiceUnavailable = errors.New("computation service unavailable")

// Service is a computation backend: the in-process engine or a remote MCP
// server.
type Service interface {
	Tools(ctx context.Context) ([]domain.ToolInfo, error)
	Call(ctx context.Context, tool string, args map[string]string) (string, error)
}

type Executor struct {
	service Service
	timeout time.Duration
	cb      *circuitbreaker.CircuitBreaker
}

func NewExecutor(service Service, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Executor{
		service: service,
		timeout: timeout,
		cb: circuitbreaker.NewCircuitBreaker("computation", circuitbreaker.Config{
			MaxRequests:      2,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			// Bad input is not a service failure.
			IsFailure: func(err error) bool {
				return !errors.Is(err, ErrNoApplicableTool) && !isToolError(err)
			},
			Logger:        logger.GetLogger(),
			OnStateChange: metrics.ObserveBreaker,
		}),
	}
}

// Available reports whether the service is configured and its breaker is
// not open.
func (e *Executor) Available() bool {
	return e != nil && e.service != nil && e.cb.Available()
}

// Execute plans and runs one tool call for q. Every failure is returned as a
// recoverable computation error alongside an unsuccessful result.
func (e *Executor) Execute(ctx context.Context, q domain.Question) (domain.ComputationResult, error) {
	call, ok := Plan(q)
	if !ok {
		metrics.ComputationCalls.WithLabelValues("none", "malformed").Inc()
		return domain.ComputationResult{Success: false, Error: ErrNoApplicableTool.Error()},
			domain.NewComputationError("computation request could not be formed", ErrNoApplicableTool)
	}
	return e.Run(ctx, call)
}

// Run executes a prepared call.
func (e *Executor) Run(ctx context.Context, call ToolCall) (domain.ComputationResult, error) {
	result := domain.ComputationResult{Tool: call.Tool}
	if e.service == nil {
		result.Error = "computation service not configured"
		return result, domain.NewComputationError(result.Error, nil)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	var payload string
	err := e.cb.Execute(ctx, func() error {
		var err error
		payload, err = e.call(ctx, call)
		if err != nil && ctx.Err() == nil && !errors.Is(err, ErrServiceUnavailable) {
			err = &toolError{err: err}
		}
		return err
	})

	status := "success"
	if err != nil {
		status = "error"
		if errors.Is(err, context.DeadlineExceeded) {
			status = "timeout"
		}
		metrics.ComputationCalls.WithLabelValues(call.Tool, status).Inc()
		logger.Warn("Computation failed",
			zap.String("tool", call.Tool),
			zap.Any("args", call.Args),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		result.Error = err.Error()
		return result, domain.NewComputationError("computation failed", err)
	}

	metrics.ComputationCalls.WithLabelValues(call.Tool, status).Inc()
	logger.Debug("Computation succeeded",
		zap.String("tool", call.Tool),
		zap.String("result", payload),
		zap.Duration("elapsed", time.Since(start)),
	)
	result.Success = true
	result.Payload = payload
	return result, nil
}

type callResult struct {
	payload string
	err     error
}

// call returns when the service answers or ctx is done, whichever comes
// first. Services that ignore ctx are left to finish in the background.
func (e *Executor) call(ctx context.Context, call ToolCall) (string, error) {
	done := make(chan callResult, 1)
	go func() {
		payload, err := e.service.Call(ctx, call.Tool, call.Args)
		done <- callResult{payload: payload, err: err}
	}()

	select {
	case r := <-done:
		return r.payload, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ToolsInfo never fails; an unreachable service reports itself unavailable
// with no tools.
func (e *Executor) ToolsInfo(ctx context.Context) domain.ToolsInfo {
	if e == nil || e.service == nil {
		return domain.ToolsInfo{Tools: []domain.ToolInfo{}}
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	tools, err := e.service.Tools(ctx)
	if err != nil {
		logger.Warn("Failed to list computation tools", zap.Error(err))
		return domain.ToolsInfo{Tools: []domain.ToolInfo{}}
	}
	return domain.ToolsInfo{Available: e.cb.Available(), ToolCount: len(tools), Tools: tools}
}

// toolError is a tool rejecting its input, as opposed to the service being
// down or slow.
type toolError struct{ err error }

func (t *toolError) Error() string { return t.err.Error() }
func (t *toolError) Unwrap() error { return t.err }

func isToolError(err error) bool {
	var te *toolError
	return errors.As(err, &te)
}
