package handlers

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/math-agent/backend/internal/domain"
	"github.com/math-agent/backend/internal/solver"
	"github.com/math-agent/backend/pkg/logger"
)

// Event types sent to streaming clients.
const (
	EventStatus   = "status"
	EventChunk    = "chunk"
	EventSolution = "solution"
	EventComplete = "complete"
	EventError    = "error"
)

type WebSocketHandler struct {
	solver Solver
}

func NewWebSocketHandler(s Solver) *WebSocketHandler {
	return &WebSocketHandler{solver: s}
}

type streamMessage struct {
	Type                  string `json:"type"`
	Question              string `json:"question"`
	UseComputationService *bool  `json:"use_computation_service"`
}

// HandleConnection serves solve requests over one connection until the
// client goes away. Progress is pushed as status events, then the answer
// as chunks followed by the full solution.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg streamMessage
		if err := c.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Failed to read WebSocket message", zap.Error(err))
			}
			return
		}

		if msg.Type != "solve" {
			continue
		}

		req := SolveRequest{Question: msg.Question, UseComputationService: msg.UseComputationService}
		if err := h.streamSolution(c, req); err != nil {
			logger.Error("Failed to stream solution", zap.Error(err))
			return
		}
	}
}

// jsonWriter is the write half of a websocket connection.
type jsonWriter interface {
	WriteJSON(v interface{}) error
}

// streamSolution solves one request. A failed write means the client is
// gone, so the solve is cancelled rather than run to completion.
func (h *WebSocketHandler) streamSolution(c jsonWriter, req SolveRequest) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu       sync.Mutex
		writeErr error
	)
	sol, rej, err := h.solver.Solve(ctx, solver.SolveRequest{
		Question:              req.Question,
		UseComputationService: req.computation(),
		Observer: func(state solver.State, message string) {
			mu.Lock()
			defer mu.Unlock()
			if writeErr != nil || state.Terminal() {
				return
			}
			writeErr = c.WriteJSON(map[string]interface{}{
				"type":    EventStatus,
				"state":   state,
				"message": message,
			})
			if writeErr != nil {
				cancel()
			}
		},
	})
	mu.Lock()
	failed := writeErr
	mu.Unlock()
	if failed != nil {
		return failed
	}

	switch {
	case err != nil:
		msg := "Unable to produce a solution for this question"
		var appErr *domain.AppError
		if errors.As(err, &appErr) {
			msg = appErr.Message
		}
		return h.sendError(c, msg)
	case rej != nil:
		return c.WriteJSON(map[string]interface{}{
			"type":       EventError,
			"session_id": rej.SessionID,
			"reason":     rej.Reason,
			"message":    rej.Message,
			"guardrails": rej.Guardrails,
		})
	}

	for _, chunk := range chunks(sol.Text) {
		if err := c.WriteJSON(map[string]interface{}{
			"type":    EventChunk,
			"content": chunk,
		}); err != nil {
			return err
		}
	}

	if err := c.WriteJSON(map[string]interface{}{
		"type":     EventSolution,
		"solution": sol,
	}); err != nil {
		return err
	}

	return c.WriteJSON(map[string]interface{}{
		"type":       EventComplete,
		"session_id": sol.SessionID,
	})
}

func (h *WebSocketHandler) sendError(c jsonWriter, errorMsg string) error {
	return c.WriteJSON(map[string]interface{}{
		"type":    EventError,
		"message": errorMsg,
	})
}

// chunks splits text into words for streaming. Concatenating the chunks
// gives the text back with runs of spaces collapsed.
func chunks(text string) []string {
	var out []string
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			out = append(out, "\n")
		}
		words := strings.Fields(line)
		for j, w := range words {
			if j < len(words)-1 {
				w += " "
			}
			out = append(out, w)
		}
	}
	return out
}
