package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/math-agent/backend/internal/domain"
	"github.com/math-agent/backend/internal/solver"
	"github.com/math-agent/backend/pkg/logger"
)

type Solver interface {
	Solve(ctx context.Context, req solver.SolveRequest) (*domain.Solution, *domain.Rejection, error)
}

type SolveRequest struct {
	Question              string `json:"question"`
	UseComputationService *bool  `json:"use_computation_service"`
}

// computation defaults to on when the field is absent.
func (r SolveRequest) computation() bool {
	return r.UseComputationService == nil || *r.UseComputationService
}

type SolveHandler struct {
	solver Solver
}

func NewSolveHandler(s Solver) *SolveHandler {
	return &SolveHandler{solver: s}
}

// HandleSolve answers with the Solution, or 422 with the Rejection when the
// input guardrail refused the question.
func (h *SolveHandler) HandleSolve(c *fiber.Ctx) error {
	var req SolveRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	sol, rej, err := h.solver.Solve(c.Context(), solver.SolveRequest{
		Question:              req.Question,
		UseComputationService: req.computation(),
	})
	if err != nil {
		return writeError(c, err)
	}
	if rej != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(rej)
	}
	return c.JSON(sol)
}

// writeError maps an AppError to its status code. Anything else is a 500
// with a generic message.
func writeError(c *fiber.Ctx, err error) error {
	var appErr *domain.AppError
	if errors.As(err, &appErr) {
		if appErr.StatusCode >= fiber.StatusInternalServerError {
			logger.Error("Request failed", zap.Error(err))
		}
		return c.Status(appErr.StatusCode).JSON(fiber.Map{
			"error": appErr.Message,
		})
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Request cancelled",
		})
	}
	logger.Error("Request failed", zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Internal server error",
	})
}
