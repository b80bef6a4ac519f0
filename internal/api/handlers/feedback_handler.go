package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/math-agent/backend/internal/domain"
	"github.com/math-agent/backend/pkg/logger"
)

type FeedbackRecorder interface {
	Record(ctx context.Context, rec domain.FeedbackRecord) error
	Snapshot() domain.AnalyticsSnapshot
}

type FeedbackHandler struct {
	feedback FeedbackRecorder
}

func NewFeedbackHandler(f FeedbackRecorder) *FeedbackHandler {
	return &FeedbackHandler{feedback: f}
}

func (h *FeedbackHandler) SubmitFeedback(c *fiber.Ctx) error {
	var req struct {
		SessionID string          `json:"session_id"`
		Rating    int             `json:"rating"`
		Comments  domain.Comments `json:"comments"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	err := h.feedback.Record(c.Context(), domain.FeedbackRecord{
		SessionID: req.SessionID,
		Rating:    req.Rating,
		Comments:  req.Comments,
	})
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(fiber.Map{
		"message":    "Feedback submitted successfully",
		"session_id": req.SessionID,
	})
}

func (h *FeedbackHandler) GetAnalytics(c *fiber.Ctx) error {
	return c.JSON(h.feedback.Snapshot())
}
