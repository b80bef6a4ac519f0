package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/math-agent/backend/internal/domain"
	"github.com/math-agent/backend/internal/knowledge"
	"github.com/math-agent/backend/pkg/logger"
)

type EntryAdder interface {
	Add(ctx context.Context, entries []domain.KnowledgeBaseEntry) error
}

type KnowledgeHandler struct {
	loader EntryAdder
	// onChange runs after entries were added, typically a status refresh.
	onChange func(ctx context.Context)
}

func NewKnowledgeHandler(loader EntryAdder, onChange func(ctx context.Context)) *KnowledgeHandler {
	return &KnowledgeHandler{loader: loader, onChange: onChange}
}

// AddEntry indexes one solved problem into the knowledge base.
func (h *KnowledgeHandler) AddEntry(c *fiber.Ctx) error {
	var req struct {
		Problem  string `json:"problem"`
		Solution string `json:"solution"`
		Topic    string `json:"topic"`
		Source   string `json:"source"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	req.Problem = strings.TrimSpace(req.Problem)
	req.Solution = strings.TrimSpace(req.Solution)
	if req.Problem == "" || req.Solution == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Problem and solution are required",
		})
	}
	if req.Source == "" {
		req.Source = "api"
	}

	entry := domain.KnowledgeBaseEntry{
		ID:       knowledge.EntryID(req.Problem),
		Problem:  req.Problem,
		Solution: req.Solution,
		Topic:    req.Topic,
		Source:   req.Source,
	}
	if err := h.loader.Add(c.Context(), []domain.KnowledgeBaseEntry{entry}); err != nil {
		logger.Error("Failed to add knowledge base entry", zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Failed to add knowledge base entry",
		})
	}
	if h.onChange != nil {
		h.onChange(c.Context())
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Entry added successfully",
		"id":      entry.ID,
	})
}
