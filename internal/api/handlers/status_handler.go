package handlers

import (
	"context"
	"sort"

	"github.com/gofiber/fiber/v2"

	"github.com/math-agent/backend/internal/domain"
)

// StatusReader serves cached status; reads must not block on external
// services.
type StatusReader interface {
	Health(ctx context.Context) domain.Health
	ComputationTools(ctx context.Context) domain.ToolsInfo
	KnowledgeBaseStats(ctx context.Context) domain.KnowledgeBaseStats
}

type ParamsReader interface {
	Current() domain.RoutingParameters
}

type StatusHandler struct {
	status StatusReader
	params ParamsReader
}

func NewStatusHandler(status StatusReader, params ParamsReader) *StatusHandler {
	return &StatusHandler{status: status, params: params}
}

func (h *StatusHandler) GetHealth(c *fiber.Ctx) error {
	return c.JSON(h.status.Health(c.Context()))
}

func (h *StatusHandler) GetComputationTools(c *fiber.Ctx) error {
	return c.JSON(h.status.ComputationTools(c.Context()))
}

func (h *StatusHandler) GetKnowledgeBaseStats(c *fiber.Ctx) error {
	return c.JSON(h.status.KnowledgeBaseStats(c.Context()))
}

func (h *StatusHandler) GetRoutingParameters(c *fiber.Ctx) error {
	return c.JSON(h.params.Current())
}

type componentsResponse struct {
	Components   map[string]bool `json:"components"`
	Available    []string        `json:"available"`
	Total        int             `json:"total"`
	SystemStatus string          `json:"system_status"`
}

// GetComponents lists the components behind the cached health report.
func (h *StatusHandler) GetComponents(c *fiber.Ctx) error {
	health := h.status.Health(c.Context())
	resp := componentsResponse{
		Components:   health.Components,
		Available:    []string{},
		Total:        len(health.Components),
		SystemStatus: health.Status,
	}
	if resp.Components == nil {
		resp.Components = map[string]bool{}
	}
	for name, up := range health.Components {
		if up {
			resp.Available = append(resp.Available, name)
		}
	}
	sort.Strings(resp.Available)
	return c.JSON(resp)
}

// Info serves the service name and version with the routes mounted on the
// app at request time.
func Info(name, version string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		seen := map[string]bool{}
		endpoints := []string{}
		for _, r := range c.App().GetRoutes(true) {
			if r.Method == fiber.MethodHead {
				continue
			}
			ep := r.Method + " " + r.Path
			if !seen[ep] {
				seen[ep] = true
				endpoints = append(endpoints, ep)
			}
		}
		sort.Strings(endpoints)
		return c.JSON(fiber.Map{
			"name":      name,
			"version":   version,
			"status":    "active",
			"endpoints": endpoints,
		})
	}
}
