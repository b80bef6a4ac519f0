// Package validation rejects structurally malformed API requests before they
// reach a handler. Content checks on questions belong to the guardrails.
package validation

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type Config struct {
	// MaxBodyBytes bounds JSON bodies; larger ones are refused with 413.
	MaxBodyBytes        int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

type fieldKind int

const (
	kindString fieldKind = iota
	kindBool
	kindInt
	kindObject
)

type rule struct {
	field    string
	kind     fieldKind
	required bool
}

// rules by route suffix.
var rules = map[string][]rule{
	"/solve": {
		{field: "question", kind: kindString, required: true},
		{field: "use_computation_service", kind: kindBool},
	},
	"/feedback": {
		{field: "session_id", kind: kindString, required: true},
		{field: "rating", kind: kindInt, required: true},
		{field: "comments", kind: kindObject},
	},
	"/knowledge-base/entries": {
		{field: "problem", kind: kindString, required: true},
		{field: "solution", kind: kindString, required: true},
		{field: "topic", kind: kindString},
		{field: "source", kind: kindString},
	},
}

func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 64 * 1024
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{fiber.MIMEApplicationJSON}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}

		contentType := c.Get(fiber.HeaderContentType)
		if !allowed(contentType, cfg.AllowedContentTypes) {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "Unsupported content type",
			})
		}

		body := c.Body()
		if len(body) > cfg.MaxBodyBytes {
			return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
				"error": "Request body too large",
			})
		}

		routeRules, ok := rulesFor(c.Path())
		if !ok {
			return c.Next()
		}

		var req map[string]interface{}
		if err := json.Unmarshal(body, &req); err != nil || req == nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid JSON format",
			})
		}

		for _, r := range routeRules {
			if msg := r.check(req); msg != "" {
				cfg.Logger.Debug("Rejected malformed request",
					zap.String("path", c.Path()),
					zap.String("field", r.field),
				)
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": msg,
				})
			}
		}

		if q, ok := req["question"].(string); ok && strings.ContainsRune(q, 0) {
			req["question"] = strings.ReplaceAll(q, "\x00", "")
			sanitized, err := json.Marshal(req)
			if err == nil {
				c.Request().SetBody(sanitized)
			}
		}

		return c.Next()
	}
}

func rulesFor(path string) ([]rule, bool) {
	path = strings.TrimSuffix(path, "/")
	for suffix, r := range rules {
		if strings.HasSuffix(path, suffix) {
			return r, true
		}
	}
	return nil, false
}

func allowed(contentType string, types []string) bool {
	if contentType == "" {
		return false
	}
	for _, t := range types {
		if strings.HasPrefix(strings.ToLower(contentType), t) {
			return true
		}
	}
	return false
}

func (r rule) check(req map[string]interface{}) string {
	v, present := req[r.field]
	if !present || v == nil {
		if r.required {
			return r.field + " is required"
		}
		return ""
	}

	switch r.kind {
	case kindString:
		if _, ok := v.(string); !ok {
			return r.field + " must be a string"
		}
	case kindBool:
		if _, ok := v.(bool); !ok {
			return r.field + " must be a boolean"
		}
	case kindInt:
		n, ok := v.(float64)
		if !ok || n != math.Trunc(n) {
			return r.field + " must be an integer"
		}
	case kindObject:
		if _, ok := v.(map[string]interface{}); !ok {
			return r.field + " must be an object"
		}
	}
	return ""
}
