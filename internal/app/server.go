package app

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/math-agent/backend/internal/api/handlers"
	"github.com/math-agent/backend/internal/metrics"
	"github.com/math-agent/backend/internal/middleware/ratelimit"
	"github.com/math-agent/backend/internal/middleware/security"
	"github.com/math-agent/backend/internal/middleware/validation"
	"github.com/math-agent/backend/pkg/logger"
)

const version = "1.0.0"

// NewServer mounts the HTTP and websocket API on a fiber app. The returned
// stop function releases the rate limiter.
func (a *App) NewServer() (*fiber.App, func()) {
	sc := a.Config.Server
	origins := splitOrigins(sc.AllowedOrigins)

	server := fiber.New(fiber.Config{
		AppName:      "math-agent",
		ReadTimeout:  time.Duration(sc.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(sc.WriteTimeout) * time.Second,
		BodyLimit:    sc.BodyLimit,
	})

	server.Use(recover.New())
	server.Use(fiberlogger.New())
	server.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(origins, ","),
		AllowHeaders: "Origin, Content-Type, Accept",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	server.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: origins,
		IsDevelopment:  sc.Environment == "development",
	}))
	server.Use(validation.Middleware(validation.Config{
		Logger: logger.GetLogger(),
	}))

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: sc.RateLimit,
		Logger:            logger.GetLogger(),
	})

	solve := handlers.NewSolveHandler(a.Engine)
	stream := handlers.NewWebSocketHandler(a.Engine)
	fb := handlers.NewFeedbackHandler(a.Feedback)
	status := handlers.NewStatusHandler(a.Status, a.Routing)
	kb := handlers.NewKnowledgeHandler(a.Loader, a.Status.Refresh)

	server.Get("/", handlers.Info("math-agent", version))
	server.Get("/metrics", metrics.MetricsHandler())

	api := server.Group("/api/v1")

	api.Post("/solve", limiter.Middleware(), solve.HandleSolve)
	api.Get("/solve/stream", limiter.Middleware(), func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}, websocket.New(stream.HandleConnection))

	api.Post("/feedback", fb.SubmitFeedback)
	api.Get("/feedback/analytics", fb.GetAnalytics)

	api.Get("/knowledge-base/stats", status.GetKnowledgeBaseStats)
	api.Post("/knowledge-base/entries", kb.AddEntry)

	api.Get("/computation/tools", status.GetComputationTools)
	api.Get("/routing/parameters", status.GetRoutingParameters)
	api.Get("/health", status.GetHealth)
	api.Get("/system/components", status.GetComponents)

	return server, limiter.Stop
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		out = []string{"*"}
	}
	return out
}
