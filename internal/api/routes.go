package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthCheck reports the state of one dependency.
type HealthCheck func(ctx context.Context) error

// RegisterRoutes mounts /metrics, /health and the v1 API.
func RegisterRoutes(app *fiber.App, checks map[string]HealthCheck, h *Handler) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Get("/health", func(c *fiber.Ctx) error {
		results := make(map[string]string, len(checks))
		status := "ok"
		code := fiber.StatusOK

		healthCtx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		for name, check := range checks {
			if err := check(healthCtx); err != nil {
				results[name] = err.Error()
				status = "degraded"
				code = fiber.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}

		return c.Status(code).JSON(fiber.Map{
			"status":  status,
			"checks":  results,
			"session": h.service.SessionInfo().Phase,
		})
	})

	v1 := app.Group("/api/v1")
	v1.Get("/session", h.Session)
	v1.Get("/dashboard", h.Dashboard)
	v1.Get("/housing", h.Housing)
	v1.Get("/user", h.User)
	v1.Get("/counters", h.Counters)
	v1.Get("/counters/:id/info", h.MeterInfo)
	v1.Get("/counters/:id/meter", h.Meter)
	v1.Get("/counters/:id/history", h.History)
	v1.Get("/consumption/:fluid", h.Consumption)
}
