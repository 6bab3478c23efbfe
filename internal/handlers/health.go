package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"pimssync/internal/browser"
)

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

// HealthHandler reports dependency and pool health
type HealthHandler struct {
	checks map[string]HealthCheck
	pool   func() browser.Stats
}

// NewHealthHandler creates a health handler. pool may be nil.
func NewHealthHandler(checks map[string]HealthCheck, pool func() browser.Stats) *HealthHandler {
	return &HealthHandler{checks: checks, pool: pool}
}

// Handle responds with server health status
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 3*time.Second)
	defer cancel()

	status := "healthy"
	deps := make(fiber.Map, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = "degraded"
			continue
		}
		deps[name] = "ok"
	}

	body := fiber.Map{
		"status":       status,
		"dependencies": deps,
		"timestamp":    time.Now().Format(time.RFC3339),
	}
	if h.pool != nil {
		body["pool"] = h.pool()
	}

	code := fiber.StatusOK
	if status != "healthy" {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(body)
}
