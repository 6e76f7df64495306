package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

// StorePinger checks store reachability for the health report.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// TriggerLister reports the registered scheduler triggers.
type TriggerLister interface {
	TriggerNames() []string
}

// HealthHandler handles health check requests
type HealthHandler struct {
	store     StorePinger
	scheduler TriggerLister
	startedAt time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(store StorePinger, scheduler TriggerLister) *HealthHandler {
	return &HealthHandler{
		store:     store,
		scheduler: scheduler,
		startedAt: time.Now(),
	}
}

// Handle responds with engine health status
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	storeStatus := "reachable"
	status := "healthy"
	if err := h.store.Ping(c.UserContext()); err != nil {
		storeStatus = err.Error()
		status = "degraded"
	}

	return c.JSON(fiber.Map{
		"status":    status,
		"store":     storeStatus,
		"triggers":  h.scheduler.TriggerNames(),
		"uptime":    time.Since(h.startedAt).String(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
