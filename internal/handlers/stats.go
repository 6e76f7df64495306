package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	gocache "github.com/patrickmn/go-cache"

	"inkwell/internal/models"
)

// StatsProvider produces the cross-database snapshot census.
type StatsProvider interface {
	AllSnapshotStats(ctx context.Context) (*models.AllSnapshotStats, error)
}

const statsCacheKey = "all-snapshot-stats"

// StatsHandler serves the operator-facing statistics report. Responses are
// cached briefly so dashboard polling does not multiply store load; the
// engine's own scheduled stats passes never read this cache.
type StatsHandler struct {
	retention StatsProvider
	cache     *gocache.Cache
}

// NewStatsHandler creates a stats handler with a short response cache.
func NewStatsHandler(retention StatsProvider) *StatsHandler {
	return &StatsHandler{
		retention: retention,
		cache:     gocache.New(30*time.Second, time.Minute),
	}
}

// Handle responds with the aggregate snapshot statistics report
func (h *StatsHandler) Handle(c *fiber.Ctx) error {
	if cached, found := h.cache.Get(statsCacheKey); found {
		return c.JSON(cached)
	}

	report, err := h.retention.AllSnapshotStats(c.UserContext())
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	h.cache.Set(statsCacheKey, report, gocache.DefaultExpiration)
	return c.JSON(report)
}
