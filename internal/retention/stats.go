package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"inkwell/internal/couch"
	"inkwell/internal/models"
	"inkwell/internal/services"
)

// SnapshotStats counts db's snapshots per retention tier via the by_tier
// reduce. A degraded query (uninitialized index, transport failure) reports
// an explicit zero census instead of erroring; a tenant reporting zero across
// all tiers is itself an operator signal.
func (m *Manager) SnapshotStats(ctx context.Context, db string) models.SnapshotStats {
	stats := models.NewSnapshotStats()

	result, err := m.store.QueryView(ctx, db, "by_tier", couch.ViewOptions{
		GroupLevel: 1,
	})
	if err != nil {
		log.Printf("[RETENTION] Stats query degraded on %s: %v", db, err)
		return stats
	}

	for _, row := range result.Rows {
		tier := groupedTier(row)
		if tier == "" {
			continue
		}
		var count int
		if err := json.Unmarshal(row.Value, &count); err != nil {
			continue
		}
		stats.ByTier[tier] += count
		stats.Total += count
	}
	return stats
}

// AllSnapshotStats gathers the census for every tenant database with the same
// isolate-and-continue fan-out as cleanup, merging per-tier counts by
// addition and keying per-database results by database name.
func (m *Manager) AllSnapshotStats(ctx context.Context) (*models.AllSnapshotStats, error) {
	start := time.Now()

	databases, err := m.store.ListTenantDatabases(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tenant databases: %w", err)
	}

	report := models.NewAllSnapshotStats()
	for _, db := range databases {
		if err := m.limiter.Wait(ctx); err != nil {
			return report, err
		}
		report.Merge(db, m.SnapshotStats(ctx, db))
	}

	log.Printf("[RETENTION] Stats pass: %d snapshots across %d databases in %v",
		report.TotalSnapshots, report.TotalDatabases, time.Since(start))
	if metrics := services.GetMetrics(); metrics != nil {
		metrics.TenantDatabases.Set(float64(report.TotalDatabases))
		for _, tier := range models.AllTiers() {
			metrics.SnapshotsByTier.WithLabelValues(tier.String()).Set(float64(report.ByTier[tier.String()]))
		}
	}
	return report, nil
}

// groupedTier extracts the tier from a group_level=1 by_tier row, whose key
// is the one-element prefix [retentionTier].
func groupedTier(row couch.ViewRow) string {
	var key []json.RawMessage
	if err := json.Unmarshal(row.Key, &key); err != nil || len(key) < 1 {
		return ""
	}
	var tier string
	if err := json.Unmarshal(key[0], &tier); err != nil {
		return ""
	}
	return tier
}
