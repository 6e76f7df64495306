package retention

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"inkwell/internal/couch"
	"inkwell/internal/models"
	"inkwell/internal/services"
)

// Store is the slice of the store client the retention manager needs.
type Store interface {
	ListTenantDatabases(ctx context.Context) ([]string, error)
	QueryView(ctx context.Context, db, view string, opts couch.ViewOptions) (*couch.ViewResult, error)
	BulkDocs(ctx context.Context, db string, docs []any) ([]couch.BulkResult, error)
}

// IndexEnsurer guarantees a database carries the snapshot views before they
// are queried.
type IndexEnsurer interface {
	Ensure(ctx context.Context, db string) error
}

// Options tune the retention manager.
type Options struct {
	// MaxSnapshotsPerStory is the per-story count cap (invariant safety
	// valve, independent of expiry).
	MaxSnapshotsPerStory int
	// FanoutRatePerSec paces cross-database iteration so a cleanup pass does
	// not hammer the store.
	FanoutRatePerSec float64
	// BatchSize bounds one bulk tombstone submission.
	BatchSize int
}

// Manager implements the two pruning policies and the snapshot census, all
// per-database and aggregable. It holds no cross-database state; every query
// goes to the store.
type Manager struct {
	store       Store
	indexes     IndexEnsurer
	limiter     *rate.Limiter
	maxPerStory int
	batchSize   int
}

// New creates a retention manager.
func New(store Store, indexes IndexEnsurer, opts Options) *Manager {
	if opts.MaxSnapshotsPerStory <= 0 {
		opts.MaxSnapshotsPerStory = 200
	}
	if opts.FanoutRatePerSec <= 0 {
		opts.FanoutRatePerSec = 20
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Manager{
		store:       store,
		indexes:     indexes,
		limiter:     rate.NewLimiter(rate.Limit(opts.FanoutRatePerSec), int(opts.FanoutRatePerSec)+1),
		maxPerStory: opts.MaxSnapshotsPerStory,
		batchSize:   opts.BatchSize,
	}
}

// PruneExpired deletes every snapshot in db whose expiresAt is at or before
// now, regardless of tier or story, and returns the confirmed delete count.
// A failed view query degrades to zero deletions rather than crashing the
// cycle; individual delete conflicts are logged, not raised, since a
// concurrent instance may have tombstoned the same snapshots already.
func (m *Manager) PruneExpired(ctx context.Context, db string, now time.Time) (int, error) {
	if err := m.indexes.Ensure(ctx, db); err != nil {
		return 0, err
	}

	result, err := m.store.QueryView(ctx, db, "by_expiration", couch.ViewOptions{
		EndKey:      models.FormatTimestamp(now),
		IncludeDocs: true,
	})
	if err != nil {
		log.Printf("[RETENTION] Expiration query degraded on %s: %v", db, err)
		return 0, nil
	}
	if len(result.Rows) == 0 {
		return 0, nil
	}

	deleted, err := m.tombstoneRows(ctx, db, result.Rows, "expired")
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		log.Printf("[RETENTION] Deleted %d expired snapshots from %s", deleted, db)
	}
	return deleted, nil
}

// PruneExcess enforces the per-story count cap: when a story holds more than
// maxSnapshots snapshots, the oldest ones (by createdAt, ties broken by view
// order) are deleted until exactly maxSnapshots remain. Returns the confirmed
// delete count.
func (m *Manager) PruneExcess(ctx context.Context, db, storyID string, maxSnapshots int) (int, error) {
	result, err := m.store.QueryView(ctx, db, "by_story_and_date", couch.ViewOptions{
		StartKey:    []any{storyID},
		EndKey:      []any{storyID, map[string]any{}},
		IncludeDocs: true,
	})
	if err != nil {
		if errors.Is(err, couch.ErrViewMissing) {
			log.Printf("[RETENTION] Excess query degraded on %s: %v", db, err)
			return 0, nil
		}
		return 0, err
	}
	if len(result.Rows) <= maxSnapshots {
		return 0, nil
	}

	rows := make([]couch.ViewRow, len(result.Rows))
	copy(rows, result.Rows)
	sort.SliceStable(rows, func(i, j int) bool {
		return rowCreatedAt(rows[i]) < rowCreatedAt(rows[j])
	})

	excess := rows[:len(rows)-maxSnapshots]
	deleted, err := m.tombstoneRows(ctx, db, excess, "excess")
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		log.Printf("[RETENTION] Deleted %d excess snapshots for story %s in %s (cap %d)",
			deleted, storyID, db, maxSnapshots)
	}
	return deleted, nil
}

// PruneExcessAllStories applies the per-story cap to every story with
// snapshots in db. Failures for one story are logged and skipped.
func (m *Manager) PruneExcessAllStories(ctx context.Context, db string) (int, error) {
	if err := m.indexes.Ensure(ctx, db); err != nil {
		return 0, err
	}

	result, err := m.store.QueryView(ctx, db, "by_story_and_date", couch.ViewOptions{})
	if err != nil {
		log.Printf("[RETENTION] Story enumeration degraded on %s: %v", db, err)
		return 0, nil
	}

	seen := make(map[string]bool)
	var stories []string
	for _, row := range result.Rows {
		story := rowStoryID(row)
		if story == "" || seen[story] {
			continue
		}
		seen[story] = true
		stories = append(stories, story)
	}

	total := 0
	for _, story := range stories {
		deleted, err := m.PruneExcess(ctx, db, story, m.maxPerStory)
		if err != nil {
			log.Printf("[RETENTION] Failed excess pruning for story %s in %s: %v", story, db, err)
			continue
		}
		total += deleted
	}
	return total, nil
}

// PruneExpiredAllDatabases runs expiration pruning over every tenant
// database. One database's failure is logged and excluded from the total but
// never stops iteration over the rest.
func (m *Manager) PruneExpiredAllDatabases(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()

	databases, err := m.store.ListTenantDatabases(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tenant databases: %w", err)
	}

	total := 0
	failures := 0
	for _, db := range databases {
		if err := m.limiter.Wait(ctx); err != nil {
			return total, err
		}
		deleted, err := m.PruneExpired(ctx, db, now)
		if err != nil {
			failures++
			log.Printf("[RETENTION] Failed expired pruning on %s: %v", db, err)
			if metrics := services.GetMetrics(); metrics != nil {
				metrics.RecordFanoutFailure("prune_expired")
			}
			continue
		}
		total += deleted
	}

	elapsed := time.Since(start)
	log.Printf("[RETENTION] Expired cleanup complete: %d deleted across %d databases (%d failed) in %v",
		total, len(databases), failures, elapsed)
	if metrics := services.GetMetrics(); metrics != nil {
		metrics.CleanupDuration.Observe(elapsed.Seconds())
		metrics.RecordDeleted("expired", total)
	}
	return total, nil
}

// PruneExcessAllDatabases applies the per-story cap across every tenant
// database, with the same isolate-and-continue containment as expiration
// pruning.
func (m *Manager) PruneExcessAllDatabases(ctx context.Context) (int, error) {
	start := time.Now()

	databases, err := m.store.ListTenantDatabases(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tenant databases: %w", err)
	}

	total := 0
	failures := 0
	for _, db := range databases {
		if err := m.limiter.Wait(ctx); err != nil {
			return total, err
		}
		deleted, err := m.PruneExcessAllStories(ctx, db)
		if err != nil {
			failures++
			log.Printf("[RETENTION] Failed excess pruning on %s: %v", db, err)
			if metrics := services.GetMetrics(); metrics != nil {
				metrics.RecordFanoutFailure("prune_excess")
			}
			continue
		}
		total += deleted
	}

	log.Printf("[RETENTION] Excess cleanup complete: %d deleted across %d databases (%d failed) in %v",
		total, len(databases), failures, time.Since(start))
	if metrics := services.GetMetrics(); metrics != nil {
		metrics.RecordDeleted("excess", total)
	}
	return total, nil
}

// tombstoneRows bulk-deletes the documents behind view rows, in batches, and
// returns the count the store confirmed. Per-row failures (typically revision
// conflicts from a concurrent cleanup run) are an expected steady-state
// outcome and are logged with counts, never raised.
func (m *Manager) tombstoneRows(ctx context.Context, db string, rows []couch.ViewRow, policy string) (int, error) {
	var tombstones []any
	for _, row := range rows {
		var doc struct {
			ID  string `json:"_id"`
			Rev string `json:"_rev"`
		}
		if len(row.Doc) == 0 {
			continue
		}
		if err := json.Unmarshal(row.Doc, &doc); err != nil || doc.ID == "" || doc.Rev == "" {
			log.Printf("[RETENTION] Skipping malformed %s row in %s (id %s)", policy, db, row.ID)
			continue
		}
		tombstones = append(tombstones, couch.NewTombstone(doc.ID, doc.Rev))
	}
	if len(tombstones) == 0 {
		return 0, nil
	}

	confirmed := 0
	failed := 0
	for offset := 0; offset < len(tombstones); offset += m.batchSize {
		end := offset + m.batchSize
		if end > len(tombstones) {
			end = len(tombstones)
		}
		results, err := m.store.BulkDocs(ctx, db, tombstones[offset:end])
		if err != nil {
			return confirmed, fmt.Errorf("bulk delete on %s: %w", db, err)
		}
		for _, res := range results {
			if res.OK {
				confirmed++
			} else {
				failed++
			}
		}
	}
	if failed > 0 {
		log.Printf("[RETENTION] Partial bulk failure on %s: %d of %d %s deletes did not apply",
			db, failed, len(tombstones), policy)
	}
	return confirmed, nil
}

// rowCreatedAt extracts createdAt from a by_story_and_date row key
// ([storyId, createdAt]). RFC 3339 UTC strings order chronologically, so the
// raw string is the sort key.
func rowCreatedAt(row couch.ViewRow) string {
	var key []json.RawMessage
	if err := json.Unmarshal(row.Key, &key); err != nil || len(key) < 2 {
		return ""
	}
	var createdAt string
	if err := json.Unmarshal(key[1], &createdAt); err != nil {
		return ""
	}
	return createdAt
}

// rowStoryID extracts the story id from a by_story_and_date row key.
func rowStoryID(row couch.ViewRow) string {
	var key []json.RawMessage
	if err := json.Unmarshal(row.Key, &key); err != nil || len(key) < 1 {
		return ""
	}
	var story string
	if err := json.Unmarshal(key[0], &story); err != nil {
		return ""
	}
	return story
}
