package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"testing"
	"time"

	"inkwell/internal/couch"
	"inkwell/internal/models"
)

// fakeStore simulates the store's view and bulk semantics over an in-memory
// document set, with injectable per-database failures.
type fakeStore struct {
	dbs      []string
	docs     map[string]map[string]*models.Snapshot // db -> id -> live snapshot
	order    map[string][]string                    // db -> insertion order of ids
	listErr  error
	queryErr map[string]error // db -> error for any view query
	bulkErr  map[string]error // db -> error for bulk submissions
	stale    map[string]bool  // ids whose revision changed under us (bulk conflicts)
}

func newFakeStore(dbs ...string) *fakeStore {
	s := &fakeStore{
		dbs:      dbs,
		docs:     make(map[string]map[string]*models.Snapshot),
		order:    make(map[string][]string),
		queryErr: make(map[string]error),
		bulkErr:  make(map[string]error),
		stale:    make(map[string]bool),
	}
	for _, db := range dbs {
		s.docs[db] = make(map[string]*models.Snapshot)
	}
	return s
}

func (s *fakeStore) add(db string, snap models.Snapshot) {
	snap.Type = models.SnapshotDocType
	snap.Rev = "1-" + snap.ID
	s.docs[db][snap.ID] = &snap
	s.order[db] = append(s.order[db], snap.ID)
}

func (s *fakeStore) live(db string) []*models.Snapshot {
	var out []*models.Snapshot
	for _, id := range s.order[db] {
		if snap, ok := s.docs[db][id]; ok {
			out = append(out, snap)
		}
	}
	return out
}

func (s *fakeStore) ListTenantDatabases(context.Context) ([]string, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.dbs, nil
}

func (s *fakeStore) QueryView(_ context.Context, db, view string, opts couch.ViewOptions) (*couch.ViewResult, error) {
	if err := s.queryErr[db]; err != nil {
		return nil, err
	}

	result := &couch.ViewResult{}
	switch view {
	case "by_expiration":
		endKey, _ := opts.EndKey.(string)
		rows := s.live(db)
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].ExpiresAt < rows[j].ExpiresAt })
		for _, snap := range rows {
			if snap.ExpiresAt == "" || snap.ExpiresAt > endKey {
				continue
			}
			result.Rows = append(result.Rows, s.row(snap, snap.ExpiresAt, snap.StoryID, opts.IncludeDocs))
		}
	case "by_story_and_date":
		var story string
		if start, ok := opts.StartKey.([]any); ok && len(start) > 0 {
			story, _ = start[0].(string)
		}
		rows := s.live(db)
		sort.SliceStable(rows, func(i, j int) bool {
			if rows[i].StoryID != rows[j].StoryID {
				return rows[i].StoryID < rows[j].StoryID
			}
			return rows[i].CreatedAt < rows[j].CreatedAt
		})
		for _, snap := range rows {
			if story != "" && snap.StoryID != story {
				continue
			}
			key := []any{snap.StoryID, snap.CreatedAt}
			value := map[string]any{"tier": snap.RetentionTier}
			result.Rows = append(result.Rows, s.rawRow(snap, key, value, opts.IncludeDocs))
		}
	case "by_tier":
		if opts.GroupLevel != 1 {
			return nil, fmt.Errorf("fake store: by_tier queried without group_level=1")
		}
		counts := make(map[string]int)
		var tiers []string
		for _, snap := range s.live(db) {
			tier := snap.RetentionTier.String()
			if counts[tier] == 0 {
				tiers = append(tiers, tier)
			}
			counts[tier]++
		}
		sort.Strings(tiers)
		for _, tier := range tiers {
			key, _ := json.Marshal([]string{tier})
			value, _ := json.Marshal(counts[tier])
			result.Rows = append(result.Rows, couch.ViewRow{Key: key, Value: value})
		}
	default:
		return nil, fmt.Errorf("fake store: unknown view %s", view)
	}
	result.TotalRows = int64(len(result.Rows))
	return result, nil
}

func (s *fakeStore) row(snap *models.Snapshot, key, value any, includeDoc bool) couch.ViewRow {
	return s.rawRow(snap, key, value, includeDoc)
}

func (s *fakeStore) rawRow(snap *models.Snapshot, key, value any, includeDoc bool) couch.ViewRow {
	rawKey, _ := json.Marshal(key)
	rawValue, _ := json.Marshal(value)
	row := couch.ViewRow{ID: snap.ID, Key: rawKey, Value: rawValue}
	if includeDoc {
		row.Doc, _ = json.Marshal(snap)
	}
	return row
}

func (s *fakeStore) BulkDocs(_ context.Context, db string, docs []any) ([]couch.BulkResult, error) {
	if err := s.bulkErr[db]; err != nil {
		return nil, err
	}

	results := make([]couch.BulkResult, 0, len(docs))
	for _, doc := range docs {
		tomb, ok := doc.(couch.Tombstone)
		if !ok {
			return nil, fmt.Errorf("fake store: unexpected bulk doc %T", doc)
		}
		snap, live := s.docs[db][tomb.ID]
		if !live || s.stale[tomb.ID] || snap.Rev != tomb.Rev {
			results = append(results, couch.BulkResult{ID: tomb.ID, Error: "conflict", Reason: "Document update conflict."})
			continue
		}
		delete(s.docs[db], tomb.ID)
		results = append(results, couch.BulkResult{ID: tomb.ID, Rev: "2-" + tomb.ID, OK: true})
	}
	return results, nil
}

// fakeEnsurer records index-ensure calls and fails for selected databases.
type fakeEnsurer struct {
	calls   []string
	failDBs map[string]bool
}

func (f *fakeEnsurer) Ensure(_ context.Context, db string) error {
	f.calls = append(f.calls, db)
	if f.failDBs[db] {
		return fmt.Errorf("ensure indexes on %s: connection refused", db)
	}
	return nil
}

func newManager(store *fakeStore, ensurer *fakeEnsurer, maxPerStory int) *Manager {
	return New(store, ensurer, Options{
		MaxSnapshotsPerStory: maxPerStory,
		FanoutRatePerSec:     10000, // tests must not wait on pacing
		BatchSize:            100,
	})
}

func ts(day int) string {
	return time.Date(2026, 8, day, 12, 0, 0, 0, time.UTC).Format(time.RFC3339)
}

var now = time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)

func TestPruneExpiredScenarioA(t *testing.T) {
	store := newFakeStore("userdb-d1")
	ensurer := &fakeEnsurer{}
	// 3 expired, 2 not yet expired
	store.add("userdb-d1", models.Snapshot{ID: "snap-1", StoryID: "s1", RetentionTier: models.TierGranular, CreatedAt: ts(1), ExpiresAt: ts(10)})
	store.add("userdb-d1", models.Snapshot{ID: "snap-2", StoryID: "s1", RetentionTier: models.TierHourly, CreatedAt: ts(2), ExpiresAt: ts(20)})
	store.add("userdb-d1", models.Snapshot{ID: "snap-3", StoryID: "s2", RetentionTier: models.TierDaily, CreatedAt: ts(3), ExpiresAt: ts(29)})
	store.add("userdb-d1", models.Snapshot{ID: "snap-4", StoryID: "s2", RetentionTier: models.TierDaily, CreatedAt: ts(4), ExpiresAt: ts(31)})
	store.add("userdb-d1", models.Snapshot{ID: "snap-5", StoryID: "s1", RetentionTier: models.TierWeekly, CreatedAt: ts(5), ExpiresAt: "2026-09-15T00:00:00Z"})

	manager := newManager(store, ensurer, 10)

	deleted, err := manager.PruneExpired(context.Background(), "userdb-d1", now)
	if err != nil {
		t.Fatalf("Failed to prune expired: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("Expected 3 deletions, got %d", deleted)
	}
	if len(ensurer.calls) != 1 {
		t.Errorf("Expected one index ensure call, got %d", len(ensurer.calls))
	}

	// Everything expired is gone, everything else remains
	remaining := store.live("userdb-d1")
	if len(remaining) != 2 {
		t.Fatalf("Expected 2 remaining snapshots, got %d", len(remaining))
	}
	for _, snap := range remaining {
		if snap.ExpiresAt <= models.FormatTimestamp(now) {
			t.Errorf("Expired snapshot %s survived pruning", snap.ID)
		}
	}

	// Second pass finds nothing
	deleted, err = manager.PruneExpired(context.Background(), "userdb-d1", now)
	if err != nil {
		t.Fatalf("Second prune failed: %v", err)
	}
	if deleted != 0 {
		t.Errorf("Expected 0 deletions on second pass, got %d", deleted)
	}
}

func TestPruneExpiredNeverTouchesManualSnapshots(t *testing.T) {
	store := newFakeStore("userdb-d1")
	// Manual snapshot, very old, no expiresAt
	store.add("userdb-d1", models.Snapshot{ID: "snap-m", StoryID: "s1", RetentionTier: models.TierManual, CreatedAt: "2020-01-01T00:00:00Z"})

	manager := newManager(store, &fakeEnsurer{}, 10)
	deleted, err := manager.PruneExpired(context.Background(), "userdb-d1", now)
	if err != nil {
		t.Fatalf("Failed to prune: %v", err)
	}
	if deleted != 0 {
		t.Errorf("Manual snapshots must never expire, got %d deletions", deleted)
	}
	if len(store.live("userdb-d1")) != 1 {
		t.Error("Manual snapshot was deleted")
	}
}

func TestPruneExpiredDegradesOnMissingView(t *testing.T) {
	store := newFakeStore("userdb-legacy")
	store.queryErr["userdb-legacy"] = fmt.Errorf("view by_expiration on userdb-legacy: %w", couch.ErrViewMissing)

	manager := newManager(store, &fakeEnsurer{}, 10)
	deleted, err := manager.PruneExpired(context.Background(), "userdb-legacy", now)
	if err != nil {
		t.Fatalf("Missing view must degrade, not error: %v", err)
	}
	if deleted != 0 {
		t.Errorf("Expected 0 deletions on degraded query, got %d", deleted)
	}
}

func TestPruneExpiredPropagatesEnsureFailure(t *testing.T) {
	store := newFakeStore("userdb-d1")
	ensurer := &fakeEnsurer{failDBs: map[string]bool{"userdb-d1": true}}

	manager := newManager(store, ensurer, 10)
	if _, err := manager.PruneExpired(context.Background(), "userdb-d1", now); err == nil {
		t.Fatal("Expected ensure failure to propagate to the fan-out boundary")
	}
}

func TestPruneExpiredPartialBulkFailure(t *testing.T) {
	store := newFakeStore("userdb-d1")
	for i := 1; i <= 3; i++ {
		store.add("userdb-d1", models.Snapshot{
			ID: fmt.Sprintf("snap-%d", i), StoryID: "s1",
			RetentionTier: models.TierGranular, CreatedAt: ts(i), ExpiresAt: ts(i + 10),
		})
	}
	// snap-2 was already tombstoned by a concurrent cleanup run
	store.stale["snap-2"] = true

	manager := newManager(store, &fakeEnsurer{}, 10)
	deleted, err := manager.PruneExpired(context.Background(), "userdb-d1", now)
	if err != nil {
		t.Fatalf("Per-row conflicts must not fail the call: %v", err)
	}
	// The conflicted row is excluded from the confirmed count
	if deleted != 2 {
		t.Errorf("Expected 2 confirmed deletions, got %d", deleted)
	}
}

func TestPruneExcessScenarioB(t *testing.T) {
	store := newFakeStore("userdb-d1")
	for day := 1; day <= 12; day++ {
		store.add("userdb-d1", models.Snapshot{
			ID: fmt.Sprintf("snap-%02d", day), StoryID: "s1",
			RetentionTier: models.TierGranular, CreatedAt: ts(day),
		})
	}

	manager := newManager(store, &fakeEnsurer{}, 10)
	deleted, err := manager.PruneExcess(context.Background(), "userdb-d1", "s1", 10)
	if err != nil {
		t.Fatalf("Failed to prune excess: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("Expected 2 deletions, got %d", deleted)
	}

	// Exactly the cap remains, and they are the most recent
	remaining := store.live("userdb-d1")
	if len(remaining) != 10 {
		t.Fatalf("Expected 10 remaining snapshots, got %d", len(remaining))
	}
	for _, snap := range remaining {
		if snap.CreatedAt < ts(3) {
			t.Errorf("Oldest snapshots must be deleted first, %s survived", snap.ID)
		}
	}
}

func TestPruneExcessUnderCapIsNoop(t *testing.T) {
	store := newFakeStore("userdb-d1")
	for day := 1; day <= 5; day++ {
		store.add("userdb-d1", models.Snapshot{
			ID: fmt.Sprintf("snap-%d", day), StoryID: "s1",
			RetentionTier: models.TierDaily, CreatedAt: ts(day),
		})
	}

	manager := newManager(store, &fakeEnsurer{}, 10)
	deleted, err := manager.PruneExcess(context.Background(), "userdb-d1", "s1", 10)
	if err != nil {
		t.Fatalf("Failed to prune excess: %v", err)
	}
	if deleted != 0 {
		t.Errorf("Expected no deletions under the cap, got %d", deleted)
	}
	if len(store.live("userdb-d1")) != 5 {
		t.Error("Under-cap pruning must not touch any snapshot")
	}
}

func TestPruneExcessIgnoresOtherStories(t *testing.T) {
	store := newFakeStore("userdb-d1")
	for day := 1; day <= 4; day++ {
		store.add("userdb-d1", models.Snapshot{
			ID: fmt.Sprintf("a-%d", day), StoryID: "s1",
			RetentionTier: models.TierGranular, CreatedAt: ts(day),
		})
	}
	store.add("userdb-d1", models.Snapshot{ID: "b-1", StoryID: "s2", RetentionTier: models.TierGranular, CreatedAt: ts(1)})

	manager := newManager(store, &fakeEnsurer{}, 10)
	deleted, err := manager.PruneExcess(context.Background(), "userdb-d1", "s1", 2)
	if err != nil {
		t.Fatalf("Failed to prune excess: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("Expected 2 deletions, got %d", deleted)
	}
	if _, ok := store.docs["userdb-d1"]["b-1"]; !ok {
		t.Error("Pruning story s1 must not touch story s2")
	}
}

func TestPruneExcessAllStories(t *testing.T) {
	store := newFakeStore("userdb-d1")
	for day := 1; day <= 4; day++ {
		store.add("userdb-d1", models.Snapshot{
			ID: fmt.Sprintf("a-%d", day), StoryID: "s1",
			RetentionTier: models.TierGranular, CreatedAt: ts(day),
		})
	}
	for day := 1; day <= 3; day++ {
		store.add("userdb-d1", models.Snapshot{
			ID: fmt.Sprintf("b-%d", day), StoryID: "s2",
			RetentionTier: models.TierHourly, CreatedAt: ts(day),
		})
	}

	manager := newManager(store, &fakeEnsurer{}, 2)
	deleted, err := manager.PruneExcessAllStories(context.Background(), "userdb-d1")
	if err != nil {
		t.Fatalf("Failed to prune all stories: %v", err)
	}
	// s1: 4 -> 2 (2 deleted), s2: 3 -> 2 (1 deleted)
	if deleted != 3 {
		t.Fatalf("Expected 3 deletions across stories, got %d", deleted)
	}
	if len(store.live("userdb-d1")) != 4 {
		t.Errorf("Expected 4 remaining snapshots, got %d", len(store.live("userdb-d1")))
	}
}

func TestPruneExpiredAllDatabasesFaultIsolation(t *testing.T) {
	store := newFakeStore("userdb-a", "userdb-b", "userdb-c")
	for _, db := range []string{"userdb-a", "userdb-c"} {
		for i := 1; i <= 2; i++ {
			store.add(db, models.Snapshot{
				ID: fmt.Sprintf("%s-snap-%d", db, i), StoryID: "s1",
				RetentionTier: models.TierGranular, CreatedAt: ts(i), ExpiresAt: ts(i + 5),
			})
		}
	}
	store.add("userdb-b", models.Snapshot{ID: "b-snap", StoryID: "s1", RetentionTier: models.TierGranular, CreatedAt: ts(1), ExpiresAt: ts(6)})
	// userdb-b's store connection fails mid-operation
	store.bulkErr["userdb-b"] = &couch.ConnectionError{Op: "bulk docs", DB: "userdb-b", Err: fmt.Errorf("connection reset")}

	manager := newManager(store, &fakeEnsurer{}, 10)
	total, err := manager.PruneExpiredAllDatabases(context.Background(), now)
	if err != nil {
		t.Fatalf("One database's failure must not raise from the fan-out: %v", err)
	}
	if total != 4 {
		t.Errorf("Expected total from the two healthy databases (4), got %d", total)
	}
}

func TestPruneExpiredAllDatabasesListFailureIsFatal(t *testing.T) {
	store := newFakeStore()
	store.listErr = &couch.ConnectionError{Op: "list databases", Err: fmt.Errorf("connection refused")}

	manager := newManager(store, &fakeEnsurer{}, 10)
	if _, err := manager.PruneExpiredAllDatabases(context.Background(), now); err == nil {
		t.Fatal("Expected discovery failure to abort the action")
	}
}
