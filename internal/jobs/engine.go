package jobs

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"inkwell/internal/config"
	"inkwell/internal/creator"
	"inkwell/internal/models"
	"inkwell/internal/services"
)

// Store is the slice of the store client the scheduler needs.
type Store interface {
	ListTenantDatabases(ctx context.Context) ([]string, error)
}

// Retention is the cleanup/statistics surface the scheduler drives.
type Retention interface {
	PruneExpiredAllDatabases(ctx context.Context, now time.Time) (int, error)
	PruneExcessAllDatabases(ctx context.Context) (int, error)
	AllSnapshotStats(ctx context.Context) (*models.AllSnapshotStats, error)
}

// Engine binds cron triggers to snapshot creation requests and retention
// passes. Triggers are registered once at startup and live for the process
// lifetime; when the engine is disabled by configuration, Start registers
// nothing at all. Actions own their internal per-database isolation; the
// engine guarantees no error or panic escapes a trigger callback.
type Engine struct {
	scheduler  gocron.Scheduler
	store      Store
	retention  Retention
	creator    creator.Creator
	cfg        *config.Config
	instanceID string

	mu      sync.Mutex
	actions map[string]func(context.Context) error
	started bool
}

// NewEngine creates the scheduler engine.
func NewEngine(cfg *config.Config, store Store, retention Retention, snapshotCreator creator.Creator) (*Engine, error) {
	scheduler, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
	)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	return &Engine{
		scheduler:  scheduler,
		store:      store,
		retention:  retention,
		creator:    snapshotCreator,
		cfg:        cfg,
		instanceID: uuid.New().String(),
		actions:    make(map[string]func(context.Context) error),
	}, nil
}

// Start validates and registers the fixed trigger set, then starts the
// scheduler. An invalid cron expression or timezone is a configuration error
// and fails startup.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.cfg.SnapshotsEnabled {
		log.Println("⏸️  [SCHEDULER] Snapshots disabled by configuration, no triggers registered")
		return nil
	}

	if _, err := time.LoadLocation(e.cfg.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %s: %w", e.cfg.Timezone, err)
	}

	for _, tier := range models.AutomaticTiers() {
		tier := tier
		name := "create-" + tier.String()
		expr := e.cfg.TierCrons[tier]
		if err := e.registerTrigger(name, expr, func(ctx context.Context) error {
			return e.requestSnapshots(ctx, tier)
		}); err != nil {
			return err
		}
	}

	if err := e.registerTrigger("cleanup", e.cfg.CleanupCron, e.runCleanup); err != nil {
		return err
	}
	if err := e.registerTrigger("stats", e.cfg.StatsCron, e.reportStats); err != nil {
		return err
	}

	e.scheduler.Start()
	e.started = true
	log.Printf("✅ [SCHEDULER] Started with %d triggers (instance %s, tz %s)",
		len(e.actions), e.instanceID, e.cfg.Timezone)
	return nil
}

// Stop shuts the scheduler down. In-flight trigger runs complete; only new
// firings are prevented.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return nil
	}
	e.started = false
	log.Println("🛑 [SCHEDULER] Stopping trigger scheduler...")
	return e.scheduler.Shutdown()
}

// TriggerNames lists the registered triggers, sorted for stable reporting.
func (e *Engine) TriggerNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	names := make([]string, 0, len(e.actions))
	for name := range e.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunTriggerNow runs a registered trigger's action synchronously.
func (e *Engine) RunTriggerNow(ctx context.Context, name string) error {
	e.mu.Lock()
	action, exists := e.actions[name]
	e.mu.Unlock()

	if !exists {
		return fmt.Errorf("trigger %q not registered", name)
	}
	return action(ctx)
}

// registerTrigger validates the cron expression and binds it to an action.
// Callers hold e.mu.
func (e *Engine) registerTrigger(name, expr string, action func(context.Context) error) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("trigger %s: invalid cron expression %q: %w", name, expr, err)
	}

	cronWithTZ := fmt.Sprintf("CRON_TZ=%s %s", e.cfg.Timezone, expr)
	_, err := e.scheduler.NewJob(
		gocron.CronJob(cronWithTZ, false),
		gocron.NewTask(func() {
			e.runTrigger(name, action)
		}),
		gocron.WithName(name),
		gocron.WithTags(e.instanceID),
	)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", name, err)
	}

	e.actions[name] = action
	log.Printf("📅 [SCHEDULER] Registered trigger %s (cron: %s, tz: %s)", name, expr, e.cfg.Timezone)
	return nil
}

// runTrigger is the only code that runs inside a trigger callback. It catches
// panics and logs errors so a failing action can never terminate the process
// or deregister the trigger. Actions get a background context: shutdown stops
// future firings, it does not abort in-flight work.
func (e *Engine) runTrigger(name string, action func(context.Context) error) {
	start := time.Now()
	status := "ok"

	defer func() {
		if r := recover(); r != nil {
			status = "error"
			log.Printf("❌ [SCHEDULER] Trigger %s panicked: %v", name, r)
		}
		if metrics := services.GetMetrics(); metrics != nil {
			metrics.RecordTriggerRun(name, status, time.Since(start).Seconds())
		}
	}()

	log.Printf("▶️  [SCHEDULER] Running trigger: %s", name)
	if err := action(context.Background()); err != nil {
		status = "error"
		log.Printf("❌ [SCHEDULER] Trigger %s failed: %v", name, err)
		return
	}
	log.Printf("✅ [SCHEDULER] Trigger %s completed in %v", name, time.Since(start))
}

// requestSnapshots asks the external creator to attempt a snapshot at the
// given tier for every tenant database, isolating per-database failures.
func (e *Engine) requestSnapshots(ctx context.Context, tier models.RetentionTier) error {
	databases, err := e.store.ListTenantDatabases(ctx)
	if err != nil {
		return fmt.Errorf("list tenant databases: %w", err)
	}

	requested := 0
	failed := 0
	for _, db := range databases {
		if err := e.creator.RequestSnapshot(ctx, db, tier); err != nil {
			failed++
			log.Printf("⚠️  [SCHEDULER] Snapshot request failed for %s at tier %s: %v", db, tier, err)
			if metrics := services.GetMetrics(); metrics != nil {
				metrics.RecordFanoutFailure("create_snapshot")
			}
			continue
		}
		requested++
	}

	log.Printf("📸 [SCHEDULER] Tier %s: requested snapshots for %d databases (%d failed)", tier, requested, failed)
	return nil
}

// runCleanup is the retention pass: expired snapshots first, then the
// per-story count caps.
func (e *Engine) runCleanup(ctx context.Context) error {
	expired, err := e.retention.PruneExpiredAllDatabases(ctx, time.Now().UTC())
	if err != nil {
		return err
	}

	excess, err := e.retention.PruneExcessAllDatabases(ctx)
	if err != nil {
		return err
	}

	log.Printf("🧹 [SCHEDULER] Cleanup pass done: %d expired + %d excess snapshots deleted", expired, excess)
	return nil
}

// reportStats runs the periodic census and logs the aggregate.
func (e *Engine) reportStats(ctx context.Context) error {
	report, err := e.retention.AllSnapshotStats(ctx)
	if err != nil {
		return err
	}

	log.Printf("📊 [SCHEDULER] Snapshot census: %d snapshots in %d databases, by tier: %v",
		report.TotalSnapshots, report.TotalDatabases, report.ByTier)
	return nil
}
