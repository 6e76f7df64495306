package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"inkwell/internal/models"
)

// Config holds all engine configuration
type Config struct {
	Port        string
	Environment string

	// Store connection
	CouchDBURL      string
	CouchDBUser     string
	CouchDBPassword string
	StoreTimeout    time.Duration

	// Tenant discovery
	TenantDBPrefix string

	// Retention engine
	SnapshotsEnabled     bool
	MaxSnapshotsPerStory int
	FanoutRatePerSec     float64
	FanoutBatchSize      int

	// Trigger schedule (cron expressions, five-field)
	TierCrons   map[models.RetentionTier]string
	CleanupCron string
	StatsCron   string
	Timezone    string

	// External snapshot creator
	CreatorURL    string
	IdleThreshold time.Duration
}

// Load loads configuration from environment variables with defaults, then
// applies the optional RETENTION_CONFIG YAML override file.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "3020"),
		Environment: getEnv("ENVIRONMENT", "development"),

		CouchDBURL:      getEnv("COUCHDB_URL", "http://localhost:5984"),
		CouchDBUser:     getEnv("COUCHDB_USER", ""),
		CouchDBPassword: getEnv("COUCHDB_PASSWORD", ""),
		StoreTimeout:    getDurationEnv("COUCHDB_TIMEOUT_SECONDS", 30*time.Second),

		TenantDBPrefix: getEnv("TENANT_DB_PREFIX", "userdb-"),

		SnapshotsEnabled:     getBoolEnv("SNAPSHOTS_ENABLED", true),
		MaxSnapshotsPerStory: getIntEnv("MAX_SNAPSHOTS_PER_STORY", 200),
		FanoutRatePerSec:     getFloatEnv("FANOUT_RATE_PER_SEC", 20),
		FanoutBatchSize:      getIntEnv("FANOUT_BATCH_SIZE", 100),

		TierCrons: map[models.RetentionTier]string{
			models.TierGranular: getEnv("SNAPSHOT_CRON_GRANULAR", "*/10 * * * *"),
			models.TierHourly:   getEnv("SNAPSHOT_CRON_HOURLY", "0 * * * *"),
			models.TierDaily:    getEnv("SNAPSHOT_CRON_DAILY", "15 2 * * *"),
			models.TierWeekly:   getEnv("SNAPSHOT_CRON_WEEKLY", "30 3 * * 0"),
			models.TierMonthly:  getEnv("SNAPSHOT_CRON_MONTHLY", "45 4 1 * *"),
		},
		CleanupCron: getEnv("CLEANUP_CRON", "0 5 * * *"),
		StatsCron:   getEnv("STATS_CRON", "0 */6 * * *"),
		Timezone:    getEnv("SNAPSHOT_TIMEZONE", "UTC"),

		CreatorURL:    getEnv("CREATOR_URL", ""),
		IdleThreshold: getDurationEnv("IDLE_THRESHOLD_SECONDS", 30*time.Second),
	}

	if path := getEnv("RETENTION_CONFIG", ""); path != "" {
		if err := cfg.applyOverrides(path); err != nil {
			return nil, fmt.Errorf("apply %s: %w", path, err)
		}
	}

	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return nil, fmt.Errorf("invalid SNAPSHOT_TIMEZONE %q: %w", cfg.Timezone, err)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getDurationEnv reads a whole-seconds env value
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil && parsed > 0 {
			return time.Duration(parsed) * time.Second
		}
	}
	return defaultValue
}
