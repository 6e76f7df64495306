package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"inkwell/internal/config"
	"inkwell/internal/couch"
	"inkwell/internal/creator"
	"inkwell/internal/handlers"
	"inkwell/internal/indexes"
	"inkwell/internal/jobs"
	"inkwell/internal/logging"
	"inkwell/internal/retention"
	"inkwell/internal/services"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting Inkwell snapshot engine...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}
	log.Printf("📋 Configuration loaded (Port: %s, store: %s, tenant prefix: %q)",
		cfg.Port, cfg.CouchDBURL, cfg.TenantDBPrefix)

	// Connect to the store; an unreachable store at startup is fatal.
	store, err := couch.New(couch.Config{
		URL:          cfg.CouchDBURL,
		Username:     cfg.CouchDBUser,
		Password:     cfg.CouchDBPassword,
		TenantPrefix: cfg.TenantDBPrefix,
		Timeout:      cfg.StoreTimeout,
	})
	if err != nil {
		log.Fatalf("❌ Failed to create store client: %v", err)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		log.Fatalf("❌ Store unreachable: %v", err)
	}
	log.Println("✅ Store connection verified")

	// Prometheus metrics
	services.InitMetrics()

	indexManager := indexes.NewManager(store)
	retentionManager := retention.New(store, indexManager, retention.Options{
		MaxSnapshotsPerStory: cfg.MaxSnapshotsPerStory,
		FanoutRatePerSec:     cfg.FanoutRatePerSec,
		BatchSize:            cfg.FanoutBatchSize,
	})

	var snapshotCreator creator.Creator = creator.NopCreator{}
	if cfg.CreatorURL != "" {
		snapshotCreator = creator.NewHTTPCreator(cfg.CreatorURL, cfg.IdleThreshold)
		log.Printf("✅ Snapshot creator endpoint: %s", cfg.CreatorURL)
	} else {
		log.Println("⚠️  CREATOR_URL not set, creation triggers will no-op")
	}

	engine, err := jobs.NewEngine(cfg, store, retentionManager, snapshotCreator)
	if err != nil {
		log.Fatalf("❌ Failed to create scheduler: %v", err)
	}
	if err := engine.Start(); err != nil {
		log.Fatalf("❌ Failed to start scheduler: %v", err)
	}

	// Health/metrics/stats HTTP surface
	app := fiber.New(fiber.Config{
		AppName:      "Inkwell Snapshot Engine v1.0",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second, // stats over many tenants can be slow on a cold cache
		IdleTimeout:  90 * time.Second,
	})
	app.Use(recover.New())
	app.Use(logger.New())

	prometheus := fiberprometheus.New("inkwell")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	healthHandler := handlers.NewHealthHandler(store, engine)
	statsHandler := handlers.NewStatsHandler(retentionManager)
	app.Get("/health", healthHandler.Handle)
	app.Get("/stats", statsHandler.Handle)

	log.Printf("✅ Engine ready on port %s", cfg.Port)
	log.Printf("📡 Health check: http://localhost:%s/health", cfg.Port)
	log.Printf("📈 Statistics: http://localhost:%s/stats", cfg.Port)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down snapshot engine...")

		// Stop firing new triggers; in-flight passes run to completion
		if err := engine.Stop(); err != nil {
			log.Printf("⚠️ Error stopping scheduler: %v", err)
		}

		// Best-effort final census for the shutdown log
		statsCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if report, err := retentionManager.AllSnapshotStats(statsCtx); err == nil {
			log.Printf("📊 Final census: %d snapshots across %d databases",
				report.TotalSnapshots, report.TotalDatabases)
		} else {
			log.Printf("⚠️ Final census failed: %v", err)
		}

		// Shutdown Fiber
		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}
