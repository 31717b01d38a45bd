package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"market-analytics/config"
	"market-analytics/internal/analysis"
	"market-analytics/internal/api"
	"market-analytics/internal/binance"
	"market-analytics/internal/bus"
	"market-analytics/internal/database"
	"market-analytics/internal/logging"
	"market-analytics/internal/vault"
	"market-analytics/internal/window"
)

// redisRecoveryInterval is how often the store pings Redis while it is
// marked unavailable.
const redisRecoveryInterval = 30 * time.Second

func main() {
	generateConfig := flag.Bool("generate-config", false, "write a sample config.json and exit")
	flag.Parse()

	if *generateConfig {
		if err := config.GenerateSampleConfig("config.json"); err != nil {
			log.Fatalf("Failed to generate sample config: %v", err)
		}
		fmt.Println("Sample configuration written to config.json")
		return
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(logging.Config{
		Level:  cfg.LoggingConfig.Level,
		Output: cfg.LoggingConfig.Output,
	})
	logging.SetDefault(logger)
	mainLogger := logger.WithComponent("main")
	mainLogger.Info("Structured logging initialized", "level", cfg.LoggingConfig.Level)

	// Overlay secrets from Vault before anything connects
	if cfg.VaultConfig.Enabled {
		vaultClient, err := vault.NewClient(cfg.VaultConfig)
		if err != nil {
			log.Fatalf("Failed to create Vault client: %v", err)
		}

		vaultCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		secrets, err := vaultClient.Load(vaultCtx)
		cancel()
		if err != nil {
			log.Fatalf("Failed to load secrets from Vault: %v", err)
		}
		vault.Apply(secrets, cfg)
		mainLogger.Info("Secrets loaded from Vault", "path", cfg.VaultConfig.SecretPath)
	}

	// Redis backs both the tick bus and the snapshot store. Without it
	// the service runs single-process on the in-memory implementations.
	var redisClient *redis.Client
	if cfg.RedisConfig.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
	}

	var tickBus bus.TickBus
	if cfg.RedisConfig.Enabled {
		redisBus, err := bus.NewRedisBus(cfg.RedisConfig, logger)
		if err != nil {
			log.Fatalf("Failed to connect the Redis tick bus: %v", err)
		}
		tickBus = redisBus
		mainLogger.Info("Redis tick bus initialized", "address", cfg.RedisConfig.Address)
	} else {
		tickBus = bus.NewMemoryBus(logger)
		mainLogger.Info("In-memory tick bus initialized")
	}

	snapshotStore := database.NewRedisSnapshotStore(redisClient)

	// Optional Postgres snapshot history archive
	var archiver *database.HistoryArchiver
	var db *database.DB
	if cfg.PostgresConfig.Enabled {
		db, err = database.NewDB(database.Config{
			Host:     cfg.PostgresConfig.Host,
			Port:     cfg.PostgresConfig.Port,
			User:     cfg.PostgresConfig.User,
			Password: cfg.PostgresConfig.Password,
			Database: cfg.PostgresConfig.Database,
			SSLMode:  cfg.PostgresConfig.SSLMode,
		})
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = db.RunMigrations(migrateCtx)
		cancel()
		if err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}

		zl := zerolog.New(os.Stdout).With().Timestamp().Logger()
		archiver = database.NewHistoryArchiver(db, cfg.PostgresConfig.HistoryLimit, zl)
		mainLogger.Info("Snapshot history archive enabled",
			"database", cfg.PostgresConfig.Database,
			"historyLimit", cfg.PostgresConfig.HistoryLimit,
			"retentionDays", cfg.PostgresConfig.RetentionDays)
	}

	// Sliding windows + analytics scheduler
	windows := window.NewStore(cfg.AnalyticsConfig.MaxWindowSize)
	analyticsService := analysis.NewService(cfg.AnalyticsConfig, windows, snapshotStore, tickBus, logger)
	if archiver != nil {
		analyticsService.SetArchiver(archiver)
	}

	// Upstream market stream
	streamClient := binance.NewMarketStreamClient(cfg.BinanceConfig, tickBus, logger)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	if err := analyticsService.Start(rootCtx); err != nil {
		log.Fatalf("Failed to start analysis service: %v", err)
	}
	if err := streamClient.Start(rootCtx); err != nil {
		log.Fatalf("Failed to start market stream: %v", err)
	}

	// While Redis is down the snapshot store serves its mirror; this loop
	// probes for recovery and pushes the mirror back when it returns.
	if redisClient != nil {
		go redisRecoveryLoop(rootCtx, snapshotStore, mainLogger)
	}

	if archiver != nil {
		go archiver.RunRetention(rootCtx,
			time.Duration(cfg.PostgresConfig.RetentionDays)*24*time.Hour)
	}

	server := api.NewServer(
		cfg.ServerConfig,
		cfg.AuthConfig,
		cfg.BroadcastConfig,
		snapshotStore,
		windows,
		analyticsService,
		streamClient,
		tickBus,
		archiver,
		logger,
	)

	go func() {
		if err := server.Start(); err != nil {
			mainLogger.Fatal("HTTP server failed", "error", err)
		}
	}()

	mainLogger.Info("Market analytics service started",
		"symbols", cfg.AnalyticsConfig.Symbols,
		"snapshotInterval", cfg.AnalyticsConfig.SnapshotInterval.String(),
		"broadcastInterval", cfg.BroadcastConfig.Interval.String(),
		"port", cfg.ServerConfig.Port)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	mainLogger.Info("Shutdown signal received", "signal", sig.String())

	// Shutdown order: stop ingest first so no new ticks arrive, then the
	// scheduler, then the subscriber-facing server, then the backends.
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()

	streamClient.Stop()
	analyticsService.Stop()
	rootCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		mainLogger.Error("HTTP server shutdown failed", "error", err)
	}

	if err := tickBus.Close(); err != nil {
		mainLogger.Error("Tick bus close failed", "error", err)
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			mainLogger.Error("Redis client close failed", "error", err)
		}
	}

	mainLogger.Info("Shutdown complete")
}

// redisRecoveryLoop periodically pings Redis while it is unavailable and
// resyncs the in-memory mirror after a recovery.
func redisRecoveryLoop(ctx context.Context, store *database.RedisSnapshotStore, logger *logging.Logger) {
	ticker := time.NewTicker(redisRecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if store.IsRedisAvailable() {
				continue
			}

			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := store.CheckConnection(pingCtx)
			cancel()
			if err != nil {
				continue
			}

			syncCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if err := store.SyncMirrorToRedis(syncCtx); err != nil {
				logger.Warn("Mirror resync failed", "error", err)
			}
			cancel()
		}
	}
}
