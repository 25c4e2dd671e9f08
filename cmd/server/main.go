// Package main is the entry point for the push relay server binary.
// It dispatches three subcommands — serve, migrate, and version — via a simple
// switch on os.Args so the binary's full CLI surface is readable in one place
// without requiring a cobra dependency. The serve command runs auto-migration on
// startup (when licensing is enabled) so freshly deployed containers never need
// a separate migration step.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/lusky3/underseerr-sub002/internal/api"
	"github.com/lusky3/underseerr-sub002/internal/config"
	"github.com/lusky3/underseerr-sub002/internal/crypto"
	"github.com/lusky3/underseerr-sub002/internal/db"
	"github.com/lusky3/underseerr-sub002/internal/fcm"
	"github.com/lusky3/underseerr-sub002/internal/license"
	"github.com/lusky3/underseerr-sub002/internal/store"
	"github.com/lusky3/underseerr-sub002/internal/telemetry"
)

const (
	version = "0.1.0"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "version":
		fmt.Printf("Underseerr Push Relay v%s\n", version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, version", command)
	}
}

func serve(cfg *config.Config) error {
	// Initialise structured logger as early as possible so all subsequent log
	// output uses the configured format (json / text) and level.
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Load the service-account credential and build the sender pipeline:
	// signer -> cached token source -> messaging client.
	cred, err := loadCredential(cfg)
	if err != nil {
		return fmt.Errorf("failed to load FCM credential: %w", err)
	}
	slog.Info("loaded service account credential",
		"project_id", cred.ProjectID,
		"client_email", cred.ClientEmail)

	signer := fcm.NewSigner(cred, nil)
	tokens := fcm.NewCachedTokenSource(signer)
	pusher := fcm.NewClient(cred.ProjectID, cfg.FCM.Endpoint, tokens, nil)

	// Device tokens are sealed at rest when a seal key is configured.
	var sealer *crypto.TokenSealer
	if cfg.Security.TokenSealKey != "" {
		sealer, err = crypto.NewTokenSealer([]byte(cfg.Security.TokenSealKey))
		if err != nil {
			return fmt.Errorf("failed to initialise token sealer: %w", err)
		}
		slog.Info("token sealing enabled")
	}

	// Token store: Redis when an address is configured, otherwise in-process.
	var (
		tokenStore  store.Store
		redisClient *redis.Client
	)
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisClient.Close()
		tokenStore = store.NewRedis(redisClient, sealer)
		slog.Info("using redis token store", "addr", cfg.Redis.Addr)
	} else {
		tokenStore = store.NewMemory(sealer)
		slog.Warn("using in-memory token store; registrations do not survive restarts")
	}

	// Database and licensing repository, only when licensing is on.
	var (
		database *sqlx.DB
		licenses api.LicenseStore
	)
	if cfg.Licensing.Enabled {
		database, err = db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()
		slog.Info("connected to database")

		telemetry.StartDBStatsCollector(database)

		if err := db.RunMigrations(database, "up"); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		schemaVersion, dirty, err := db.GetMigrationVersion(database)
		if err != nil {
			slog.Warn("failed to get migration version", "error", err)
		} else {
			slog.Info("database schema ready", "version", schemaVersion, "dirty", dirty)
		}

		licenses = license.NewRepository(database)
	}

	// Prometheus metrics are served on a dedicated port so the scrape path is
	// not reachable through the public ingress.
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	router, bgServices := api.NewRouter(cfg, api.Dependencies{
		Tokens:   tokenStore,
		Pusher:   pusher,
		Licenses: licenses,
		DB:       database,
		Redis:    redisClient,
	})

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting server",
			"addr", cfg.Server.GetAddress(),
			"licensing", cfg.Licensing.Enabled)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// Stop rate limiter goroutines
	bgServices.Shutdown()

	slog.Info("server stopped gracefully")
	return nil
}

// loadCredential resolves the service-account key from whichever source the
// config provides. Validate guarantees exactly one is set.
func loadCredential(cfg *config.Config) (*fcm.Credential, error) {
	if cfg.FCM.CredentialsJSON != "" {
		return fcm.ParseCredential([]byte(cfg.FCM.CredentialsJSON))
	}
	return fcm.LoadCredentialFile(cfg.FCM.CredentialsFile)
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	log.Printf("Running migrations: %s", direction)

	if err := db.RunMigrations(database, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	schemaVersion, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	log.Printf("Migration completed successfully. Current version: %d (dirty: %v)", schemaVersion, dirty)
	return nil
}
