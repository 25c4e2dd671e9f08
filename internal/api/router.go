// Package api wires together all HTTP routes for the push relay.
//
// Route grouping philosophy:
//   - The relay surface (/register, /webhook, /push/:token) is unauthenticated
//     by design: registration is idempotent last-write-wins, webhook callers
//     are upstream media servers that only know email addresses, and raw push
//     callers already hold the device token they are targeting. Rate limiting
//     is the only admission control.
//   - Licensing routes (/validate-key, /subscription-status) are mounted only
//     when licensing is enabled in configuration; free-tier deployments never
//     expose them.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/lusky3/underseerr-sub002/internal/config"
	"github.com/lusky3/underseerr-sub002/internal/license"
	"github.com/lusky3/underseerr-sub002/internal/middleware"
	"github.com/lusky3/underseerr-sub002/internal/store"
)

// Banner identifies the service on GET /.
const Banner = "Underseerr Push Relay is operational"

// Dependencies carries the wired backends the router needs. DB, Redis, and
// Licenses may be nil depending on configuration; the router mounts only the
// routes their presence allows.
type Dependencies struct {
	Tokens   store.Store
	Pusher   Pusher
	Licenses LicenseStore
	DB       *sqlx.DB
	Redis    *redis.Client
}

// BackgroundServices holds references to background goroutines that must be
// stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	localLimiters []*middleware.LocalLimiter
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	for _, rl := range bg.localLimiters {
		rl.Stop()
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, deps Dependencies) (*gin.Engine, *BackgroundServices) {
	router := gin.New()
	bg := &BackgroundServices{}

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	if cfg.Security.RateLimiting.Enabled {
		rlCfg := middleware.RateLimitConfig{
			RequestsPerMinute: cfg.Security.RateLimiting.RequestsPerMinute,
			BurstSize:         cfg.Security.RateLimiting.Burst,
			CleanupInterval:   5 * time.Minute,
		}
		var limiter middleware.Limiter
		if deps.Redis != nil {
			limiter = middleware.NewRedisLimiter(deps.Redis, rlCfg)
		} else {
			local := middleware.NewLocalLimiter(rlCfg)
			bg.localLimiters = append(bg.localLimiters, local)
			limiter = local
		}
		router.Use(middleware.RateLimitMiddleware(limiter, rlCfg))
	}

	// Service identification banner
	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, Banner)
	})

	// Health check endpoint
	router.GET("/health", healthCheckHandler(deps.DB, deps.Redis))

	// API version
	router.GET("/version", versionHandler())

	// Push relay surface
	relay := NewRelayHandlers(deps.Tokens, deps.Pusher)
	router.POST("/register", relay.Register)
	router.POST("/webhook", relay.Webhook)
	router.POST("/push/:token", relay.RawPush)

	// Licensing surface (pro deployments only)
	if cfg.Licensing.Enabled && deps.Licenses != nil {
		lh := NewLicenseHandlers(deps.Licenses)
		router.POST("/validate-key", lh.ValidateKey)
		router.GET("/subscription-status", lh.SubscriptionStatus)
	}

	return router, bg
}

// LicenseStore is the licensing backend consumed by the license handlers.
// *license.Repository satisfies it.
type LicenseStore interface {
	RedeemKey(ctx context.Context, identity, key string) (*license.License, error)
	ActiveLicense(ctx context.Context, identity string) (*license.License, error)
}

// healthCheckHandler returns the health status of the service. Backends are
// probed only when configured; memory-store free-tier deployments are healthy
// with neither.
func healthCheckHandler(db *sqlx.DB, rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db != nil {
			if err := db.Ping(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unhealthy",
					"error":  "database connection failed",
				})
				return
			}
		}
		if rdb != nil {
			if err := rdb.Ping(c.Request.Context()).Err(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unhealthy",
					"error":  "token store connection failed",
				})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     "0.1.0",
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware provides structured logging
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		requestID, _ := c.Get(middleware.RequestIDKey)
		slog.LogAttrs(
			c.Request.Context(),
			slog.LevelInfo,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", latency),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", toString(requestID)),
		)
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// CORSMiddleware handles CORS. The raw push endpoint is called directly from
// browser Web Push contexts, so the relay answers preflights permissively.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Encryption, Crypto-Key, Content-Encoding, TTL")
		c.Header("Access-Control-Max-Age", "3600")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
