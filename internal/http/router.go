// Package httpapi assembles the admin HTTP server: middleware chain,
// operational endpoints and the token-protected API.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/persona-relay/internal/config"
	"github.com/tbourn/persona-relay/internal/http/handlers"
	"github.com/tbourn/persona-relay/internal/http/middleware"
	"github.com/tbourn/persona-relay/internal/ratelimit"
	"github.com/tbourn/persona-relay/internal/session"
)

const maxBodyBytes = 64 << 10

// Deps are the runtime objects the admin API reads from.
type Deps struct {
	Archives handlers.ArchiveStore
	History  *config.History
	Sessions *session.Manager            // optional
	Window   *ratelimit.Window           // optional
	Ready    func(context.Context) error // optional readiness probe, e.g. a DB ping
}

// relayStatus exposes the session cache, the save queue and the completion
// window to the status endpoint.
type relayStatus struct {
	sessions *session.Manager
	window   *ratelimit.Window
}

func (s relayStatus) CachedSessions() int {
	if s.sessions == nil {
		return 0
	}
	return s.sessions.Len()
}

func (s relayStatus) PendingSaves() int {
	if s.sessions == nil {
		return 0
	}
	return s.sessions.Persister().Pending()
}

func (s relayStatus) RateWindow() ratelimit.Stats {
	if s.window == nil {
		return ratelimit.Stats{}
	}
	return s.window.Stats()
}

// RegisterRoutes installs middleware and routes on r.
//
// Order: tracing, request id, access log, recovery, body cap, metrics,
// compression, per-IP limiter, CORS, security headers. /health, /ready and
// /metrics sit outside the bearer-protected API group.
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxBodyBytes))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(gzip.Gzip(gzip.DefaultCompression))

	rl := middleware.NewIPLimiter(cfg.Admin.RateRPS, cfg.Admin.RateBurst)
	r.Use(rl.Handler())

	// No origins configured means no browser access at all.
	if len(cfg.Admin.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.Admin.AllowedOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPut, http.MethodOptions},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "If-None-Match"},
			ExposeHeaders:    []string{middleware.RequestIDHeader, "ETag", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS: cfg.Admin.EnableHSTS,
		NoStore:    true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/ready", func(c *gin.Context) {
		if deps.Ready != nil {
			if err := deps.Ready(c.Request.Context()); err != nil {
				middleware.LoggerFrom(c).Warn().Err(err).Msg("readiness check failed")
				handlers.Fail(c, http.StatusServiceUnavailable, handlers.ErrCodeUnavailable, "not ready")
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	h := handlers.New(deps.History, deps.Archives, relayStatus{sessions: deps.Sessions, window: deps.Window})

	api := groupWithPrefix(r, cfg.Admin.BasePath)
	api.Use(middleware.BearerAuth(cfg.Admin.Token))
	{
		api.GET("/settings/history", h.GetHistory)
		api.PUT("/settings/history", h.PutHistory)
		api.GET("/status", h.Status)

		api.GET("/users/:id/archives", h.ListArchives)
		api.GET("/users/:id/archives/:archive", h.GetArchive)
		api.GET("/users/:id/search", h.SearchArchives)
	}
}

// limitBody caps request bodies; reads past maxBytes fail.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
