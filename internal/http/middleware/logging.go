// Package middleware holds the Gin middleware of the admin HTTP server.
//
// The chain the router installs is RequestID, Logger, Recovery, then the
// metrics, limiter, CORS and security layers. Logger attaches a request
// scoped zerolog.Logger that handlers reach through LoggerFrom; the same
// logger is placed on the request context so code below the handler layer
// can use zerolog.Ctx.
package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// RequestIDHeader carries the correlation id in both directions.
	RequestIDHeader = "X-Request-ID"

	requestIDKey = "requestID"
	loggerKey    = "logger"

	maxQueryLogLength = 2048
	maxRequestIDLen   = 128
)

// RequestID reuses an incoming X-Request-ID or mints a UUID, and echoes it
// on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(RequestIDHeader)
		if rid == "" || len(rid) > maxRequestIDLen {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(RequestIDHeader, rid)
		c.Next()
	}
}

// Logger writes one access log line per request. The level follows the
// outcome: error for 5xx or recorded gin errors, warn for 4xx, info
// otherwise. The bearer token is never logged; only its presence is.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rid, _ := c.Get(requestIDKey)
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		l := log.With().
			Str("request_id", asString(rid)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("remote_ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent()).
			Str("query", truncate(c.Request.URL.RawQuery, maxQueryLogLength)).
			Bool("auth", c.GetHeader("Authorization") != "").
			Int64("bytes_in", c.Request.ContentLength).
			Logger()

		c.Set(loggerKey, &l)
		c.Request = c.Request.WithContext(l.WithContext(c.Request.Context()))

		c.Next()

		ev := l.With().
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Int("bytes_out", c.Writer.Size()).
			Logger()

		status := c.Writer.Status()
		switch {
		case len(c.Errors) > 0:
			ev.Error().Str("errors", c.Errors.String()).Msg("request")
		case status >= 500:
			ev.Error().Msg("request")
		case status >= 400:
			ev.Warn().Msg("request")
		default:
			ev.Info().Msg("request")
		}
	}
}

// Recovery turns a panic into a JSON 500, or a bare 500 when the handler
// already started writing.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			rid, _ := c.Get(requestIDKey)
			LoggerFrom(c).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("panic recovered")

			if c.Writer.Written() {
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			c.Header(RequestIDHeader, asString(rid))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"request_id": asString(rid),
				"code":       "internal_error",
				"message":    "internal server error",
			})
		}()
		c.Next()
	}
}

// LoggerFrom returns the logger attached by Logger, or the global logger
// when none was attached.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// truncate cuts s to n bytes and marks the cut. n <= 0 disables it.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
