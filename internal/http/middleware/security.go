package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// SecurityOptions selects the optional headers SecurityHeaders adds.
type SecurityOptions struct {
	EnableHSTS bool // only honoured on HTTPS requests
	HSTSMaxAge time.Duration
	NoStore    bool // transcripts must not be cached by proxies
}

const defaultHSTSMaxAge = 180 * 24 * time.Hour

// SecurityHeaders sets the baseline API hardening headers, plus the ones
// opt asks for, and exposes X-Request-ID to browser clients.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := opt.HSTSMaxAge
	if maxAge <= 0 {
		maxAge = defaultHSTSMaxAge
	}
	hsts := "max-age=" + strconv.Itoa(int(maxAge.Seconds())) + "; includeSubDomains"

	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		if opt.NoStore {
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
		}
		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}
		if h.Get(RequestIDHeader) != "" {
			const expose = "Access-Control-Expose-Headers"
			switch cur := h.Get(expose); {
			case cur == "":
				h.Set(expose, RequestIDHeader)
			case !strings.Contains(cur, RequestIDHeader):
				h.Set(expose, cur+", "+RequestIDHeader)
			}
		}
		c.Next()
	}
}

func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
