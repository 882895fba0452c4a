// Package handlers implements the admin HTTP API: runtime settings, session
// status and read access to archived transcripts.
//
// Responses are JSON. Errors use one envelope:
//
//	HTTP/1.1 404 Not Found
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "not_found",
//	  "message": "archive not found"
//	}
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/persona-relay/internal/http/middleware"
)

// ErrorResponse is the error envelope returned by every endpoint.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// fail aborts with an ErrorResponse. 5xx responses are logged with the
// request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.Writer.Header().Get(middleware.RequestIDHeader),
		Code:      code,
		Message:   msg,
	})
}

// Fail is fail for callers outside the package (router fallbacks).
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) { c.JSON(status, body) }
