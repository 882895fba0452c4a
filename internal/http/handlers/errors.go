// Package handlers defines the admin API's error codes.
//
// Codes are lowercase snake_case and stable; clients branch on them rather
// than on messages. Every error response carries one of these together with
// the HTTP status.
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeUnavailable      = "unavailable"

	// Domain-specific:
	ErrCodeListFailed   = "list_failed"
	ErrCodeUpdateFailed = "update_failed"
)
