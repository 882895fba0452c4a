// Package services holds the relay's dispatch logic. This file centralizes
// the service-level error values and the mapping from a failure to the
// apology the user sees.
//
// Only two distinctions reach the user: the request timed out, or the
// network failed. Everything else collapses to one generic apology.
package services

import (
	"context"
	"errors"

	"github.com/tbourn/persona-relay/internal/delivery"
)

var (
	// ErrRequestTimeout wraps a completion abandoned at the per-message
	// deadline.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrInvalidHistory is returned by /history for a malformed count.
	ErrInvalidHistory = errors.New("history count must be a whole number")
)

type failureKind int

const (
	failGeneric failureKind = iota
	failTimeout
	failNetwork
)

func classify(err error) failureKind {
	switch {
	case errors.Is(err, ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return failTimeout
	case delivery.IsTransient(err):
		return failNetwork
	default:
		return failGeneric
	}
}
