package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/tbourn/persona-relay/internal/domain"
)

var (
	// ErrTransient marks failures worth retrying: network errors, rate
	// limits, overload and 5xx responses.
	ErrTransient = domain.ErrTransientNetwork

	// ErrEmptyCompletion is returned when the backend answered with no text.
	ErrEmptyCompletion = errors.New("llm: empty completion")

	// ErrNoUserTurn is returned when the transcript holds nothing to answer.
	ErrNoUserTurn = errors.New("llm: transcript has no user turn")
)

// StatusError is a non-2xx response from a completion API.
type StatusError struct {
	Provider   string
	StatusCode int
	Type       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: status %d (%s): %s", e.Provider, e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// retryableStatus covers rate limiting, Anthropic's 529 overload and 5xx.
func retryableStatus(code int) bool {
	return code == 429 || code == 529 || code >= 500
}

var transientIndicators = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"no such host",
	"i/o timeout",
	"tls handshake timeout",
	"unexpected eof",
	"resource_exhausted",
	"unavailable",
	"overloaded",
	"internal error",
	"error 429",
	"error 500",
	"error 502",
	"error 503",
	"error 504",
}

// classifyTransport wraps err with ErrTransient when it looks like a network
// or server-side failure. Context errors pass through unchanged.
func classifyTransport(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return fmt.Errorf("%s: %w: %w", provider, ErrTransient, err)
	}
	msg := strings.ToLower(err.Error())
	for _, ind := range transientIndicators {
		if strings.Contains(msg, ind) {
			return fmt.Errorf("%s: %w: %w", provider, ErrTransient, err)
		}
	}
	return fmt.Errorf("%s: %w", provider, err)
}
