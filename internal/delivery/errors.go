package delivery

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/tbourn/persona-relay/internal/domain"
)

// ErrEmptyMessage is returned when there is nothing to send.
var ErrEmptyMessage = errors.New("empty message")

// transientIndicators are substrings of low-level network failures that do
// not always surface as a net.Error (wrapped by SDKs, flattened to text).
var transientIndicators = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"i/o timeout",
	"tls handshake timeout",
	"unexpected eof",
	"server misbehaving",
	"network is unreachable",
}

// IsTransient reports whether err is worth retrying: it is marked with
// domain.ErrTransientNetwork, is a net.Error, or reads like a network
// failure. Cancellation and deadline expiry of the caller's context are
// never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, domain.ErrTransientNetwork) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range transientIndicators {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// MaxServerDelay caps a wait requested by the remote side.
const MaxServerDelay = time.Minute

// ServerDelay returns the wait the remote side asked for, when some error in
// err's chain carries one through a RetryDelay() method.
func ServerDelay(err error) (time.Duration, bool) {
	var h interface{ RetryDelay() time.Duration }
	if !errors.As(err, &h) {
		return 0, false
	}
	d := h.RetryDelay()
	if d <= 0 {
		return 0, false
	}
	return min(d, MaxServerDelay), true
}
