package config

import (
	"fmt"
	"sync/atomic"
)

// Bounds for the runtime-adjustable history window.
const (
	MinHistoryMessages = 1
	MaxHistoryMessages = 100
)

// History holds history_messages_count: how many user/assistant exchanges
// are loaded from storage and sent upstream as context. It is shared by the
// store's read path and the admin surfaces, and is safe for concurrent use.
type History struct {
	n atomic.Int64
}

// NewHistory returns a History initialised to n, clamped to the valid range.
func NewHistory(n int) *History {
	h := &History{}
	h.n.Store(int64(clampHistory(n)))
	return h
}

// MessagesCount returns the current number of exchanges.
func (h *History) MessagesCount() int {
	if h == nil {
		return MinHistoryMessages
	}
	return int(h.n.Load())
}

// TurnLimit is the number of turns (two per exchange) a read returns.
func (h *History) TurnLimit() int { return 2 * h.MessagesCount() }

// SetMessagesCount changes the window. Out-of-range values are rejected.
func (h *History) SetMessagesCount(n int) error {
	if n < MinHistoryMessages || n > MaxHistoryMessages {
		return fmt.Errorf("history messages count must be between %d and %d, got %d", MinHistoryMessages, MaxHistoryMessages, n)
	}
	h.n.Store(int64(n))
	return nil
}

func clampHistory(n int) int {
	switch {
	case n < MinHistoryMessages:
		return MinHistoryMessages
	case n > MaxHistoryMessages:
		return MaxHistoryMessages
	}
	return n
}
