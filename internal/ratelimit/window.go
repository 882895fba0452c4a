// Package ratelimit provides the process-wide admission gate for outbound
// completion calls: a sliding-window log allowing at most MaxCalls
// admissions in any Period.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Window is a sliding-window log limiter shared by all callers.
//
// The decision to admit and the recording of the admission happen under one
// lock; waiting happens outside it, after which the caller re-checks.
type Window struct {
	maxCalls int
	period   time.Duration

	// Now and Sleep are replaced in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	// OnWait, if set, is called each time a caller has to wait.
	OnWait func(d time.Duration)

	mu    sync.Mutex
	calls []time.Time // admitted timestamps, oldest first
	waits uint64
}

// NewWindow returns a Window admitting maxCalls per period.
func NewWindow(maxCalls int, period time.Duration) *Window {
	if maxCalls < 1 {
		maxCalls = 1
	}
	return &Window{
		maxCalls: maxCalls,
		period:   period,
		Now:      time.Now,
		Sleep:    sleepCtx,
		calls:    make([]time.Time, 0, maxCalls),
	}
}

// Admit blocks until the caller may proceed and records the admission. It
// returns early with an error if ctx ends while waiting.
func (w *Window) Admit(ctx context.Context) error {
	for {
		wait, ok := w.tryAdmit()
		if ok {
			return nil
		}
		if w.OnWait != nil {
			w.OnWait(wait)
		}
		if err := w.Sleep(ctx, wait); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}
}

func (w *Window) tryAdmit() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.Now()
	w.prune(now)
	if len(w.calls) < w.maxCalls {
		w.calls = append(w.calls, now)
		return 0, true
	}
	w.waits++
	return w.period - now.Sub(w.calls[0]), false
}

// prune drops timestamps at or before now-period.
func (w *Window) prune(now time.Time) {
	i := 0
	for i < len(w.calls) && now.Sub(w.calls[i]) >= w.period {
		i++
	}
	if i > 0 {
		w.calls = append(w.calls[:0], w.calls[i:]...)
	}
}

// Stats describes the window at one instant.
type Stats struct {
	InWindow int           `json:"in_window"`
	MaxCalls int           `json:"max_calls"`
	Period   time.Duration `json:"period"`
	Waits    uint64        `json:"waits"`
}

// Stats returns current occupancy and the number of waits so far.
func (w *Window) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.Now())
	return Stats{InWindow: len(w.calls), MaxCalls: w.maxCalls, Period: w.period, Waits: w.waits}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
