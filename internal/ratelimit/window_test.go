package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock advances only when a caller sleeps.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func newFakeWindow(maxCalls int, period time.Duration) (*Window, *fakeClock) {
	clk := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	w := NewWindow(maxCalls, period)
	w.Now = clk.Now
	w.Sleep = clk.Sleep
	return w, clk
}

func TestAdmit_SixthCallWaitsForOldest(t *testing.T) {
	w, clk := newFakeWindow(5, 60*time.Second)
	ctx := context.Background()

	t1 := clk.Now()
	for i := 0; i < 5; i++ {
		if err := w.Admit(ctx); err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		clk.Advance(2 * time.Second)
	}
	if len(clk.slept) != 0 {
		t.Fatalf("first five calls must not wait, slept %v", clk.slept)
	}

	t6 := clk.Now() // t1 + 10s
	if err := w.Admit(ctx); err != nil {
		t.Fatalf("admit 6: %v", err)
	}
	want := 60*time.Second - t6.Sub(t1)
	if len(clk.slept) != 1 || clk.slept[0] != want {
		t.Fatalf("expected one wait of %v, got %v", want, clk.slept)
	}
	if got := clk.Now().Sub(t1); got < 60*time.Second {
		t.Fatalf("sixth call admitted only %v after the first", got)
	}
	if s := w.Stats(); s.InWindow != 5 || s.Waits != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestAdmit_PrunesExpired(t *testing.T) {
	w, clk := newFakeWindow(2, time.Minute)
	ctx := context.Background()

	_ = w.Admit(ctx)
	_ = w.Admit(ctx)
	clk.Advance(time.Minute) // both exactly one period old
	if err := w.Admit(ctx); err != nil {
		t.Fatal(err)
	}
	if len(clk.slept) != 0 {
		t.Fatalf("expired entries should not cause a wait, slept %v", clk.slept)
	}
	if s := w.Stats(); s.InWindow != 1 || s.MaxCalls != 2 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestAdmit_NeverRetainsMoreThanMax(t *testing.T) {
	w, _ := newFakeWindow(3, time.Second)
	for i := 0; i < 20; i++ {
		if err := w.Admit(context.Background()); err != nil {
			t.Fatal(err)
		}
		if n := w.Stats().InWindow; n > 3 {
			t.Fatalf("window holds %d entries", n)
		}
	}
}

func TestAdmit_ContextCancelAborts(t *testing.T) {
	w, _ := newFakeWindow(1, time.Minute)
	_ = w.Admit(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := w.Admit(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n := w.Stats().InWindow; n != 1 {
		t.Fatalf("cancelled caller must not be recorded, window=%d", n)
	}
}

func TestAdmit_OnWaitHook(t *testing.T) {
	w, _ := newFakeWindow(1, 10*time.Second)
	var waits []time.Duration
	w.OnWait = func(d time.Duration) { waits = append(waits, d) }
	_ = w.Admit(context.Background())
	_ = w.Admit(context.Background())
	if len(waits) != 1 || waits[0] != 10*time.Second {
		t.Fatalf("unexpected waits %v", waits)
	}
}

func TestAdmit_ConcurrentRealClock(t *testing.T) {
	w := NewWindow(4, 50*time.Millisecond)
	var mu sync.Mutex
	var admitted []time.Time

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := w.Admit(ctx); err != nil {
				t.Errorf("admit: %v", err)
				return
			}
			mu.Lock()
			admitted = append(admitted, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(admitted) != 8 {
		t.Fatalf("expected 8 admissions, got %d", len(admitted))
	}
	if w.Stats().Waits == 0 {
		t.Fatalf("expected some callers to wait")
	}
}

func TestSleepCtx(t *testing.T) {
	if err := sleepCtx(context.Background(), 0); err != nil {
		t.Fatalf("zero sleep: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepCtx(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancel, got %v", err)
	}
	start := time.Now()
	if err := sleepCtx(context.Background(), 5*time.Millisecond); err != nil || time.Since(start) < 5*time.Millisecond {
		t.Fatalf("short sleep misbehaved: %v", err)
	}
}
