package telegram

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/persona-relay/internal/transport"
)

// UpdateSource yields batches of updates after an offset.
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]transport.Update, int64, error)
}

// Poller long-polls an UpdateSource and hands updates to a Handler.
//
// Updates from different users are handled concurrently, up to
// MaxConcurrency at a time. Updates from the same user are handled one after
// another in the order they were received.
type Poller struct {
	Source         UpdateSource
	Handler        transport.Handler
	Timeout        time.Duration
	MaxConcurrency int

	// Sleep waits after a failed poll; replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	tails map[string]chan struct{}
}

// Run polls until ctx is done, then waits for in-flight handlers. Handlers
// run on a context that is not cancelled with ctx, so a message being
// processed at shutdown still gets its reply.
func (p *Poller) Run(ctx context.Context) error {
	var g errgroup.Group
	if p.MaxConcurrency > 0 {
		g.SetLimit(p.MaxConcurrency)
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	handlerCtx := context.WithoutCancel(ctx)

	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Second,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          2,
		MaxInterval:         30 * time.Second,
	}
	b.Reset()

	var offset int64
	for ctx.Err() == nil {
		updates, next, err := p.Source.GetUpdates(ctx, offset, p.Timeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			d := b.NextBackOff()
			log.Warn().Err(err).Dur("retry_in", d).Msg("poll failed")
			if sleep(ctx, d) != nil {
				break
			}
			continue
		}
		b.Reset()
		offset = next

		for _, u := range updates {
			u := u
			prev, done := p.enter(u.UserID)
			g.Go(func() error {
				defer p.leave(u.UserID, done)
				if prev != nil {
					<-prev
				}
				p.Handler.Handle(handlerCtx, u)
				return nil
			})
		}
	}

	_ = g.Wait()
	return ctx.Err()
}

// enter queues behind the user's previous update, returning the channel to
// wait on (nil if none) and the channel this update closes when done.
func (p *Poller) enter(userID string) (prev, done chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tails == nil {
		p.tails = make(map[string]chan struct{})
	}
	prev = p.tails[userID]
	done = make(chan struct{})
	p.tails[userID] = done
	return prev, done
}

func (p *Poller) leave(userID string, done chan struct{}) {
	p.mu.Lock()
	if p.tails[userID] == done {
		delete(p.tails, userID)
	}
	p.mu.Unlock()
	close(done)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
