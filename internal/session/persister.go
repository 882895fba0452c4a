package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultSaveTimeout bounds one background save.
const DefaultSaveTimeout = 10 * time.Second

// Persister runs transcript saves in the background. Saves that share a key
// run one after another in the order they were scheduled; saves for
// different keys run concurrently. A failed save is logged and reported to
// OnError, never to the caller that scheduled it.
type Persister struct {
	Timeout time.Duration
	OnError func(key string, err error)

	mu       sync.Mutex
	tails    map[string]chan struct{} // done channel of the newest save per key
	inflight int
	idle     chan struct{} // closed when inflight drops to zero; nil if nobody waits
}

// NewPersister returns a Persister using DefaultSaveTimeout.
func NewPersister() *Persister {
	return &Persister{Timeout: DefaultSaveTimeout}
}

// Go schedules save for key. The save runs detached from ctx's cancellation
// but keeps its values (trace span, request id).
func (p *Persister) Go(ctx context.Context, key string, save func(context.Context) error) {
	done := make(chan struct{})

	p.mu.Lock()
	if p.tails == nil {
		p.tails = make(map[string]chan struct{})
	}
	prev := p.tails[key]
	p.tails[key] = done
	p.inflight++
	p.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			p.mu.Lock()
			if p.tails[key] == done {
				delete(p.tails, key)
			}
			close(done)
			p.inflight--
			if p.inflight == 0 && p.idle != nil {
				close(p.idle)
				p.idle = nil
			}
			p.mu.Unlock()
		}()

		if prev != nil {
			<-prev
		}
		if err := p.run(detached, save); err != nil {
			log.Error().Err(err).Str("key", key).Msg("background save failed")
			if p.OnError != nil {
				p.OnError(key, err)
			}
		}
	}()
}

func (p *Persister) run(ctx context.Context, save func(context.Context) error) (err error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultSaveTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("save panicked: %v", r)
		}
	}()
	return save(ctx)
}

// Wait blocks until every save scheduled for key so far has finished, or ctx
// is done.
func (p *Persister) Wait(ctx context.Context, key string) error {
	p.mu.Lock()
	ch := p.tails[key]
	p.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush blocks until no save is queued or running, or ctx is done. Saves
// scheduled while Flush waits are waited for too, so Flush may be called
// while updates are still being handled.
func (p *Persister) Flush(ctx context.Context) error {
	p.mu.Lock()
	if p.inflight == 0 {
		p.mu.Unlock()
		return nil
	}
	if p.idle == nil {
		p.idle = make(chan struct{})
	}
	idle := p.idle
	p.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of keys with queued or running saves.
func (p *Persister) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tails)
}
