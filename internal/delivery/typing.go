package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultTypingInterval refreshes the indicator before the transport's
// roughly five second display window lapses.
const DefaultTypingInterval = 4500 * time.Millisecond

// TypingSender is the part of a transport that shows a typing indicator.
type TypingSender interface {
	SendTyping(ctx context.Context, chatID int64) error
}

// Typing keeps a typing indicator alive while work is in flight.
type Typing struct {
	Sender   TypingSender
	Interval time.Duration
}

// Start sends an indicator now and then every Interval until the returned
// stop func is called or ctx ends. Failures are ignored. stop blocks until
// the background loop has exited and is safe to call more than once.
func (t Typing) Start(ctx context.Context, chatID int64) (stop func()) {
	interval := t.Interval
	if interval <= 0 {
		interval = DefaultTypingInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := t.Sender.SendTyping(ctx, chatID); err != nil && ctx.Err() == nil {
				log.Debug().Err(err).Int64("chat_id", chatID).Msg("typing indicator failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
