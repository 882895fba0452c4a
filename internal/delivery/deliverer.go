// Package delivery wraps outbound calls with bounded retry and gets replies
// onto the chat transport: MarkdownV2 escaping, splitting oversized text,
// falling back to plain text when formatting is rejected, and the typing
// indicator shown while a reply is being produced.
package delivery

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/persona-relay/internal/transport"
)

// DefaultMessageLimit is the transport's maximum message length.
const DefaultMessageLimit = 4096

// Deliverer sends replies through a transport.Sender.
type Deliverer struct {
	Sender  transport.Sender
	Retrier *Retrier
	Limit   int

	// OnFallback, if set, is called when a chunk is re-sent as plain text.
	OnFallback func(chatID int64, err error)
}

// NewDeliverer builds a Deliverer with the given retry policy and limit.
func NewDeliverer(s transport.Sender, r *Retrier, limit int) *Deliverer {
	if r == nil {
		r = DefaultRetrier()
	}
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	return &Deliverer{Sender: s, Retrier: r, Limit: limit}
}

// Send delivers text as one or more MarkdownV2 messages, in order. The
// keyboard, if any, is attached to the last chunk.
//
// Each chunk is retried on transient errors. A chunk rejected for any other
// reason is re-sent once as plain text, truncated to the limit. An error is
// returned only when a chunk could not be delivered either way; later chunks
// are not attempted after that.
func (d *Deliverer) Send(ctx context.Context, chatID int64, text string, kb transport.Keyboard) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	chunks := Split(EscapeMarkdownV2(text), d.limit())
	for i, chunk := range chunks {
		var markup transport.Keyboard
		if i == len(chunks)-1 {
			markup = kb
		}
		if err := d.sendChunk(ctx, chatID, chunk, markup); err != nil {
			return fmt.Errorf("deliver chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

// SendPlain delivers text without formatting, split to the limit.
func (d *Deliverer) SendPlain(ctx context.Context, chatID int64, text string, kb transport.Keyboard) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	chunks := Split(text, d.limit())
	for i, chunk := range chunks {
		var markup transport.Keyboard
		if i == len(chunks)-1 {
			markup = kb
		}
		err := d.Retrier.Run(ctx, func(ctx context.Context) error {
			return d.Sender.SendMessage(ctx, chatID, chunk, transport.ParsePlain, markup)
		})
		if err != nil {
			return fmt.Errorf("deliver chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

func (d *Deliverer) sendChunk(ctx context.Context, chatID int64, chunk string, kb transport.Keyboard) error {
	err := d.Retrier.Run(ctx, func(ctx context.Context) error {
		return d.Sender.SendMessage(ctx, chatID, chunk, transport.ParseMarkdownV2, kb)
	})
	if err == nil {
		return nil
	}
	if IsTransient(err) || ctx.Err() != nil {
		return err
	}

	log.Warn().Err(err).Int64("chat_id", chatID).Msg("formatted send rejected; falling back to plain text")
	if d.OnFallback != nil {
		d.OnFallback(chatID, err)
	}
	plain := Truncate(UnescapeMarkdownV2(chunk), d.limit())
	ferr := d.Retrier.Run(ctx, func(ctx context.Context) error {
		return d.Sender.SendMessage(ctx, chatID, plain, transport.ParsePlain, kb)
	})
	if ferr != nil {
		return fmt.Errorf("plain-text fallback failed: %w (formatted: %v)", ferr, err)
	}
	return nil
}

func (d *Deliverer) limit() int {
	if d.Limit <= 0 {
		return DefaultMessageLimit
	}
	return d.Limit
}
