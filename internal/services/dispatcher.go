// Package services – Dispatcher
//
// This file implements Dispatcher, the per-update state machine behind the
// bot. For each user it derives one of three states:
//
//   - unauthenticated: not on the allow-list; only the secret is accepted
//   - idle: authenticated, no message in flight
//   - processing: the per-user lock is held while a reply is produced
//
// Updates from one user are handled strictly one at a time. A text message
// appends the user turn, waits for the shared rate window, asks the
// completion backend (with retry, under a per-message deadline), appends the
// assistant turn, schedules a background save and delivers the reply. Any
// failure becomes a short apology; nothing escapes Handle.
//
// Observability: Handle opens a span per update and logs with user_id,
// chat_id and update_id fields.
package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/persona-relay/internal/config"
	"github.com/tbourn/persona-relay/internal/delivery"
	"github.com/tbourn/persona-relay/internal/domain"
	"github.com/tbourn/persona-relay/internal/llm"
	"github.com/tbourn/persona-relay/internal/metrics"
	"github.com/tbourn/persona-relay/internal/session"
	"github.com/tbourn/persona-relay/internal/sysutil"
	"github.com/tbourn/persona-relay/internal/transport"
)

const (
	DefaultRequestTimeout  = 30 * time.Second
	DefaultSlowNoticeAfter = 15 * time.Second
)

// AuthStore is the allow-list side of the store.
type AuthStore interface {
	IsAuthenticated(ctx context.Context, userID string) (bool, error)
	Authenticate(ctx context.Context, userID string) error
	IsNewUser(ctx context.Context, userID string) (bool, error)
}

// Admitter gates outbound completion calls.
type Admitter interface {
	Admit(ctx context.Context) error
}

// Replier delivers text to a chat.
type Replier interface {
	Send(ctx context.Context, chatID int64, text string, kb transport.Keyboard) error
}

// CallbackAnswerer acknowledges button presses.
type CallbackAnswerer interface {
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// TypingIndicator shows a typing indicator until stop is called.
type TypingIndicator interface {
	Start(ctx context.Context, chatID int64) (stop func())
}

// Dispatcher routes inbound updates. All fields except Typing and IsAdmin
// are required.
type Dispatcher struct {
	Auth      AuthStore
	Sessions  *session.Manager
	Limiter   Admitter
	LLM       llm.Completer
	Retrier   *delivery.Retrier
	Out       Replier
	Callbacks CallbackAnswerer
	Typing    TypingIndicator
	History   *config.History

	Secret    string
	UserName  string
	IsAdmin   func(userID string) bool
	Timeout   time.Duration
	SlowAfter time.Duration

	locks sysutil.KeyedMutex
}

func (d *Dispatcher) replies() replies {
	return replies{name: sysutil.FirstNonEmpty(d.UserName, "friend")}
}

func (d *Dispatcher) timeout() time.Duration {
	if d.Timeout <= 0 {
		return DefaultRequestTimeout
	}
	return d.Timeout
}

// Handle processes one update. It never panics and never returns an error;
// failures are logged and answered with an apology.
func (d *Dispatcher) Handle(ctx context.Context, u transport.Update) {
	logger := log.With().Str("user_id", u.UserID).Int64("chat_id", u.ChatID).Int64("update_id", u.ID).Logger()
	ctx = logger.WithContext(ctx)
	r := d.replies()

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Bytes("stack", debug.Stack()).Msg("update handler panicked")
			d.reply(ctx, u.ChatID, r.panicked(), nil)
		}
	}()

	unlock := d.locks.Lock(u.UserID)
	defer unlock()

	ctx, span := otel.Tracer("services/Dispatcher").Start(ctx, "Handle",
		trace.WithAttributes(
			attribute.String("user.id", u.UserID),
			attribute.Int64("update.id", u.ID),
			attribute.Bool("update.callback", u.IsCallback()),
		),
	)
	defer span.End()

	if u.IsCallback() {
		metrics.ObserveUpdate(metrics.KindCallback)
		d.handleCallback(ctx, span, u)
		return
	}

	text := strings.TrimSpace(u.Text)
	if text == "" {
		return
	}
	authed, err := d.Auth.IsAuthenticated(ctx, u.UserID)
	if err != nil {
		d.fail(ctx, span, u.ChatID, "allow-list check failed", err)
		return
	}

	if cmd, args, ok := parseCommand(text); ok {
		metrics.ObserveUpdate(metrics.KindCommand)
		span.SetAttributes(attribute.String("command", cmd))
		d.handleCommand(ctx, span, u, authed, cmd, args)
		return
	}
	if !authed {
		metrics.ObserveUpdate(metrics.KindAuth)
		d.handleSecret(ctx, span, u, text)
		return
	}
	metrics.ObserveUpdate(metrics.KindText)
	d.handleText(ctx, span, u, text)
}

// parseCommand splits "/cmd@bot arg..." into ("cmd", [arg...]).
func parseCommand(text string) (string, []string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(fields[0])
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return cmd, fields[1:], true
}

func (d *Dispatcher) handleSecret(ctx context.Context, span trace.Span, u transport.Update, text string) {
	r := d.replies()
	if d.Secret == "" || subtle.ConstantTimeCompare([]byte(text), []byte(d.Secret)) != 1 {
		d.reply(ctx, u.ChatID, r.authRequired(), nil)
		return
	}

	firstTime, err := d.Auth.IsNewUser(ctx, u.UserID)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("new-user check failed; assuming first visit")
		firstTime = true
	}
	if err := d.Auth.Authenticate(ctx, u.UserID); err != nil {
		d.fail(ctx, span, u.ChatID, "authenticate failed", err)
		return
	}
	sess, err := d.Sessions.Reload(ctx, u.UserID)
	if err != nil {
		d.fail(ctx, span, u.ChatID, "load session failed", err)
		return
	}
	zerolog.Ctx(ctx).Info().Bool("first_time", firstTime).Str("persona", sess.Persona.String()).Msg("user authenticated")
	d.reply(ctx, u.ChatID, r.authenticated(sess.Persona, firstTime), nil)
}

func (d *Dispatcher) handleCommand(ctx context.Context, span trace.Span, u transport.Update, authed bool, cmd string, args []string) {
	r := d.replies()
	if !authed {
		if cmd == "start" {
			d.reply(ctx, u.ChatID, r.askSecret(), nil)
		} else {
			d.reply(ctx, u.ChatID, r.authRequired(), nil)
		}
		return
	}

	switch cmd {
	case "start":
		sess, err := d.Sessions.Reload(ctx, u.UserID)
		if err != nil {
			d.fail(ctx, span, u.ChatID, "load session failed", err)
			return
		}
		d.reply(ctx, u.ChatID, r.welcomeBack(sess.Persona), nil)

	case "help":
		d.reply(ctx, u.ChatID, r.help(), nil)

	case "clear":
		if err := d.Sessions.Reset(ctx, u.UserID); err != nil {
			d.fail(ctx, span, u.ChatID, "reset failed", err)
			return
		}
		zerolog.Ctx(ctx).Info().Msg("history reset")
		d.reply(ctx, u.ChatID, replyCleared, nil)

	case "scenario":
		text, kb := scenarioMenu()
		d.reply(ctx, u.ChatID, text, kb)

	case "history":
		if d.IsAdmin == nil || !d.IsAdmin(u.UserID) {
			d.reply(ctx, u.ChatID, replyUnknownCmd, nil)
			return
		}
		d.handleHistory(ctx, u, args)

	default:
		d.reply(ctx, u.ChatID, replyUnknownCmd, nil)
	}
}

func (d *Dispatcher) handleHistory(ctx context.Context, u transport.Update, args []string) {
	r := d.replies()
	if len(args) == 0 {
		d.reply(ctx, u.ChatID, r.historyStatus(d.History.MessagesCount()), nil)
		return
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		d.reply(ctx, u.ChatID, fmt.Sprintf("%v. Usage: /history <%d-%d>",
			ErrInvalidHistory, config.MinHistoryMessages, config.MaxHistoryMessages), nil)
		return
	}
	if err := d.History.SetMessagesCount(n); err != nil {
		d.reply(ctx, u.ChatID, fmt.Sprintf("%v. Usage: /history <%d-%d>",
			err, config.MinHistoryMessages, config.MaxHistoryMessages), nil)
		return
	}
	zerolog.Ctx(ctx).Info().Int("history_messages_count", n).Msg("history window changed")
	d.reply(ctx, u.ChatID, r.historySet(n), nil)
}

func (d *Dispatcher) handleCallback(ctx context.Context, span trace.Span, u transport.Update) {
	r := d.replies()
	if d.Callbacks != nil {
		if err := d.Callbacks.AnswerCallback(ctx, u.CallbackID, ""); err != nil {
			zerolog.Ctx(ctx).Debug().Err(err).Msg("answer callback failed")
		}
	}

	authed, err := d.Auth.IsAuthenticated(ctx, u.UserID)
	if err != nil {
		d.fail(ctx, span, u.ChatID, "allow-list check failed", err)
		return
	}
	if !authed {
		d.reply(ctx, u.ChatID, r.authRequired(), nil)
		return
	}

	p, err := domain.ParsePersona(u.CallbackData)
	if err != nil {
		d.fail(ctx, span, u.ChatID, "unknown persona selected", err)
		return
	}
	old, _, err := d.Sessions.SwitchPersona(ctx, u.UserID, p)
	if err != nil {
		d.fail(ctx, span, u.ChatID, "switch persona failed", err)
		return
	}
	zerolog.Ctx(ctx).Info().Str("from", old.String()).Str("persona", p.String()).Msg("persona switched")
	d.reply(ctx, u.ChatID, r.switched(old, p), nil)
}

func (d *Dispatcher) handleText(ctx context.Context, span trace.Span, u transport.Update, text string) {
	sess, err := d.Sessions.GetOrLoad(ctx, u.UserID)
	if err != nil {
		d.fail(ctx, span, u.ChatID, "load session failed", err)
		return
	}
	span.SetAttributes(attribute.String("persona", sess.Persona.String()))
	system, err := sess.Persona.SystemPrompt()
	if err != nil {
		d.fail(ctx, span, u.ChatID, "persona has no prompt", err)
		return
	}
	if err := d.Sessions.AppendUserTurn(u.UserID, text); err != nil {
		d.fail(ctx, span, u.ChatID, "append user turn failed", err)
		return
	}
	snap, _ := d.Sessions.Snapshot(u.UserID)

	reply, err := d.complete(ctx, u.ChatID, snap.Turns, system)
	if err != nil {
		// The user turn stays cached and is saved with the next exchange.
		d.fail(ctx, span, u.ChatID, "completion failed", err)
		return
	}

	if err := d.Sessions.AppendAssistantTurn(u.UserID, reply); err != nil {
		d.fail(ctx, span, u.ChatID, "append assistant turn failed", err)
		return
	}
	if err := d.Sessions.Persist(ctx, u.UserID); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("schedule save failed")
	}
	d.reply(ctx, u.ChatID, reply, nil)
}

// complete runs the rate-limited, retried completion under the per-message
// deadline. A typing indicator runs meanwhile, and a one-off notice is sent
// if the reply takes longer than SlowAfter. The notice is always delivered
// before complete returns.
func (d *Dispatcher) complete(ctx context.Context, chatID int64, turns []domain.Turn, system string) (string, error) {
	if d.Typing != nil {
		stop := d.Typing.Start(ctx, chatID)
		defer stop()
	}

	timeout := d.timeout()
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if d.SlowAfter > 0 && d.SlowAfter < timeout {
		noticeDone := make(chan struct{})
		notice := time.AfterFunc(d.SlowAfter, func() {
			defer close(noticeDone)
			d.reply(ctx, chatID, replySlow, nil)
		})
		defer func() {
			if !notice.Stop() {
				<-noticeDone
			}
		}()
	}

	start := time.Now()
	reply, err := delivery.Do(cctx, d.Retrier, func(ctx context.Context) (string, error) {
		if err := d.Limiter.Admit(ctx); err != nil {
			return "", err
		}
		return d.LLM.Complete(ctx, turns, system)
	})
	elapsed := time.Since(start)

	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%w after %s: %w", ErrRequestTimeout, timeout, err)
	}
	metrics.ObserveCompletion(outcome(err), elapsed)
	zerolog.Ctx(ctx).Info().Dur("latency", elapsed).Err(err).Msg("completion finished")
	return reply, err
}

func outcome(err error) string {
	if err == nil {
		return metrics.OutcomeOK
	}
	switch classify(err) {
	case failTimeout:
		return metrics.OutcomeTimeout
	case failNetwork:
		return metrics.OutcomeTransient
	default:
		return metrics.OutcomeError
	}
}

// fail logs err, marks the span and sends the matching apology.
func (d *Dispatcher) fail(ctx context.Context, span trace.Span, chatID int64, msg string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	zerolog.Ctx(ctx).Error().Err(err).Msg(msg)
	d.reply(ctx, chatID, d.replies().failure(classify(err)), nil)
}

func (d *Dispatcher) reply(ctx context.Context, chatID int64, text string, kb transport.Keyboard) {
	if err := d.Out.Send(ctx, chatID, text, kb); err != nil {
		metrics.ObserveDelivery(metrics.DeliveryFailed)
		zerolog.Ctx(ctx).Error().Err(err).Msg("deliver reply failed")
		return
	}
	metrics.ObserveDelivery(metrics.DeliveryOK)
}
