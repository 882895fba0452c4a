// Command relay runs the persona chat relay: it long-polls Telegram, answers
// each authenticated user through the configured completion backend in the
// voice of their chosen persona, and serves a token-protected admin API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/persona-relay/internal/config"
	"github.com/tbourn/persona-relay/internal/delivery"
	"github.com/tbourn/persona-relay/internal/domain"
	httpapi "github.com/tbourn/persona-relay/internal/http"
	"github.com/tbourn/persona-relay/internal/llm"
	"github.com/tbourn/persona-relay/internal/metrics"
	"github.com/tbourn/persona-relay/internal/observability"
	"github.com/tbourn/persona-relay/internal/ratelimit"
	"github.com/tbourn/persona-relay/internal/repo"
	"github.com/tbourn/persona-relay/internal/services"
	"github.com/tbourn/persona-relay/internal/session"
	"github.com/tbourn/persona-relay/internal/sysutil"
	"github.com/tbourn/persona-relay/internal/transport/telegram"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	shutdownTimeout = 15 * time.Second
	flushTimeout    = 10 * time.Second
)

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	closer, err := sysutil.SetupLogger(cfg.LogPretty, cfg.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(2)
	}
	defer closer.Close()
	sysutil.SetLogLevel(cfg.LogLevel)

	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("relay stopped with error")
		_ = closer.Close()
		os.Exit(1)
	}
	log.Info().Msg("relay stopped")
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := domain.ValidatePersonas(); err != nil {
		return err
	}

	otelShutdown, err := observability.Setup(ctx, cfg.OTEL, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()

	history := config.NewHistory(cfg.HistoryMessagesCount)
	store := repo.NewStore(db, history)

	persister := session.NewPersister()
	persister.OnError = func(string, error) { metrics.IncPersistFailure() }
	sessions := session.NewManager(store, history, persister)

	window := ratelimit.NewWindow(cfg.RateMaxCalls, cfg.RatePeriod)
	window.OnWait = func(d time.Duration) {
		metrics.ObserveRateLimitWait(d)
		log.Debug().Dur("wait", d).Msg("completion rate window full")
	}

	retrier := delivery.NewRetrier(cfg.RetryAttempts, cfg.RetryInitial, cfg.RetryMax)
	retrier.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.IncRetry()
		log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying")
	}

	tg := telegram.NewClient(cfg.Telegram.APIURL, cfg.Telegram.Token, cfg.Telegram.SendRPS, cfg.Telegram.SendBurst)
	me, err := tg.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	log.Info().Str("bot", me.Username).Msg("telegram connected")

	out := delivery.NewDeliverer(tg, retrier, cfg.MessageLimit)
	out.OnFallback = func(chatID int64, err error) {
		metrics.ObserveDelivery(metrics.DeliveryFallback)
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("markdown rejected; sent as plain text")
	}

	completer, err := llm.New(ctx, cfg.LLM)
	if err != nil {
		return err
	}

	dispatcher := &services.Dispatcher{
		Auth:      store,
		Sessions:  sessions,
		Limiter:   window,
		LLM:       completer,
		Retrier:   retrier,
		Out:       out,
		Callbacks: tg,
		Typing:    delivery.Typing{Sender: tg, Interval: cfg.TypingInterval},
		History:   history,
		Secret:    cfg.AuthCode,
		UserName:  cfg.UserName,
		IsAdmin:   cfg.IsAdmin,
		Timeout:   cfg.RequestTimeout,
		SlowAfter: cfg.SlowNoticeAfter,
	}

	poller := &telegram.Poller{
		Source:         tg,
		Handler:        dispatcher,
		Timeout:        cfg.Telegram.PollTimeout,
		MaxConcurrency: cfg.Telegram.MaxConcurrency,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("provider", cfg.LLM.Provider).Msg("polling for updates")
		if err := poller.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if cfg.Admin.Addr != "" {
		srv := adminServer(cfg, db, store, history, sessions, window)
		g.Go(func() error {
			log.Info().Str("addr", srv.Addr).Msg("admin api listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	err = g.Wait()

	fctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if ferr := persister.Flush(fctx); ferr != nil {
		log.Error().Err(ferr).Int("pending", persister.Pending()).Msg("transcript saves still pending at exit")
	}
	return err
}

func openDB(cfg config.Config) (*gorm.DB, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := observability.InstrumentDB(db, cfg.OTEL); err != nil {
		return nil, fmt.Errorf("instrument db: %w", err)
	}
	return db, nil
}

func adminServer(cfg config.Config, db *gorm.DB, store *repo.Store, history *config.History, sessions *session.Manager, window *ratelimit.Window) *http.Server {
	gin.SetMode(cfg.Admin.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		Archives: store,
		History:  history,
		Sessions: sessions,
		Window:   window,
		Ready:    func(ctx context.Context) error { return repo.Ping(ctx, db) },
	}, cfg)

	return &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           r,
		ReadTimeout:       cfg.Admin.ReadTimeout,
		ReadHeaderTimeout: cfg.Admin.ReadHeaderTimeout,
		WriteTimeout:      cfg.Admin.WriteTimeout,
		IdleTimeout:       cfg.Admin.IdleTimeout,
		MaxHeaderBytes:    cfg.Admin.MaxHeaderBytes,
	}
}
