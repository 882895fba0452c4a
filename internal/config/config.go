// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes bot settings such as
// the shared secret, transport and completion credentials, rate limiting,
// retry bounds, the history window, the admin HTTP server and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// TelegramConfig defines the chat transport settings.
type TelegramConfig struct {
	Token          string        // TELEGRAM_BOT_TOKEN
	APIURL         string        // TELEGRAM_API_URL
	PollTimeout    time.Duration // long-poll timeout for getUpdates
	MaxConcurrency int           // in-flight updates across all users
	SendRPS        float64       // outbound Bot API calls per second
	SendBurst      int
}

// LLMConfig selects and configures the completion backend.
type LLMConfig struct {
	Provider         string // anthropic|gemini
	AnthropicAPIKey  string
	AnthropicBaseURL string
	AnthropicModel   string
	MaxTokens        int
	GeminiAPIKey     string
	GeminiModel      string
}

// AdminConfig defines the administrative HTTP surface.
type AdminConfig struct {
	Addr              string // empty disables the server
	Token             string // bearer token for /api routes
	GinMode           string // debug|release|test
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	RateRPS           float64
	RateBurst         int
	AllowedOrigins    []string
	BasePath          string // API_BASE_PATH, e.g. "/api/v1"
	EnableHSTS        bool
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "persona-relay")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// Config holds all configuration values for the application.
type Config struct {
	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev
	LogFile   string // optional file sink in addition to stderr

	// Access
	AuthCode     string   // shared secret that unlocks the bot
	AdminUserIDs []string // chat users allowed to run /history
	UserName     string   // how replies address the user

	// Storage
	DBPath string

	// Conversation
	HistoryMessagesCount int           // exchanges kept in context
	RequestTimeout       time.Duration // per-message ceiling on admission + completion
	SlowNoticeAfter      time.Duration // send a "thinking" notice after this long
	TypingInterval       time.Duration
	MessageLimit         int // max characters per outbound chat message

	// Completion rate limiting (sliding window, shared by all users)
	RateMaxCalls int
	RatePeriod   time.Duration

	// Retry
	RetryAttempts int
	RetryInitial  time.Duration
	RetryMax      time.Duration

	Telegram TelegramConfig
	LLM      LLMConfig
	Admin    AdminConfig
	OTEL     OTELConfig
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),
		LogFile:   getenv("LOG_FILE", ""),

		// Access
		AuthCode:     getenv("AUTH_CODE", ""),
		AdminUserIDs: splitCSV(getenv("ADMIN_USER_IDS", "")),
		UserName:     getenv("USER_NAME", "friend"),

		// Storage
		DBPath: getenv("DB_PATH", "data/relay.db"),

		// Conversation
		HistoryMessagesCount: getint("HISTORY_MESSAGES_COUNT", 1),
		RequestTimeout:       getdur("REQUEST_TIMEOUT", 30*time.Second),
		SlowNoticeAfter:      getdur("SLOW_NOTICE_AFTER", 15*time.Second),
		TypingInterval:       getdur("TYPING_INTERVAL", 4500*time.Millisecond),
		MessageLimit:         getint("MESSAGE_LIMIT", 4096),

		// Completion rate limiting
		RateMaxCalls: getint("RATE_MAX_CALLS", 5),
		RatePeriod:   getdur("RATE_PERIOD", 60*time.Second),

		// Retry
		RetryAttempts: getint("RETRY_ATTEMPTS", 3),
		RetryInitial:  getdur("RETRY_INITIAL", 4*time.Second),
		RetryMax:      getdur("RETRY_MAX", 10*time.Second),

		Telegram: TelegramConfig{
			Token:          getenv("TELEGRAM_BOT_TOKEN", ""),
			APIURL:         strings.TrimRight(getenv("TELEGRAM_API_URL", "https://api.telegram.org"), "/"),
			PollTimeout:    getdur("TELEGRAM_POLL_TIMEOUT", 30*time.Second),
			MaxConcurrency: getint("MAX_CONCURRENT_UPDATES", 16),
			SendRPS:        getfloat("TELEGRAM_SEND_RPS", 25),
			SendBurst:      getint("TELEGRAM_SEND_BURST", 5),
		},

		LLM: LLMConfig{
			Provider:         strings.ToLower(getenv("LLM_PROVIDER", "anthropic")),
			AnthropicAPIKey:  getenv("ANTHROPIC_API_KEY", ""),
			AnthropicBaseURL: strings.TrimRight(getenv("ANTHROPIC_BASE_URL", "https://api.anthropic.com/v1"), "/"),
			AnthropicModel:   getenv("ANTHROPIC_MODEL", "claude-3-5-sonnet-latest"),
			MaxTokens:        getint("LLM_MAX_TOKENS", 1024),
			GeminiAPIKey:     getenv("GEMINI_API_KEY", ""),
			GeminiModel:      getenv("GEMINI_MODEL", "gemini-2.0-flash"),
		},

		Admin: AdminConfig{
			Addr:              getenv("ADMIN_ADDR", ":8080"),
			Token:             getenv("ADMIN_TOKEN", ""),
			GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),
			ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
			ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
			WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
			IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
			MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
			RateRPS:           getfloat("ADMIN_RATE_RPS", 5.0),
			RateBurst:         getint("ADMIN_RATE_BURST", 10),
			AllowedOrigins:    splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
			BasePath:          getenv("API_BASE_PATH", "/api/v1"),
			EnableHSTS:        getbool("SECURITY_ENABLE_HSTS", false),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "persona-relay"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.Admin.GinMode {
	case "debug", "release", "test":
	default:
		cfg.Admin.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.AuthCode) == "" {
		return cfg, errors.New("AUTH_CODE must be set")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return cfg, errors.New("TELEGRAM_BOT_TOKEN must be set")
	}
	switch cfg.LLM.Provider {
	case "anthropic":
		if cfg.LLM.AnthropicAPIKey == "" {
			return cfg, errors.New("ANTHROPIC_API_KEY must be set when LLM_PROVIDER=anthropic")
		}
	case "gemini":
		if cfg.LLM.GeminiAPIKey == "" {
			return cfg, errors.New("GEMINI_API_KEY must be set when LLM_PROVIDER=gemini")
		}
	default:
		return cfg, errors.New("LLM_PROVIDER must be one of: anthropic, gemini")
	}
	if cfg.LLM.MaxTokens <= 0 {
		return cfg, errors.New("LLM_MAX_TOKENS must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.HistoryMessagesCount < MinHistoryMessages || cfg.HistoryMessagesCount > MaxHistoryMessages {
		return cfg, errors.New("HISTORY_MESSAGES_COUNT must be between 1 and 100")
	}
	if cfg.RequestTimeout <= 0 || cfg.SlowNoticeAfter <= 0 || cfg.TypingInterval <= 0 {
		return cfg, errors.New("REQUEST_TIMEOUT, SLOW_NOTICE_AFTER and TYPING_INTERVAL must be positive durations")
	}
	if cfg.MessageLimit < 16 {
		return cfg, errors.New("MESSAGE_LIMIT must be >= 16")
	}
	if cfg.RateMaxCalls < 1 {
		return cfg, errors.New("RATE_MAX_CALLS must be >= 1")
	}
	if cfg.RatePeriod <= 0 {
		return cfg, errors.New("RATE_PERIOD must be > 0")
	}
	if cfg.RetryAttempts < 1 {
		return cfg, errors.New("RETRY_ATTEMPTS must be >= 1")
	}
	if cfg.RetryInitial <= 0 || cfg.RetryMax < cfg.RetryInitial {
		return cfg, errors.New("RETRY_INITIAL must be > 0 and <= RETRY_MAX")
	}
	if cfg.Telegram.PollTimeout < 0 {
		return cfg, errors.New("TELEGRAM_POLL_TIMEOUT must be >= 0")
	}
	if cfg.Telegram.MaxConcurrency < 1 {
		return cfg, errors.New("MAX_CONCURRENT_UPDATES must be >= 1")
	}
	if cfg.Telegram.SendRPS <= 0 || cfg.Telegram.SendBurst < 1 {
		return cfg, errors.New("TELEGRAM_SEND_RPS must be > 0 and TELEGRAM_SEND_BURST >= 1")
	}
	if cfg.Admin.ReadTimeout <= 0 || cfg.Admin.ReadHeaderTimeout <= 0 || cfg.Admin.WriteTimeout <= 0 || cfg.Admin.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.Admin.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if cfg.Admin.RateRPS < 0 {
		return cfg, errors.New("ADMIN_RATE_RPS must be >= 0")
	}
	if cfg.Admin.RateBurst < 1 {
		return cfg, errors.New("ADMIN_RATE_BURST must be >= 1")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// IsAdmin reports whether a chat user may run administrative commands.
func (c Config) IsAdmin(userID string) bool {
	for _, id := range c.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
