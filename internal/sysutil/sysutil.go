// Package sysutil holds process-level helpers: global logger setup and a
// per-key mutex.
package sysutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetLogLevel sets the global zerolog level from a name such as "debug" or
// "WARN" ("warning" is accepted too). Empty or unknown names mean info. The
// level applied is returned.
func SetLogLevel(name string) zerolog.Level {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "warning" {
		name = "warn"
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || name == "" || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return lvl
}

// SetupLogger installs the global logger. Output always goes to stderr
// (console-formatted when pretty is set); when file is non-empty, JSON lines
// are appended there as well. The returned closer releases the file sink.
func SetupLogger(pretty bool, file string) (io.Closer, error) {
	var stderr io.Writer = os.Stderr
	if pretty {
		stderr = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	file = strings.TrimSpace(file)
	if file == "" {
		log.Logger = zerolog.New(stderr).With().Timestamp().Logger()
		return io.NopCloser(nil), nil
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(stderr, f)).With().Timestamp().Logger()
	return f, nil
}

// FirstNonEmpty returns the first value that is not blank, unchanged.
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
