// Package repo is the relay's persistence layer: allowlist, persona
// selections, live transcripts and their archives, all in one SQLite file
// behind GORM.
package repo

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/persona-relay/internal/domain"
)

// Connection pragmas. They go in the DSN so the driver applies them to
// every pooled connection, not just the first one.
var pragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
	"busy_timeout(5000)",
}

const (
	maxOpenConns    = 4
	slowQueryThresh = 500 * time.Millisecond
)

// OpenSQLite opens (or creates) the database file at path. The parent
// directory must already exist.
func OpenSQLite(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn(path)), &gorm.Config{
		Logger: logger.New(gormLog{}, logger.Config{
			SlowThreshold:             slowQueryThresh,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxOpenConns)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	// sql.Open is lazy; surface a bad path here rather than on first query.
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func dsn(path string) string {
	q := url.Values{"_pragma": pragmas}
	return path + "?" + q.Encode()
}

// Ping checks that the database still answers. It backs the readiness probe.
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	return nil
}

// AutoMigrate creates or updates every table the store owns.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.AllowedUser{},
		&domain.PersonaSelection{},
		&domain.Transcript{},
		&domain.TranscriptArchive{},
	)
}

// gormLog routes GORM's slow-query and error lines into zerolog.
type gormLog struct{}

func (gormLog) Printf(format string, args ...any) {
	log.Warn().Str("component", "gorm").Msgf(format, args...)
}
