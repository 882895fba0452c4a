package repo

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tbourn/persona-relay/internal/domain"
)

func TestOpenSQLite_ErrorOnMissingDir(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "does-not-exist", "relay.db")

	db, err := OpenSQLite(bad)
	if err == nil || db != nil {
		t.Fatalf("expected error opening %q, got db=%v err=%v", bad, db, err)
	}
	if !os.IsNotExist(err) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestOpenSQLite_PragmasOnEveryConnection(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	if got := sqlDB.Stats().MaxOpenConnections; got != maxOpenConns {
		t.Fatalf("MaxOpenConnections = %d, want %d", got, maxOpenConns)
	}

	// Hold two connections at once so the pool cannot hand back the same one.
	ctx := context.Background()
	c1, err := sqlDB.Conn(ctx)
	if err != nil {
		t.Fatalf("conn 1: %v", err)
	}
	defer c1.Close()
	c2, err := sqlDB.Conn(ctx)
	if err != nil {
		t.Fatalf("conn 2: %v", err)
	}
	defer c2.Close()

	for n, conn := range map[string]*sql.Conn{"first": c1, "second": c2} {
		var mode string
		var busy, fk, sync int
		if err := conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
			t.Fatalf("%s journal_mode: %v", n, err)
		}
		if err := conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busy); err != nil {
			t.Fatalf("%s busy_timeout: %v", n, err)
		}
		if err := conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
			t.Fatalf("%s foreign_keys: %v", n, err)
		}
		if err := conn.QueryRowContext(ctx, "PRAGMA synchronous").Scan(&sync); err != nil {
			t.Fatalf("%s synchronous: %v", n, err)
		}
		if strings.ToLower(mode) != "wal" || busy != 5000 || fk != 1 || sync != 1 {
			t.Fatalf("%s connection: journal=%s busy=%d fk=%d sync=%d", n, mode, busy, fk, sync)
		}
	}
}

func TestAutoMigrateAndPing(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	m := db.Migrator()
	for _, tbl := range []any{&domain.AllowedUser{}, &domain.PersonaSelection{}, &domain.Transcript{}, &domain.TranscriptArchive{}} {
		if !m.HasTable(tbl) {
			t.Fatalf("expected table for %T to exist", tbl)
		}
	}

	ctx := context.Background()
	if err := SaveTranscript(ctx, db, "u1", "mentor", []domain.Turn{{Role: domain.RoleUser, Content: "hi"}}); err != nil {
		t.Fatalf("save transcript: %v", err)
	}
	got, _, err := LoadTranscript(ctx, db, "u1", "mentor", 0)
	if err != nil || len(got) != 1 || got[0].Content != "hi" {
		t.Fatalf("readback transcript failed: err=%v got=%+v", err, got)
	}

	if err := Ping(ctx, db); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	_ = sqlDB.Close()
	if err := Ping(ctx, db); err == nil {
		t.Fatalf("Ping on closed db succeeded")
	}
}
