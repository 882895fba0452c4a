package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/persona-relay/internal/config"
	"github.com/tbourn/persona-relay/internal/domain"
)

// newFileDB gives each test its own on-disk database; used where several
// goroutines write at once.
func newFileDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("repo_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// Ensure the file handle is released before TempDir cleanup (Windows needs this).
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func turnsN(n int) []domain.Turn {
	out := make([]domain.Turn, n)
	for i := range out {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		out[i] = domain.Turn{Role: role, Content: fmt.Sprintf("t%d", i)}
	}
	return out
}

// --- allow-list ---

func TestAuthenticate_MonotonicAndIdempotent(t *testing.T) {
	db := newTestDB(t, &domain.AllowedUser{})
	ctx := context.Background()

	ok, err := IsAuthenticated(ctx, db, "42")
	if err != nil || ok {
		t.Fatalf("expected unauthenticated before Authenticate, got %v %v", ok, err)
	}
	for i := 0; i < 3; i++ {
		if err := Authenticate(ctx, db, "42"); err != nil {
			t.Fatalf("Authenticate #%d: %v", i, err)
		}
		if ok, err := IsAuthenticated(ctx, db, "42"); err != nil || !ok {
			t.Fatalf("expected authenticated after #%d, got %v %v", i, ok, err)
		}
	}
	if ok, _ := IsAuthenticated(ctx, db, "4"); ok {
		t.Fatalf("membership must match the exact id")
	}
	if n, err := CountAllowedUsers(ctx, db); err != nil || n != 1 {
		t.Fatalf("expected 1 distinct user, got %d %v", n, err)
	}
}

func TestIsAuthenticated_Error_NoTable(t *testing.T) {
	db := newTestDB(t)
	if _, err := IsAuthenticated(context.Background(), db, "u1"); err == nil {
		t.Fatalf("expected error without allow-list table")
	}
}

// --- persona ---

func TestPersona_UpsertAndMissing(t *testing.T) {
	db := newTestDB(t, &domain.PersonaSelection{})
	ctx := context.Background()

	if id, err := LoadPersona(ctx, db, "u1"); err != nil || id != "" {
		t.Fatalf("expected empty id for unknown user, got %q %v", id, err)
	}
	if err := SavePersona(ctx, db, "u1", "mentor"); err != nil {
		t.Fatalf("SavePersona: %v", err)
	}
	if err := SavePersona(ctx, db, "u1", "coach"); err != nil {
		t.Fatalf("SavePersona overwrite: %v", err)
	}
	if id, err := LoadPersona(ctx, db, "u1"); err != nil || id != "coach" {
		t.Fatalf("expected coach, got %q %v", id, err)
	}
	var n int64
	db.Model(&domain.PersonaSelection{}).Count(&n)
	if n != 1 {
		t.Fatalf("expected one selection row, got %d", n)
	}
}

// --- transcripts ---

func TestLoadTranscript_MissingIsEmpty(t *testing.T) {
	db := newTestDB(t, &domain.Transcript{})
	got, base, err := LoadTranscript(context.Background(), db, "u1", "mentor", 2)
	if err != nil || len(got) != 0 || base != 0 {
		t.Fatalf("expected empty transcript, got %v base=%d err=%v", got, base, err)
	}
	if got == nil {
		t.Fatalf("expected non-nil empty slice")
	}
}

func TestLoadTranscript_ReturnsLastLimitTurns(t *testing.T) {
	db := newTestDB(t, &domain.Transcript{})
	ctx := context.Background()

	cases := []struct {
		stored, limit, want, base int
	}{
		{0, 2, 0, 0},
		{1, 2, 1, 0},
		{2, 2, 2, 0},
		{7, 2, 2, 5},
		{7, 6, 6, 1},
		{7, 0, 7, 0},
	}
	for _, tc := range cases {
		all := turnsN(tc.stored)
		if err := SaveTranscript(ctx, db, "u1", "mentor", all); err != nil {
			t.Fatalf("save: %v", err)
		}
		got, base, err := LoadTranscript(ctx, db, "u1", "mentor", tc.limit)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if len(got) != tc.want || base != tc.base {
			t.Fatalf("stored=%d limit=%d: got len=%d base=%d; want len=%d base=%d", tc.stored, tc.limit, len(got), base, tc.want, tc.base)
		}
		for i := range got {
			if got[i] != all[base+i] {
				t.Fatalf("turn %d mismatch: %+v vs %+v", i, got[i], all[base+i])
			}
		}
	}
}

func TestSaveTranscript_DocumentShape(t *testing.T) {
	db := newTestDB(t, &domain.Transcript{})
	ctx := context.Background()
	if err := SaveTranscript(ctx, db, "u1", "coach", []domain.Turn{{Role: domain.RoleUser, Content: "hello"}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	var row domain.Transcript
	if err := db.First(&row, "user_id = ? AND persona = ?", "u1", "coach").Error; err != nil {
		t.Fatalf("readback: %v", err)
	}
	var raw []map[string]string
	if err := json.Unmarshal(row.Turns, &raw); err != nil {
		t.Fatalf("document is not a JSON array: %v", err)
	}
	if len(raw) != 1 || raw[0]["role"] != "user" || raw[0]["content"] != "hello" || row.Length != 1 {
		t.Fatalf("unexpected document %s (length %d)", row.Turns, row.Length)
	}

	// nil turns store an empty array, not null.
	if err := SaveTranscript(ctx, db, "u1", "coach", nil); err != nil {
		t.Fatalf("save nil: %v", err)
	}
	db.First(&row, "user_id = ? AND persona = ?", "u1", "coach")
	if string(row.Turns) != "[]" {
		t.Fatalf("expected [], got %s", row.Turns)
	}
}

func TestSaveTranscriptTail_KeepsPrefixAndIsIdempotent(t *testing.T) {
	db := newTestDB(t, &domain.Transcript{})
	ctx := context.Background()

	all := turnsN(6)
	if err := SaveTranscript(ctx, db, "u1", "mentor", all[:4]); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// Cached suffix starts at 2: [t2 t3] + new exchange.
	tail := append([]domain.Turn{}, all[2:]...)
	for i := 0; i < 2; i++ {
		if err := SaveTranscriptTail(ctx, db, "u1", "mentor", 2, tail); err != nil {
			t.Fatalf("tail save #%d: %v", i, err)
		}
	}
	got, _, err := LoadTranscript(ctx, db, "u1", "mentor", 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 6 {
		t.Fatalf("expected 6 turns, got %d: %+v", len(got), got)
	}
	for i := range all {
		if got[i] != all[i] {
			t.Fatalf("turn %d: got %+v want %+v", i, got[i], all[i])
		}
	}

	// Offset beyond the document keeps what exists.
	if err := SaveTranscriptTail(ctx, db, "u2", "mentor", 10, all[:2]); err != nil {
		t.Fatalf("tail on missing doc: %v", err)
	}
	got, _, _ = LoadTranscript(ctx, db, "u2", "mentor", 0)
	if len(got) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(got))
	}
}

func TestLoadTranscript_CorruptDocument(t *testing.T) {
	db := newTestDB(t, &domain.Transcript{})
	row := &domain.Transcript{UserID: "u1", Persona: "mentor", Turns: datatypes.JSON(`{"not":"an array"}`), UpdatedAt: time.Now()}
	if err := db.Create(row).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, _, err := LoadTranscript(context.Background(), db, "u1", "mentor", 2); err == nil || !strings.Contains(err.Error(), "decode transcript") {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestIsNewUser(t *testing.T) {
	db := newTestDB(t, &domain.Transcript{})
	ctx := context.Background()
	if ok, err := IsNewUser(ctx, db, "u1"); err != nil || !ok {
		t.Fatalf("expected new user, got %v %v", ok, err)
	}
	if err := SaveTranscript(ctx, db, "u1", "sibling", turnsN(2)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if ok, _ := IsNewUser(ctx, db, "u1"); ok {
		t.Fatalf("user with a transcript under any persona is not new")
	}
	if ok, _ := IsNewUser(ctx, db, "u2"); !ok {
		t.Fatalf("other users stay new")
	}
}

// --- archives ---

func TestArchiveTranscript_MovesAndEmptiesLive(t *testing.T) {
	db := newTestDB(t, &domain.Transcript{}, &domain.TranscriptArchive{})
	ctx := context.Background()
	at := time.Date(2025, 6, 7, 8, 9, 10, 0, time.UTC)

	// No document: no-op.
	if a, err := ArchiveTranscript(ctx, db, "u1", "mentor", at); err != nil || a != nil {
		t.Fatalf("expected no-op, got %v %v", a, err)
	}

	orig := turnsN(4)
	if err := SaveTranscript(ctx, db, "u1", "mentor", orig); err != nil {
		t.Fatalf("save: %v", err)
	}
	a, err := ArchiveTranscript(ctx, db, "u1", "mentor", at)
	if err != nil || a == nil {
		t.Fatalf("archive: %v %v", a, err)
	}
	if !strings.HasPrefix(a.Name, "u1_mentor_history_20250607_080910_") || a.Length != 4 {
		t.Fatalf("unexpected archive %+v", a)
	}

	live, _, err := LoadTranscript(ctx, db, "u1", "mentor", 0)
	if err != nil || len(live) != 0 {
		t.Fatalf("expected empty live transcript, got %v %v", live, err)
	}

	got, err := GetArchive(ctx, db, a.ID, "u1")
	if err != nil {
		t.Fatalf("GetArchive: %v", err)
	}
	kept, err := decodeTurns(got.Turns)
	if err != nil || len(kept) != 4 || kept[3] != orig[3] {
		t.Fatalf("archived content changed: %v %v", kept, err)
	}
	if _, err := GetArchive(ctx, db, a.ID, "someone-else"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other owner, got %v", err)
	}
}

func TestArchiveTranscript_SameSecondNamesDiffer(t *testing.T) {
	db := newTestDB(t, &domain.Transcript{}, &domain.TranscriptArchive{})
	ctx := context.Background()
	at := time.Date(2025, 6, 7, 8, 9, 10, 0, time.UTC)

	names := map[string]bool{}
	for i := 0; i < 3; i++ {
		if err := SaveTranscript(ctx, db, "u1", "coach", turnsN(2)); err != nil {
			t.Fatalf("save: %v", err)
		}
		a, err := ArchiveTranscript(ctx, db, "u1", "coach", at)
		if err != nil {
			t.Fatalf("archive #%d: %v", i, err)
		}
		names[a.Name] = true
	}
	if len(names) != 3 {
		t.Fatalf("expected 3 distinct names, got %v", names)
	}
}

func TestListArchivesPage_OrderAndPagination(t *testing.T) {
	db := newTestDB(t, &domain.Transcript{}, &domain.TranscriptArchive{})
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		SaveTranscript(ctx, db, "u1", "mentor", turnsN(2))
		if _, err := ArchiveTranscript(ctx, db, "u1", "mentor", base.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("archive: %v", err)
		}
	}
	total, err := CountArchives(ctx, db, "u1")
	if err != nil || total != 5 {
		t.Fatalf("CountArchives: %d %v", total, err)
	}
	page, err := ListArchivesPage(ctx, db, "u1", 1, 2)
	if err != nil || len(page) != 2 {
		t.Fatalf("ListArchivesPage: %v %v", page, err)
	}
	if !page[0].ArchivedAt.Equal(base.Add(3*time.Hour)) || !page[1].ArchivedAt.Equal(base.Add(2*time.Hour)) {
		t.Fatalf("unexpected order: %v, %v", page[0].ArchivedAt, page[1].ArchivedAt)
	}
	if len(page[0].Turns) != 0 {
		t.Fatalf("list must not load turns")
	}

	full, err := ArchivesWithTurns(ctx, db, "u1", 2)
	if err != nil || len(full) != 2 {
		t.Fatalf("ArchivesWithTurns: %v %v", full, err)
	}
	if !full[0].ArchivedAt.Equal(base.Add(4*time.Hour)) || len(full[0].Turns) == 0 {
		t.Fatalf("newest archive without turns: %+v", full[0])
	}
}

// --- Store ---

func TestStore_LoadUsesHistoryWindow(t *testing.T) {
	db := newTestDB(t, &domain.Transcript{})
	h := config.NewHistory(1)
	s := NewStore(db, h)
	ctx := context.Background()

	if err := s.SaveTranscript(ctx, "u1", domain.PersonaMentor, turnsN(10)); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, base, err := s.LoadTranscript(ctx, "u1", domain.PersonaMentor)
	if err != nil || len(got) != 2 || base != 8 {
		t.Fatalf("N=1: got len=%d base=%d err=%v", len(got), base, err)
	}
	if err := h.SetMessagesCount(3); err != nil {
		t.Fatal(err)
	}
	got, base, _ = s.LoadTranscript(ctx, "u1", domain.PersonaMentor)
	if len(got) != 6 || base != 4 {
		t.Fatalf("N=3: got len=%d base=%d", len(got), base)
	}
}

func TestStore_PersonaDefaultsAndUnknown(t *testing.T) {
	db := newTestDB(t, &domain.PersonaSelection{})
	s := NewStore(db, nil)
	ctx := context.Background()

	if p, err := s.LoadPersona(ctx, "u1"); err != nil || p != domain.DefaultPersona {
		t.Fatalf("expected default persona, got %v %v", p, err)
	}
	if err := s.SavePersona(ctx, "u1", domain.PersonaSocraticTutor); err != nil {
		t.Fatalf("SavePersona: %v", err)
	}
	if p, _ := s.LoadPersona(ctx, "u1"); p != domain.PersonaSocraticTutor {
		t.Fatalf("expected socratic_tutor, got %v", p)
	}
	if err := s.SavePersona(ctx, "u1", domain.Persona(0)); err == nil {
		t.Fatalf("expected error saving an invalid persona")
	}

	// A retired id in storage falls back to the default.
	if err := SavePersona(ctx, db, "u2", "pirate"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if p, err := s.LoadPersona(ctx, "u2"); err != nil || p != domain.DefaultPersona {
		t.Fatalf("expected default for unknown stored id, got %v %v", p, err)
	}
}

func TestStore_ArchiveUsesClock(t *testing.T) {
	db := newTestDB(t, &domain.Transcript{}, &domain.TranscriptArchive{})
	s := NewStore(db, nil)
	s.Now = func() time.Time { return time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC) }
	ctx := context.Background()

	if err := s.SaveTranscript(ctx, "7", domain.PersonaCoach, turnsN(2)); err != nil {
		t.Fatalf("save: %v", err)
	}
	a, err := s.ArchiveTranscript(ctx, "7", domain.PersonaCoach)
	if err != nil || a == nil || !strings.HasPrefix(a.Name, "7_coach_history_20241231_235959_") {
		t.Fatalf("unexpected archive %+v err=%v", a, err)
	}
	items, total, err := s.ListArchives(ctx, "7", 0, 10)
	if err != nil || total != 1 || len(items) != 1 || items[0].ID != a.ID {
		t.Fatalf("ListArchives: %v %d %v", items, total, err)
	}
}

func TestStore_ConcurrentWritersDifferentKeys(t *testing.T) {
	db := newFileDB(t)
	s := NewStore(db, config.NewHistory(50))
	ctx := context.Background()

	personas := domain.Personas()
	var wg sync.WaitGroup
	for _, p := range personas {
		wg.Add(1)
		go func(p domain.Persona) {
			defer wg.Done()
			for n := 1; n <= 5; n++ {
				if err := s.SaveTranscript(ctx, "u1", p, turnsN(n*2)); err != nil {
					t.Errorf("save %v: %v", p, err)
					return
				}
			}
		}(p)
	}
	wg.Wait()

	for _, p := range personas {
		got, _, err := s.LoadTranscript(ctx, "u1", p)
		if err != nil || len(got) != 10 {
			t.Fatalf("%v: expected 10 turns, got %d (%v)", p, len(got), err)
		}
	}
}
