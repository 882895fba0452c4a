package repo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/persona-relay/internal/config"
	"github.com/tbourn/persona-relay/internal/domain"
)

// Store is the persistence contract used by the session and dispatch layers.
// It speaks in domain types (Persona, Turn) on top of the table-level
// functions in this package, reads the history window from a shared
// config.History, and funnels every write through one mutex.
type Store struct {
	DB      *gorm.DB
	History *config.History
	Now     func() time.Time

	// SQLite has a single writer; read-then-write transactions that race
	// another writer fail with SQLITE_BUSY instead of waiting.
	writeMu sync.Mutex
}

// NewStore wires a Store around db. A nil history falls back to one exchange.
func NewStore(db *gorm.DB, history *config.History) *Store {
	if history == nil {
		history = config.NewHistory(config.MinHistoryMessages)
	}
	return &Store{DB: db, History: history, Now: time.Now}
}

func (s *Store) tracer() trace.Tracer { return otel.Tracer("repo/Store") }

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// IsAuthenticated reports allow-list membership.
func (s *Store) IsAuthenticated(ctx context.Context, userID string) (bool, error) {
	return IsAuthenticated(ctx, s.DB, userID)
}

// Authenticate appends userID to the allow-list.
func (s *Store) Authenticate(ctx context.Context, userID string) error {
	ctx, span := s.tracer().Start(ctx, "Authenticate", trace.WithAttributes(attribute.String("user.id", userID)))
	s.writeMu.Lock()
	err := Authenticate(ctx, s.DB, userID)
	s.writeMu.Unlock()
	endSpan(span, err)
	return err
}

// SavePersona records the user's active persona.
func (s *Store) SavePersona(ctx context.Context, userID string, p domain.Persona) error {
	if !p.Valid() {
		return &domain.UnknownPersonaError{ID: p.String()}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return SavePersona(ctx, s.DB, userID, p.String())
}

// LoadPersona returns the user's active persona. Users who never switched,
// and stored ids that no longer parse, get the default persona.
func (s *Store) LoadPersona(ctx context.Context, userID string) (domain.Persona, error) {
	id, err := LoadPersona(ctx, s.DB, userID)
	if err != nil {
		return domain.DefaultPersona, err
	}
	if id == "" {
		return domain.DefaultPersona, nil
	}
	p, perr := domain.ParsePersona(id)
	if perr != nil {
		log.Warn().Str("user_id", userID).Str("persona", id).Msg("stored persona unknown; using default")
		return domain.DefaultPersona, nil
	}
	return p, nil
}

// SaveTranscript overwrites the (user, persona) document with turns.
func (s *Store) SaveTranscript(ctx context.Context, userID string, p domain.Persona, turns []domain.Turn) error {
	return s.SaveTranscriptTail(ctx, userID, p, 0, turns)
}

// SaveTranscriptTail replaces the document from offset `from` onward.
func (s *Store) SaveTranscriptTail(ctx context.Context, userID string, p domain.Persona, from int, turns []domain.Turn) error {
	ctx, span := s.tracer().Start(ctx, "SaveTranscript", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("persona", p.String()),
		attribute.Int("from", from),
		attribute.Int("turns", len(turns)),
	))
	s.writeMu.Lock()
	err := SaveTranscriptTail(ctx, s.DB, userID, p.String(), from, turns)
	s.writeMu.Unlock()
	endSpan(span, err)
	return err
}

// LoadTranscript returns the last 2*N turns for (user, persona), N being the
// current history window, and the offset of the first returned turn.
func (s *Store) LoadTranscript(ctx context.Context, userID string, p domain.Persona) ([]domain.Turn, int, error) {
	return LoadTranscript(ctx, s.DB, userID, p.String(), s.History.TurnLimit())
}

// ArchiveTranscript moves the live (user, persona) document aside. It is a
// no-op, returning nil, when there is no document.
func (s *Store) ArchiveTranscript(ctx context.Context, userID string, p domain.Persona) (*domain.TranscriptArchive, error) {
	ctx, span := s.tracer().Start(ctx, "ArchiveTranscript", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("persona", p.String()),
	))
	s.writeMu.Lock()
	a, err := ArchiveTranscript(ctx, s.DB, userID, p.String(), s.now())
	s.writeMu.Unlock()
	if err != nil {
		err = fmt.Errorf("archive %s: %w", p, err)
	}
	endSpan(span, err)
	return a, err
}

// IsNewUser reports whether the user has no transcript under any persona.
func (s *Store) IsNewUser(ctx context.Context, userID string) (bool, error) {
	return IsNewUser(ctx, s.DB, userID)
}

// ListArchives returns a page of the user's archives and the total count.
func (s *Store) ListArchives(ctx context.Context, userID string, offset, limit int) ([]domain.TranscriptArchive, int64, error) {
	total, err := CountArchives(ctx, s.DB, userID)
	if err != nil {
		return nil, 0, err
	}
	items, err := ListArchivesPage(ctx, s.DB, userID, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// GetArchive returns one archive, with turns, owned by userID.
func (s *Store) GetArchive(ctx context.Context, userID, id string) (*domain.TranscriptArchive, error) {
	return GetArchive(ctx, s.DB, id, userID)
}

// ArchivesWithTurns returns the newest limit archives of userID with turns.
func (s *Store) ArchivesWithTurns(ctx context.Context, userID string, limit int) ([]domain.TranscriptArchive, error) {
	return ArchivesWithTurns(ctx, s.DB, userID, limit)
}

// ArchivesStats returns the archive count and newest archive time for userID.
func (s *Store) ArchivesStats(ctx context.Context, userID string) (int64, *time.Time, error) {
	return ArchivesStats(ctx, s.DB, userID)
}
