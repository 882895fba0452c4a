// Package session keeps the per-user conversation state for the lifetime of
// the process: the active persona and a bounded suffix of that persona's
// transcript. The cache is rebuilt from the store on first touch and written
// back through a Persister after every completed exchange.
//
// Callers are expected to serialize work per user (the dispatcher holds a
// per-user lock for the whole message); the Manager itself only guards its
// map and the session values it hands out.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/persona-relay/internal/config"
	"github.com/tbourn/persona-relay/internal/domain"
)

// ErrNoSession is returned when a turn is appended for a user whose session
// was never loaded.
var ErrNoSession = errors.New("session not loaded")

// Store is the slice of the persistence layer the Manager needs.
type Store interface {
	LoadPersona(ctx context.Context, userID string) (domain.Persona, error)
	SavePersona(ctx context.Context, userID string, p domain.Persona) error
	LoadTranscript(ctx context.Context, userID string, p domain.Persona) ([]domain.Turn, int, error)
	SaveTranscriptTail(ctx context.Context, userID string, p domain.Persona, from int, turns []domain.Turn) error
	ArchiveTranscript(ctx context.Context, userID string, p domain.Persona) (*domain.TranscriptArchive, error)
}

// Session is a copy of one user's cached state.
//
// Turns is the cached suffix of the durable transcript and Base is the
// index of Turns[0] within it.
type Session struct {
	Persona domain.Persona
	Turns   []domain.Turn
	Base    int
}

func (s *Session) clone() Session {
	out := Session{Persona: s.Persona, Base: s.Base, Turns: make([]domain.Turn, len(s.Turns))}
	copy(out.Turns, s.Turns)
	return out
}

// Manager owns the session cache.
type Manager struct {
	store     Store
	history   *config.History
	persister *Persister

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager builds a Manager. A nil persister gets a default one.
func NewManager(store Store, history *config.History, persister *Persister) *Manager {
	if persister == nil {
		persister = NewPersister()
	}
	if history == nil {
		history = config.NewHistory(config.MinHistoryMessages)
	}
	return &Manager{
		store:     store,
		history:   history,
		persister: persister,
		sessions:  make(map[string]*Session),
	}
}

// Persister returns the background writer used for transcript saves.
func (m *Manager) Persister() *Persister { return m.persister }

// Key identifies one (user, persona) transcript.
func Key(userID string, p domain.Persona) string { return userID + "/" + p.String() }

// GetOrLoad returns the cached session, loading persona and transcript from
// the store on a miss. Read errors are returned and nothing is cached, so a
// later save can never overwrite history that failed to load.
func (m *Manager) GetOrLoad(ctx context.Context, userID string) (Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[userID]; ok {
		out := s.clone()
		m.mu.Unlock()
		return out, nil
	}
	m.mu.Unlock()

	p, err := m.store.LoadPersona(ctx, userID)
	if err != nil {
		return Session{}, fmt.Errorf("load persona: %w", err)
	}
	if err := m.persister.Wait(ctx, Key(userID, p)); err != nil {
		return Session{}, err
	}
	turns, base, err := m.store.LoadTranscript(ctx, userID, p)
	if err != nil {
		return Session{}, fmt.Errorf("load transcript: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[userID]; ok {
		return s.clone(), nil
	}
	s := &Session{Persona: p, Turns: turns, Base: base}
	m.sessions[userID] = s
	return s.clone(), nil
}

// Reload drops any cached state for userID and loads it again.
func (m *Manager) Reload(ctx context.Context, userID string) (Session, error) {
	m.Evict(userID)
	return m.GetOrLoad(ctx, userID)
}

// Evict removes userID from the cache.
func (m *Manager) Evict(userID string) {
	m.mu.Lock()
	delete(m.sessions, userID)
	m.mu.Unlock()
}

// SwitchPersona makes p the user's active persona and loads p's own
// transcript; nothing is carried over from the previous persona. It returns
// the previous persona and the freshly loaded turns. A failure to record the
// choice is logged and does not stop the switch.
func (m *Manager) SwitchPersona(ctx context.Context, userID string, p domain.Persona) (domain.Persona, []domain.Turn, error) {
	if !p.Valid() {
		return 0, nil, &domain.UnknownPersonaError{ID: p.String()}
	}
	cur, err := m.GetOrLoad(ctx, userID)
	if err != nil {
		return 0, nil, err
	}
	if err := m.persister.Wait(ctx, Key(userID, p)); err != nil {
		return 0, nil, err
	}
	if err := m.store.SavePersona(ctx, userID, p); err != nil {
		log.Error().Err(err).Str("user_id", userID).Str("persona", p.String()).Msg("save persona failed")
	}
	turns, base, err := m.store.LoadTranscript(ctx, userID, p)
	if err != nil {
		return 0, nil, fmt.Errorf("load transcript: %w", err)
	}

	m.mu.Lock()
	m.sessions[userID] = &Session{Persona: p, Turns: turns, Base: base}
	m.mu.Unlock()

	out := make([]domain.Turn, len(turns))
	copy(out, turns)
	return cur.Persona, out, nil
}

// AppendUserTurn appends a user turn to the cached transcript.
func (m *Manager) AppendUserTurn(userID, content string) error {
	return m.appendTurn(userID, domain.Turn{Role: domain.RoleUser, Content: content})
}

// AppendAssistantTurn appends an assistant turn to the cached transcript.
func (m *Manager) AppendAssistantTurn(userID, content string) error {
	return m.appendTurn(userID, domain.Turn{Role: domain.RoleAssistant, Content: content})
}

func (m *Manager) appendTurn(userID string, t domain.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		return ErrNoSession
	}
	s.Turns = append(s.Turns, t)
	return nil
}

// Persist schedules a background save of the cached suffix and then trims
// the cache to the current history window. The save replaces the durable
// document from Base onward, so turns trimmed from the cache stay on disk.
func (m *Manager) Persist(ctx context.Context, userID string) error {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if !ok {
		m.mu.Unlock()
		return ErrNoSession
	}
	snap := s.clone()
	if limit := m.history.TurnLimit(); len(s.Turns) > limit {
		drop := len(s.Turns) - limit
		kept := make([]domain.Turn, limit)
		copy(kept, s.Turns[drop:])
		s.Turns = kept
		s.Base += drop
	}
	m.mu.Unlock()

	m.persister.Go(ctx, Key(userID, snap.Persona), func(ctx context.Context) error {
		return m.store.SaveTranscriptTail(ctx, userID, snap.Persona, snap.Base, snap.Turns)
	})
	return nil
}

// Reset archives the user's transcript under every persona, then empties
// the cache and returns the user to the default persona. If any archive
// step fails the cache is left untouched and the error returned; archives
// that already succeeded stay archived.
func (m *Manager) Reset(ctx context.Context, userID string) error {
	for _, p := range domain.Personas() {
		if err := m.persister.Wait(ctx, Key(userID, p)); err != nil {
			return err
		}
		if _, err := m.store.ArchiveTranscript(ctx, userID, p); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.sessions[userID] = &Session{Persona: domain.DefaultPersona, Turns: []domain.Turn{}}
	m.mu.Unlock()

	if err := m.store.SavePersona(ctx, userID, domain.DefaultPersona); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("save default persona after reset failed")
	}
	return nil
}

// Snapshot returns a copy of the cached session, if any.
func (m *Manager) Snapshot(userID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// Len returns the number of cached sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
