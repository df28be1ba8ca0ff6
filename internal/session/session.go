package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sqlchat/sqlchat/internal/query"
)

var (
	ErrNotFound = errors.New("session: not found")
	ErrClosed   = errors.New("session: closed")
)

// Turn is one answered question. Turns are appended once and never mutated.
type Turn struct {
	ID        string    `json:"id"`
	Question  string    `json:"question"`
	SQL       string    `json:"sql"`
	Columns   []string  `json:"columns"`
	Rows      [][]any   `json:"rows"`
	Truncated bool      `json:"truncated"`
	Answer    string    `json:"answer"`
	FollowUps []string  `json:"follow_ups"`
	Table     string    `json:"table"`
	Fallback  bool      `json:"fallback"`
	SourceID  string    `json:"source_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Active is the data source a session currently talks to.
type Active struct {
	SourceID string
	Source   query.Source
	DB       query.Database
	Schema   query.Schema
}

type Info struct {
	ID         string    `json:"session_id"`
	Tenant     string    `json:"tenant_id"`
	SourceID   string    `json:"source_id"`
	SourceName string    `json:"source_name"`
	Format     string    `json:"format"`
	Kind       string    `json:"kind"`
	Dialect    string    `json:"dialect"`
	Turns      int       `json:"turns"`
	CreatedAt  time.Time `json:"created_at"`
}

// Session holds exactly one active data source and the turns asked against it.
type Session struct {
	ID        string
	Tenant    string
	CreatedAt time.Time

	turnMu sync.Mutex

	mu     sync.RWMutex
	active Active
	turns  []Turn
	closed bool
}

func newSession(tenant string, source query.Source, db query.Database, schema query.Schema) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Tenant:    tenant,
		CreatedAt: time.Now().UTC(),
		active: Active{
			SourceID: uuid.NewString(),
			Source:   source,
			DB:       db,
			Schema:   schema,
		},
	}
}

// BeginTurn serializes turns on the session. The returned func releases it.
func (s *Session) BeginTurn() func() {
	s.turnMu.Lock()
	return s.turnMu.Unlock
}

func (s *Session) Active() (Active, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Active{}, ErrClosed
	}
	return s.active, nil
}

// History returns the turns asked against the given source, oldest first.
func (s *Session) History(sourceID string) []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, 0, len(s.turns))
	for _, turn := range s.turns {
		if turn.SourceID == sourceID {
			out = append(out, turn)
		}
	}
	return out
}

func (s *Session) Turns() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// AppendTurn records a turn unless the source it ran against was replaced or
// the session was closed while it was in flight.
func (s *Session) AppendTurn(turn Turn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || turn.SourceID != s.active.SourceID {
		return false
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	s.turns = append(s.turns, turn)
	return true
}

// Replace swaps the data source and closes the previous database. Earlier
// turns stay in the log but no longer feed prompt history.
func (s *Session) Replace(source query.Source, db query.Database, schema query.Schema) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	previous := s.active.DB
	s.active = Active{
		SourceID: uuid.NewString(),
		Source:   source,
		DB:       db,
		Schema:   schema,
	}
	s.mu.Unlock()

	if previous != nil {
		if err := previous.Close(); err != nil {
			return fmt.Errorf("close previous source: %w", err)
		}
	}
	return nil
}

func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		ID:         s.ID,
		Tenant:     s.Tenant,
		SourceID:   s.active.SourceID,
		SourceName: s.active.Source.Name,
		Format:     string(s.active.Source.Format),
		Kind:       string(s.active.Source.Kind()),
		Dialect:    s.active.Schema.Dialect,
		Turns:      len(s.turns),
		CreatedAt:  s.CreatedAt,
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases the data source. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	db := s.active.DB
	s.active.DB = nil
	s.mu.Unlock()

	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("close source: %w", err)
	}
	return nil
}
