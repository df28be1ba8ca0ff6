package session

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/sqlchat/sqlchat/internal/observability"
	"github.com/sqlchat/sqlchat/internal/query"
)

type ManagerConfig struct {
	TTL             time.Duration
	CleanupInterval time.Duration
	Logger          *slog.Logger
	// OnCreated and OnClosed run after the built-in bookkeeping.
	OnCreated func(*Session)
	OnClosed  func(*Session)
}

// Manager owns session lifecycles. Sessions expire after TTL without use;
// expiry, deletion and shutdown all close the session's data source.
type Manager struct {
	cache     *cache.Cache
	logger    *slog.Logger
	onCreated func(*Session)
	onClosed  func(*Session)
}

func NewManager(cfg ManagerConfig) *Manager {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := &Manager{
		cache:     cache.New(ttl, cfg.CleanupInterval),
		logger:    logger,
		onCreated: cfg.OnCreated,
		onClosed:  cfg.OnClosed,
	}
	m.cache.OnEvicted(m.evicted)
	return m
}

func (m *Manager) Create(ctx context.Context, tenant string, source query.Source, db query.Database, schema query.Schema) *Session {
	s := newSession(tenant, source, db, schema)
	m.cache.SetDefault(s.ID, s)
	observability.SessionOpened()
	m.logger.InfoContext(ctx, "session created",
		slog.String("session_id", s.ID),
		slog.String("tenant_id", tenant),
		slog.String("format", string(source.Format)),
		slog.Int("tables", len(schema.Tables)),
	)
	if m.onCreated != nil {
		m.onCreated(s)
	}
	return s
}

// Get returns the tenant's session and extends its lifetime. Sessions of
// other tenants are reported as not found.
func (m *Manager) Get(tenant, id string) (*Session, error) {
	value, ok := m.cache.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	s := value.(*Session)
	if s.Tenant != tenant {
		return nil, ErrNotFound
	}
	if s.isClosed() {
		m.cache.Delete(id)
		return nil, ErrNotFound
	}
	// Replace only refreshes an entry that is still present, so a session
	// evicted since the lookup is not reinserted.
	if err := m.cache.Replace(id, s, cache.DefaultExpiration); err != nil {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *Manager) Delete(tenant, id string) error {
	if _, err := m.Get(tenant, id); err != nil {
		return err
	}
	m.cache.Delete(id)
	return nil
}

// SourcePaths lists the local files behind live sessions.
func (m *Manager) SourcePaths() []string {
	items := m.cache.Items()
	paths := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.Object.(*Session)
		if !ok {
			continue
		}
		active, err := s.Active()
		if err != nil || active.Source.Path == "" {
			continue
		}
		paths = append(paths, active.Source.Path)
	}
	return paths
}

func (m *Manager) Count() int {
	return m.cache.ItemCount()
}

// Close ends every live session.
func (m *Manager) Close() {
	m.cache.DeleteExpired()
	for id := range m.cache.Items() {
		m.cache.Delete(id)
	}
}

func (m *Manager) evicted(id string, value any) {
	s, ok := value.(*Session)
	if !ok {
		return
	}
	if err := s.Close(); err != nil {
		m.logger.Warn("session close failed", slog.String("session_id", id), slog.Any("error", err))
	}
	observability.SessionClosed()
	m.logger.Info("session closed", slog.String("session_id", id), slog.Int("turns", len(s.Turns())))
	if m.onClosed != nil {
		m.onClosed(s)
	}
}
