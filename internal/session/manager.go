package session

import (
	"context"
	"sync"
	"time"

	"github.com/dmorgan81/fluxstudio/internal/log"
	"github.com/dmorgan81/fluxstudio/internal/metrics"
	"github.com/google/uuid"
	"github.com/samber/do"
	"github.com/samber/lo"
)

const DefaultTTL = 2 * time.Hour

// Manager hands out sessions by id. Sessions idle for longer than the TTL are
// dropped along with their history.
type Manager struct {
	ttl     time.Duration
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(ttl time.Duration, m *metrics.Metrics) *Manager {
	return &Manager{
		ttl:      lo.Ternary(ttl > 0, ttl, DefaultTTL),
		metrics:  m,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

func NewInjectedManager(i *do.Injector) (*Manager, error) {
	return NewManager(do.MustInvokeNamed[time.Duration](i, "session_ttl"), do.MustInvoke[*metrics.Metrics](i)), nil
}

// Get returns the live session for id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	now := m.now()
	if m.expired(s, now) {
		m.drop(id)
		return nil, false
	}
	s.touch(now)
	return s, true
}

// Create starts a session with an empty history.
func (m *Manager) Create(ctx context.Context) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweep(ctx, now)
	s := newSession(uuid.NewString(), now)
	m.sessions[s.ID] = s
	m.metrics.SetSessions(len(m.sessions))
	log.FromContextOrDiscard(ctx).Info("session started", "session", s.ID)
	return s
}

// Reset discards the session for id, history included.
func (m *Manager) Reset(ctx context.Context, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		m.drop(id)
		log.FromContextOrDiscard(ctx).Info("session reset", "session", id)
	}
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) sweep(ctx context.Context, now time.Time) {
	for id, s := range m.sessions {
		if m.expired(s, now) {
			m.drop(id)
			log.FromContextOrDiscard(ctx).Debug("session expired", "session", id)
		}
	}
}

func (m *Manager) expired(s *Session, now time.Time) bool {
	return s.State() == Idle && now.Sub(s.lastSeen()) > m.ttl
}

func (m *Manager) drop(id string) {
	delete(m.sessions, id)
	m.metrics.SetSessions(len(m.sessions))
}
