package registry

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lk2023060901/flock/pkg/idgen"
	"github.com/lk2023060901/flock/pkg/logger"
)

type memEntry struct {
	id           string
	address      string
	hostname     string
	registeredAt time.Time
	// lastActivity UnixNano，只通过 CAS 增大
	lastActivity atomic.Int64
}

func (e *memEntry) session() Session {
	return Session{
		ID:           e.id,
		Address:      e.address,
		Hostname:     e.hostname,
		RegisteredAt: e.registeredAt,
		LastActivity: time.Unix(0, e.lastActivity.Load()),
	}
}

func (e *memEntry) bump(now time.Time) {
	n := now.UnixNano()
	for {
		cur := e.lastActivity.Load()
		if n <= cur || e.lastActivity.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Memory 进程内会话表。成员变化持写锁，Touch 只持读锁
type Memory struct {
	cfg    *Config
	ids    idgen.Generator
	now    func() time.Time
	logger logger.Logger

	mu       sync.RWMutex
	sessions map[string]*memEntry
	perAddr  map[string]int
}

var _ Registry = (*Memory)(nil)

// NewMemory 创建内存会话表
func NewMemory(cfg *Config, ids idgen.Generator, l logger.Logger, opts ...Option) *Memory {
	o := buildOptions(opts)
	return &Memory{
		cfg:      cfg,
		ids:      ids,
		now:      o.now,
		logger:   logger.OrNoop(l).Named("registry.memory"),
		sessions: make(map[string]*memEntry),
		perAddr:  make(map[string]int),
	}
}

func (m *Memory) IdleThreshold() time.Duration { return m.cfg.IdleThreshold }

func (m *Memory) Register(ctx context.Context, address, hostname string) (Session, error) {
	id, err := idgen.NextString(m.ids)
	if err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		return Session{}, ErrSessionLimit
	}
	if m.cfg.MaxSessionsPerAddress > 0 && m.perAddr[address] >= m.cfg.MaxSessionsPerAddress {
		return Session{}, ErrSessionLimit
	}

	now := m.now()
	e := &memEntry{id: id, address: address, hostname: hostname, registeredAt: now}
	e.lastActivity.Store(now.UnixNano())
	m.sessions[id] = e
	m.perAddr[address]++

	return e.session(), nil
}

func (m *Memory) Touch(ctx context.Context, id, address string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if !m.cfg.SkipAddressCheck && e.address != address {
		return ErrAddressMismatch
	}
	e.bump(m.now())
	return nil
}

func (m *Memory) Remove(ctx context.Context, id, address string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if !m.cfg.SkipAddressCheck && e.address != address {
		return Session{}, ErrAddressMismatch
	}
	m.removeLocked(e)
	return e.session(), nil
}

func (m *Memory) removeLocked(e *memEntry) {
	delete(m.sessions, e.id)
	if m.perAddr[e.address] <= 1 {
		delete(m.perAddr, e.address)
	} else {
		m.perAddr[e.address]--
	}
}

func (m *Memory) Get(ctx context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return e.session(), nil
}

func (m *Memory) ListActive(ctx context.Context) ([]Entry, error) {
	now := m.now()

	m.mu.RLock()
	out := make([]Entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, entryFor(e.session(), now, m.cfg.IdleThreshold))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].RegisteredAt.Before(out[j].RegisteredAt) ||
			(out[i].RegisteredAt.Equal(out[j].RegisteredAt) && out[i].ID < out[j].ID)
	})
	return out, nil
}

func (m *Memory) Sweep(ctx context.Context, now time.Time) ([]Session, error) {
	cutoff := now.Add(-m.cfg.IdleThreshold).UnixNano()

	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []Session
	for _, e := range m.sessions {
		if e.lastActivity.Load() < cutoff {
			m.removeLocked(e)
			removed = append(removed, e.session())
		}
	}
	if len(removed) > 0 {
		m.logger.Info("swept idle sessions", "count", len(removed), "remaining", len(m.sessions))
	}
	return removed, nil
}

func (m *Memory) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions), nil
}
