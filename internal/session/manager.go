package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/avatarlab/avachat/internal/history"
	"github.com/avatarlab/avachat/internal/observability"
	"github.com/avatarlab/avachat/internal/pipeline"
)

var (
	ErrNotFound = errors.New("session not found")
	// ErrCapacityExceeded means the server is at its concurrent session
	// limit; the client should retry later.
	ErrCapacityExceeded = errors.New("session capacity exceeded")
)

// PipelineFactory builds a fresh pipeline for each session so sessions never
// share stage state.
type PipelineFactory func() (*pipeline.Pipeline, error)

// Info is the externally visible session snapshot.
type Info struct {
	SessionID      string    `json:"session_id"`
	State          State     `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	TurnsProcessed int       `json:"turns_processed"`
}

type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	capacity          int
	inactivityTimeout time.Duration
	closeGrace        time.Duration
	defaults          pipeline.Options

	factory PipelineFactory
	hist    history.Store
	logger  *zap.Logger
	metrics *observability.Metrics
}

type ManagerConfig struct {
	Capacity          int
	InactivityTimeout time.Duration
	// CloseGrace is how long session teardown waits for an in-flight turn
	// before force-cancelling it.
	CloseGrace time.Duration
	Defaults   pipeline.Options
}

func NewManager(cfg ManagerConfig, factory PipelineFactory, hist history.Store, logger *zap.Logger, metrics *observability.Metrics) *Manager {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 100
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 5 * time.Minute
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = defaultCloseGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		capacity:          cfg.Capacity,
		inactivityTimeout: cfg.InactivityTimeout,
		closeGrace:        cfg.CloseGrace,
		defaults:          cfg.Defaults,
		factory:           factory,
		hist:              hist,
		logger:            logger,
		metrics:           metrics,
	}
}

// Create builds and starts a new session, rejecting when at capacity.
func (m *Manager) Create() (*Session, error) {
	m.mu.Lock()
	if len(m.sessions) >= m.capacity {
		m.mu.Unlock()
		return nil, ErrCapacityExceeded
	}
	m.mu.Unlock()

	pipe, err := m.factory()
	if err != nil {
		return nil, err
	}
	s := New(pipe, m.hist, m.defaults, m.logger)
	s.closeGrace = m.closeGrace

	m.mu.Lock()
	if len(m.sessions) >= m.capacity {
		m.mu.Unlock()
		return nil, ErrCapacityExceeded
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	s.Start()
	m.logger.Info("session created", zap.String("session_id", s.ID))
	if m.metrics != nil {
		m.metrics.ActiveSessions.Inc()
		m.metrics.SessionEvents.WithLabelValues("created").Inc()
	}
	return s, nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Close shuts a session down and removes it. Closing an unknown session
// returns ErrNotFound; closing twice does not.
func (m *Manager) Close(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	m.shutdown(s, "closed")
	return nil
}

func (m *Manager) shutdown(s *Session, event string) {
	s.Close()
	if err := m.hist.Purge(context.Background(), s.ID); err != nil {
		m.logger.Warn("history purge failed", zap.String("session_id", s.ID), zap.Error(err))
	}
	m.logger.Info("session ended", zap.String("session_id", s.ID), zap.String("reason", event))
	if m.metrics != nil {
		m.metrics.ActiveSessions.Dec()
		m.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

// CloseAll tears down every session, used during server shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		m.shutdown(s, "closed")
	}
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// List snapshots every live session for the management API.
func (m *Manager) List() []Info {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(all))
	for _, s := range all {
		out = append(out, InfoOf(s))
	}
	return out
}

func InfoOf(s *Session) Info {
	return Info{
		SessionID:      s.ID,
		State:          s.State(),
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt(),
		TurnsProcessed: s.TurnsProcessed(),
	}
}

// StartJanitor periodically expires sessions idle past the inactivity
// timeout. It stops when ctx is cancelled.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	// Sessions past the timeout are expired regardless of state; a turn
	// hung on a stalled stage is force-cancelled by Close after the grace
	// period rather than pinning the session forever.
	m.mu.Lock()
	for id, s := range m.sessions {
		if now.Sub(s.LastActivityAt()) < m.inactivityTimeout {
			continue
		}
		delete(m.sessions, id)
		expired = append(expired, s)
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.shutdown(s, "expired")
	}
}
