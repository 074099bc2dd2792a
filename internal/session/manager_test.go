package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/avatarlab/avachat/internal/history"
	"github.com/avatarlab/avachat/internal/pipeline"
)

func newTestManager(t *testing.T, cfg ManagerConfig) *Manager {
	t.Helper()
	factory := func() (*pipeline.Pipeline, error) {
		return mockPipeline(t), nil
	}
	m := NewManager(cfg, factory, history.NewInMemoryStore(50), nil, nil)
	t.Cleanup(m.CloseAll)
	return m
}

func TestCreateAndGet(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})

	s, err := m.Create()
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if s.State() != StateActive {
		t.Fatalf("new session state = %q, want active", s.State())
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != s {
		t.Fatalf("Get() returned a different session")
	}
	if _, err := m.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestCapacityLimit(t *testing.T) {
	m := newTestManager(t, ManagerConfig{Capacity: 2})

	a, err := m.Create()
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := m.Create(); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := m.Create(); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("third Create() error = %v, want ErrCapacityExceeded", err)
	}

	if err := m.Close(a.ID); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := m.Create(); err != nil {
		t.Fatalf("Create() after close error = %v", err)
	}
}

func TestCloseRemovesSession(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})

	s, err := m.Create()
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := m.Close(s.ID); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("session state = %q after manager close", s.State())
	}
	if err := m.Close(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Close() error = %v, want ErrNotFound", err)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}

func TestClosePurgesHistory(t *testing.T) {
	hist := history.NewInMemoryStore(50)
	factory := func() (*pipeline.Pipeline, error) { return mockPipeline(t), nil }
	m := NewManager(ManagerConfig{}, factory, hist, nil, nil)
	defer m.CloseAll()

	s, err := m.Create()
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := s.SubmitText("zapamiętaj to"); err != nil {
		t.Fatalf("SubmitText() error = %v", err)
	}
	awaitResult(t, s)

	if err := m.Close(s.ID); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	records, err := hist.Recent(context.Background(), s.ID, 0)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("history not purged on close, %d records remain", len(records))
	}
}

func TestJanitorExpiresInactiveSessions(t *testing.T) {
	m := newTestManager(t, ManagerConfig{InactivityTimeout: 20 * time.Millisecond})

	s, err := m.Create()
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 5*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for m.ActiveCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("janitor never expired the idle session")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s.State() != StateClosed {
		t.Fatalf("expired session state = %q, want closed", s.State())
	}
}

func TestJanitorExpiresStuckProcessingSession(t *testing.T) {
	st := &stalledStage{started: make(chan struct{})}
	factory := func() (*pipeline.Pipeline, error) {
		return pipeline.New(nil, nil, st)
	}
	m := NewManager(ManagerConfig{
		InactivityTimeout: 20 * time.Millisecond,
		CloseGrace:        20 * time.Millisecond,
	}, factory, history.NewInMemoryStore(50), nil, nil)
	t.Cleanup(m.CloseAll)

	s, err := m.Create()
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := s.SubmitText("nie odpowiadaj"); err != nil {
		t.Fatalf("SubmitText() error = %v", err)
	}
	awaitStarted(t, st.started)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 5*time.Millisecond)

	deadline := time.Now().Add(5 * time.Second)
	for m.ActiveCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("janitor never expired the session hung in processing")
		}
		time.Sleep(5 * time.Millisecond)
	}
	deadline = time.Now().Add(5 * time.Second)
	for s.State() != StateClosed {
		if time.Now().After(deadline) {
			t.Fatalf("expired session state = %q, want closed", s.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestList(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})

	s, err := m.Create()
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	infos := m.List()
	if len(infos) != 1 {
		t.Fatalf("List() returned %d sessions, want 1", len(infos))
	}
	if infos[0].SessionID != s.ID || infos[0].State != StateActive {
		t.Fatalf("unexpected snapshot: %+v", infos[0])
	}
}
