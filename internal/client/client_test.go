package client_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/avatarlab/avachat/internal/client"
	"github.com/avatarlab/avachat/internal/config"
	"github.com/avatarlab/avachat/internal/history"
	"github.com/avatarlab/avachat/internal/httpapi"
	"github.com/avatarlab/avachat/internal/pipeline"
	"github.com/avatarlab/avachat/internal/protocol"
	"github.com/avatarlab/avachat/internal/session"
)

func newServer(t *testing.T) (*httptest.Server, *session.Manager) {
	t.Helper()
	factory := func() (*pipeline.Pipeline, error) {
		return pipeline.New(nil, nil,
			pipeline.NewLLMStage(pipeline.NewMockResponder()),
			pipeline.NewTTSStage(pipeline.NewMockSynthesizer()),
			pipeline.NewAvatarStage(pipeline.NewMockRenderer(), 25),
		)
	}
	mgr := session.NewManager(session.ManagerConfig{}, factory, history.NewInMemoryStore(50), nil, nil)
	t.Cleanup(mgr.CloseAll)

	cfg := config.Config{
		SessionInactivityTimeout: 5 * time.Minute,
		AllowAnyOrigin:           true,
	}
	srv := httptest.NewServer(httpapi.New(cfg, mgr, nil, nil).Router())
	t.Cleanup(srv.Close)
	return srv, mgr
}

func TestReconnectPolicyDelay(t *testing.T) {
	p := client.ReconnectPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
	}
	for attempt, w := range want {
		if got := p.Delay(attempt); got != w {
			t.Fatalf("Delay(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestSessionREST(t *testing.T) {
	srv, _ := newServer(t)
	c := client.New(srv.URL, client.DefaultReconnectPolicy(), nil)
	ctx := context.Background()

	info, err := c.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if info.SessionID == "" || info.State != "active" {
		t.Fatalf("unexpected session info: %+v", info)
	}

	got, err := c.GetSession(ctx, info.SessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.SessionID != info.SessionID {
		t.Fatalf("GetSession() ID = %q, want %q", got.SessionID, info.SessionID)
	}

	if err := c.CloseSession(ctx, info.SessionID); err != nil {
		t.Fatalf("CloseSession() error = %v", err)
	}
	if _, err := c.GetSession(ctx, info.SessionID); !errors.Is(err, client.ErrSessionGone) {
		t.Fatalf("GetSession() after close error = %v, want ErrSessionGone", err)
	}
}

func awaitMessage[T any](t *testing.T, conn *client.Conn) T {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case msg, ok := <-conn.Messages():
			if !ok {
				t.Fatalf("messages channel closed while waiting (conn err: %v)", conn.Err())
			}
			if typed, ok := msg.(T); ok {
				return typed
			}
			if errMsg, ok := msg.(protocol.ErrorMessage); ok {
				t.Fatalf("unexpected error message: %+v", errMsg)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for message")
		}
	}
}

func TestConnectAndChat(t *testing.T) {
	srv, _ := newServer(t)
	c := client.New(srv.URL, client.DefaultReconnectPolicy(), nil)
	ctx := context.Background()

	info, err := c.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	conn, err := c.Connect(ctx, info.SessionID)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Close()

	est := awaitMessage[protocol.ConnectionEstablished](t, conn)
	if est.SessionID != info.SessionID {
		t.Fatalf("connection_established session = %q, want %q", est.SessionID, info.SessionID)
	}

	if err := conn.RequestIdleFrames(8); err != nil {
		t.Fatalf("RequestIdleFrames() error = %v", err)
	}
	idle := awaitMessage[protocol.IdleFrames](t, conn)
	if len(idle.VideoFrames) != 8 {
		t.Fatalf("idle frames = %d, want 8", len(idle.VideoFrames))
	}

	if err := conn.SendText("Dzień dobry"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	started := awaitMessage[protocol.ProcessingStarted](t, conn)
	done := awaitMessage[protocol.TurnProcessed](t, conn)
	if done.TurnID != started.TurnID {
		t.Fatalf("turn IDs diverge: %q vs %q", done.TurnID, started.TurnID)
	}
	if done.ResponseText == "" || len(done.VideoFrames) == 0 {
		t.Fatalf("incomplete reply: %+v", done)
	}

	if err := conn.Ping(); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	awaitMessage[protocol.Pong](t, conn)
}

func TestReconnectGivesUpWhenSessionDeleted(t *testing.T) {
	srv, _ := newServer(t)
	policy := client.ReconnectPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	c := client.New(srv.URL, policy, nil)
	ctx := context.Background()

	info, err := c.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	conn, err := c.Connect(ctx, info.SessionID)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Close()
	awaitMessage[protocol.ConnectionEstablished](t, conn)

	// Deleting the session drops the server side of the socket; the client
	// must discover the session is gone instead of redialing forever.
	if err := c.CloseSession(ctx, info.SessionID); err != nil {
		t.Fatalf("CloseSession() error = %v", err)
	}

	deadline := time.After(10 * time.Second)
	for {
		select {
		case _, ok := <-conn.Messages():
			if !ok {
				if !errors.Is(conn.Err(), client.ErrSessionGone) {
					t.Fatalf("conn.Err() = %v, want ErrSessionGone", conn.Err())
				}
				return
			}
		case <-deadline:
			t.Fatalf("connection never terminated after session deletion")
		}
	}
}
