// Package client is a Go client for the avatar chat service: session
// management over REST and conversation over websocket, with automatic
// reconnection.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/avatarlab/avachat/internal/protocol"
)

var (
	ErrSessionGone      = errors.New("session no longer exists")
	ErrReconnectGivenUp = errors.New("reconnect attempts exhausted")
)

// ReconnectPolicy controls backoff between websocket redial attempts.
type ReconnectPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: 5,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Delay returns the wait before the given attempt, doubling each time up to
// the cap. Attempts count from zero.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// SessionInfo mirrors the server's session snapshot.
type SessionInfo struct {
	SessionID       string    `json:"session_id"`
	State           string    `json:"state"`
	CreatedAt       time.Time `json:"created_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}

type Client struct {
	baseURL string
	http    *http.Client
	dialer  *websocket.Dialer
	policy  ReconnectPolicy
	logger  *zap.Logger
}

func New(baseURL string, policy ReconnectPolicy, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		dialer:  websocket.DefaultDialer,
		policy:  policy,
		logger:  logger,
	}
}

// CreateSession provisions a new session on the server.
func (c *Client) CreateSession(ctx context.Context) (SessionInfo, error) {
	var info SessionInfo
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/sessions", &info, http.StatusCreated)
	return info, err
}

// GetSession looks an existing session up, used to decide whether a dropped
// connection is worth re-dialing.
func (c *Client) GetSession(ctx context.Context, sessionID string) (SessionInfo, error) {
	var info SessionInfo
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/sessions/"+sessionID, &info, http.StatusOK)
	return info, err
}

// CloseSession tears a session down.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/sessions/"+sessionID, nil, http.StatusOK)
}

func (c *Client) doJSON(ctx context.Context, method, path string, out any, wantStatus int) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(nil))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrSessionGone
	}
	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) wsURL(sessionID string) string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/v1/sessions/" + sessionID + "/ws"
}

// Conn is one live conversation. Incoming server messages arrive on
// Messages; the channel closes when the connection is finished for good.
type Conn struct {
	client    *Client
	sessionID string

	ws       *websocket.Conn
	messages chan any
	sendCh   chan any
	done     chan struct{}
	err      error
}

// Connect dials the session's websocket. The returned Conn reconnects on
// transport failure as long as the session still exists server-side.
func (c *Client) Connect(ctx context.Context, sessionID string) (*Conn, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.wsURL(sessionID), nil)
	if err != nil {
		return nil, fmt.Errorf("dial session %s: %w", sessionID, err)
	}

	conn := &Conn{
		client:    c,
		sessionID: sessionID,
		ws:        ws,
		messages:  make(chan any, 64),
		sendCh:    make(chan any, 64),
		done:      make(chan struct{}),
	}
	go conn.loop(ctx)
	return conn, nil
}

// Messages delivers parsed server messages until the connection ends.
func (conn *Conn) Messages() <-chan any { return conn.messages }

// Err reports why the connection ended, nil for a clean Close.
func (conn *Conn) Err() error { return conn.err }

func (conn *Conn) SendText(text string) error {
	return conn.enqueue(protocol.TextMessage{Type: protocol.TypeTextMessage, Text: text})
}

func (conn *Conn) SendAudio(audio []byte) error {
	return conn.enqueue(protocol.AudioChunk{
		Type:      protocol.TypeAudioChunk,
		AudioData: base64.StdEncoding.EncodeToString(audio),
	})
}

func (conn *Conn) RequestIdleFrames(frameCount int) error {
	return conn.enqueue(protocol.TextMessage{
		Type:          protocol.TypeTextMessage,
		GetIdleFrames: true,
		FrameCount:    frameCount,
	})
}

func (conn *Conn) UpdateConfig(cfg map[string]any) error {
	return conn.enqueue(protocol.ConfigUpdate{Type: protocol.TypeConfigUpdate, Config: cfg})
}

func (conn *Conn) Ping() error {
	return conn.enqueue(protocol.Ping{Type: protocol.TypePing})
}

func (conn *Conn) enqueue(msg any) error {
	select {
	case conn.sendCh <- msg:
		return nil
	case <-conn.done:
		return errors.New("connection closed")
	}
}

// Close ends the connection without touching the server-side session.
func (conn *Conn) Close() {
	select {
	case <-conn.done:
	default:
		close(conn.done)
	}
}

func (conn *Conn) loop(ctx context.Context) {
	defer close(conn.messages)
	defer func() {
		if conn.ws != nil {
			conn.ws.Close()
		}
	}()

	for {
		readErr := conn.pump(ctx, conn.ws)
		if readErr == nil {
			return
		}
		conn.ws.Close()

		if err := conn.reconnect(ctx); err != nil {
			conn.err = err
			return
		}
	}
}

// pump runs reader and writer over the current socket until it fails or the
// connection is closed. A nil return means a deliberate shutdown.
func (conn *Conn) pump(ctx context.Context, ws *websocket.Conn) error {
	readErrCh := make(chan error, 1)
	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				readErrCh <- err
				return
			}
			msg, err := protocol.ParseServerMessage(data)
			if err != nil {
				conn.client.logger.Debug("unparseable server frame", zap.Error(err))
				continue
			}
			select {
			case conn.messages <- msg:
			case <-conn.done:
				readErrCh <- nil
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-conn.done:
			return nil
		case err := <-readErrCh:
			return err
		case msg := <-conn.sendCh:
			_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteJSON(msg); err != nil {
				return err
			}
		}
	}
}

// reconnect re-dials with backoff, confirming first that the session still
// exists so we never recreate state the server dropped.
func (conn *Conn) reconnect(ctx context.Context) error {
	policy := conn.client.policy
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-conn.done:
			return nil
		case <-time.After(policy.Delay(attempt)):
		}

		if _, err := conn.client.GetSession(ctx, conn.sessionID); err != nil {
			if errors.Is(err, ErrSessionGone) {
				return ErrSessionGone
			}
			conn.client.logger.Debug("session lookup failed during reconnect",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		ws, _, err := conn.client.dialer.DialContext(ctx, conn.client.wsURL(conn.sessionID), nil)
		if err != nil {
			conn.client.logger.Debug("redial failed",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		conn.client.logger.Info("websocket reconnected",
			zap.String("session_id", conn.sessionID), zap.Int("attempt", attempt))
		conn.ws = ws
		return nil
	}
	return ErrReconnectGivenUp
}
