package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avatarlab/avachat/internal/history"
	"github.com/avatarlab/avachat/internal/media"
	"github.com/avatarlab/avachat/internal/pipeline"
)

type State string

const (
	StateCreated    State = "created"
	StateActive     State = "active"
	StateProcessing State = "processing"
	StateIdle       State = "idle"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

var (
	ErrSessionClosed = errors.New("session closed")
	// ErrBackpressure means a turn is already queued or in flight; the
	// caller should retry after the current turn completes.
	ErrBackpressure = errors.New("session busy, turn rejected")
)

// defaultCloseGrace bounds how long Close waits for an in-flight turn
// before force-cancelling its context.
const defaultCloseGrace = 5 * time.Second

// Session owns one conversation: a dedicated pipeline, its history, and a
// worker goroutine that processes turns strictly one at a time.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu             sync.RWMutex
	state          State
	lastActivityAt time.Time
	turnsProcessed int
	opts           pipeline.Options

	pipe   *pipeline.Pipeline
	hist   history.Store
	logger *zap.Logger

	// turnCtx is cancelled during Close once the grace period lapses, so
	// a hung stage cannot block teardown.
	turnCtx    context.Context
	cancelTurn context.CancelFunc
	closeGrace time.Duration

	input   chan *pipeline.Turn
	results chan *pipeline.Turn
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	idleMu     sync.Mutex
	idleCount  int
	idleFrames media.FrameBatch
}

func New(pipe *pipeline.Pipeline, hist history.Store, opts pipeline.Options, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now().UTC()
	turnCtx, cancelTurn := context.WithCancel(context.Background())
	return &Session{
		ID:             uuid.NewString(),
		CreatedAt:      now,
		state:          StateCreated,
		lastActivityAt: now,
		opts:           opts,
		pipe:           pipe,
		hist:           hist,
		logger:         logger,
		turnCtx:        turnCtx,
		cancelTurn:     cancelTurn,
		closeGrace:     defaultCloseGrace,
		// Capacity one: a second submit while a turn is in flight is
		// rejected with ErrBackpressure instead of queueing unboundedly.
		input:   make(chan *pipeline.Turn, 1),
		results: make(chan *pipeline.Turn, 8),
		done:    make(chan struct{}),
	}
}

// Start launches the turn worker. Calling Start on an already started or
// closed session is a no-op.
func (s *Session) Start() {
	s.mu.Lock()
	if s.state != StateCreated {
		s.mu.Unlock()
		return
	}
	s.state = StateActive
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
}

// SubmitText queues a text turn and returns its ID.
func (s *Session) SubmitText(text string) (string, error) {
	return s.submit(&pipeline.Turn{
		ID:      uuid.NewString(),
		Kind:    pipeline.InputText,
		RawText: text,
	})
}

// SubmitAudio queues an audio turn and returns its ID.
func (s *Session) SubmitAudio(audio []byte) (string, error) {
	return s.submit(&pipeline.Turn{
		ID:       uuid.NewString(),
		Kind:     pipeline.InputAudio,
		RawAudio: audio,
	})
}

func (s *Session) submit(t *pipeline.Turn) (string, error) {
	s.mu.Lock()
	switch s.state {
	case StateClosing, StateClosed, StateCreated:
		s.mu.Unlock()
		return "", ErrSessionClosed
	}
	s.lastActivityAt = time.Now().UTC()
	s.mu.Unlock()

	select {
	case s.input <- t:
		return t.ID, nil
	default:
		return "", ErrBackpressure
	}
}

// Results delivers completed turns in submission order. The channel closes
// when the session shuts down.
func (s *Session) Results() <-chan *pipeline.Turn {
	return s.results
}

func (s *Session) run() {
	defer s.wg.Done()
	defer close(s.results)

	for {
		select {
		case <-s.done:
			return
		case t := <-s.input:
			s.process(t)
			select {
			case s.results <- t:
			case <-s.done:
				return
			}
		}
	}
}

func (s *Session) process(t *pipeline.Turn) {
	s.setState(StateProcessing)
	defer s.setState(StateIdle)

	ctx := s.turnCtx
	opts := s.Options()

	if recent, err := s.hist.Recent(ctx, s.ID, 0); err != nil {
		s.logger.Warn("history lookup failed", zap.String("session_id", s.ID), zap.Error(err))
	} else {
		opts.Context = history.ContextLines(recent)
	}

	s.pipe.Run(ctx, t, opts)

	s.mu.Lock()
	s.turnsProcessed++
	s.lastActivityAt = time.Now().UTC()
	s.mu.Unlock()

	if t.Skipped || t.Err != nil {
		return
	}
	s.recordExchange(ctx, t)
}

func (s *Session) recordExchange(ctx context.Context, t *pipeline.Turn) {
	if t.Transcript != "" {
		err := s.hist.Append(ctx, history.Record{
			SessionID: s.ID,
			TurnID:    t.ID,
			Role:      history.RoleUser,
			Content:   t.Transcript,
		})
		if err != nil {
			s.logger.Warn("history append failed", zap.String("session_id", s.ID), zap.Error(err))
		}
	}
	if t.ResponseText != "" {
		err := s.hist.Append(ctx, history.Record{
			SessionID: s.ID,
			TurnID:    t.ID,
			Role:      history.RoleAssistant,
			Content:   t.ResponseText,
		})
		if err != nil {
			s.logger.Warn("history append failed", zap.String("session_id", s.ID), zap.Error(err))
		}
	}
}

// IdleFrames returns the idle animation batch, rendering it once per frame
// count and caching the result.
func (s *Session) IdleFrames(ctx context.Context, count int) (media.FrameBatch, error) {
	if count <= 0 {
		count = s.Options().FrameCount
	}
	if count <= 0 {
		count = 30
	}
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	if s.idleCount == count && len(s.idleFrames.Frames) > 0 {
		return s.idleFrames, nil
	}
	batch, err := s.pipe.IdleFrames(ctx, count)
	if err != nil {
		return media.FrameBatch{}, err
	}
	s.idleCount = count
	s.idleFrames = batch
	return batch, nil
}

// ApplyConfig updates pipeline options from a client config_update payload.
// Unknown keys are ignored; recognized keys with the wrong type are errors.
func (s *Session) ApplyConfig(cfg map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosing || s.state == StateClosed {
		return ErrSessionClosed
	}
	for key, raw := range cfg {
		switch key {
		case "language":
			v, ok := raw.(string)
			if !ok {
				return errors.New("language must be a string")
			}
			s.opts.Language = v
		case "voice_id":
			v, ok := raw.(string)
			if !ok {
				return errors.New("voice_id must be a string")
			}
			s.opts.VoiceID = v
		case "temperature":
			v, ok := raw.(float64)
			if !ok {
				return errors.New("temperature must be a number")
			}
			s.opts.Temperature = v
		case "frame_count":
			v, ok := raw.(float64)
			if !ok {
				return errors.New("frame_count must be a number")
			}
			s.opts.FrameCount = int(v)
		}
	}
	s.lastActivityAt = time.Now().UTC()
	return nil
}

func (s *Session) Options() pipeline.Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	opts := s.opts
	return opts
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) LastActivityAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivityAt
}

func (s *Session) TurnsProcessed() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.turnsProcessed
}

// Touch refreshes the inactivity clock, used for keepalive pings.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivityAt = time.Now().UTC()
	s.mu.Unlock()
}

// Close shuts the session down: the worker gets the grace period to finish
// an in-flight turn, then the turn context is force-cancelled. Safe to call
// more than once; later calls are no-ops.
func (s *Session) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.state = StateClosing
		s.mu.Unlock()

		close(s.done)

		drained := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(s.closeGrace):
			s.logger.Warn("close grace expired, cancelling in-flight turn",
				zap.String("session_id", s.ID))
			s.cancelTurn()
			<-drained
		}
		s.cancelTurn()

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
	})
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state != StateClosing && s.state != StateClosed {
		s.state = st
	}
	s.mu.Unlock()
}
