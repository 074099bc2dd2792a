package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/avatarlab/avachat/internal/history"
	"github.com/avatarlab/avachat/internal/media"
	"github.com/avatarlab/avachat/internal/pipeline"
)

func mockPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New(nil, nil,
		pipeline.NewVADStage(pipeline.NewEnergyDetector(0.01)),
		pipeline.NewASRStage(pipeline.NewMockTranscriber()),
		pipeline.NewLLMStage(pipeline.NewMockResponder()),
		pipeline.NewTTSStage(pipeline.NewMockSynthesizer()),
		pipeline.NewAvatarStage(pipeline.NewMockRenderer(), 25),
	)
	if err != nil {
		t.Fatalf("pipeline.New() error = %v", err)
	}
	return p
}

func newTestSession(t *testing.T, p *pipeline.Pipeline) *Session {
	t.Helper()
	s := New(p, history.NewInMemoryStore(50), pipeline.Options{Language: "pl"}, nil)
	s.Start()
	t.Cleanup(s.Close)
	return s
}

func awaitResult(t *testing.T, s *Session) *pipeline.Turn {
	t.Helper()
	select {
	case turn, ok := <-s.Results():
		if !ok {
			t.Fatalf("results channel closed early")
		}
		return turn
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for turn result")
		return nil
	}
}

func TestTextTurnRoundTrip(t *testing.T) {
	s := newTestSession(t, mockPipeline(t))

	id, err := s.SubmitText("Jak się masz?")
	if err != nil {
		t.Fatalf("SubmitText() error = %v", err)
	}

	turn := awaitResult(t, s)
	if turn.ID != id {
		t.Fatalf("result turn ID = %q, want %q", turn.ID, id)
	}
	if turn.Err != nil {
		t.Fatalf("turn error = %v", turn.Err)
	}
	if turn.ResponseText == "" || len(turn.ResponseFrames) == 0 {
		t.Fatalf("incomplete turn result: %+v", turn)
	}
	if s.TurnsProcessed() != 1 {
		t.Fatalf("TurnsProcessed() = %d, want 1", s.TurnsProcessed())
	}
	if s.State() != StateIdle {
		t.Fatalf("State() = %q, want idle after turn", s.State())
	}
}

func TestHistoryRecordedAcrossTurns(t *testing.T) {
	hist := history.NewInMemoryStore(50)
	s := New(mockPipeline(t), hist, pipeline.Options{}, nil)
	s.Start()
	defer s.Close()

	if _, err := s.SubmitText("Pierwsza wiadomość"); err != nil {
		t.Fatalf("SubmitText() error = %v", err)
	}
	awaitResult(t, s)

	records, err := hist.Recent(context.Background(), s.ID, 0)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("history holds %d records, want user+assistant pair", len(records))
	}
	if records[0].Role != history.RoleUser || records[1].Role != history.RoleAssistant {
		t.Fatalf("unexpected roles: %q, %q", records[0].Role, records[1].Role)
	}
	if records[0].Content != "Pierwsza wiadomość" {
		t.Fatalf("user record content = %q", records[0].Content)
	}
}

// gatedStage blocks inside Process until released, so tests can hold a turn
// in flight deterministically.
type gatedStage struct {
	release chan struct{}
}

func (g *gatedStage) Kind() pipeline.StageKind { return pipeline.KindLLM }

func (g *gatedStage) Process(_ context.Context, t *pipeline.Turn, _ pipeline.Options) error {
	<-g.release
	t.ResponseText = "ok: " + t.Transcript
	return nil
}

func TestBackpressureRejectsThirdTurn(t *testing.T) {
	gate := &gatedStage{release: make(chan struct{})}
	p, err := pipeline.New(nil, nil, gate)
	if err != nil {
		t.Fatalf("pipeline.New() error = %v", err)
	}
	s := newTestSession(t, p)

	first, err := s.SubmitText("pierwsza")
	if err != nil {
		t.Fatalf("SubmitText() error = %v", err)
	}

	// Wait until the worker has picked the first turn up.
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateProcessing {
		if time.Now().After(deadline) {
			t.Fatalf("worker never entered processing state")
		}
		time.Sleep(time.Millisecond)
	}

	second, err := s.SubmitText("druga")
	if err != nil {
		t.Fatalf("second submit should queue, got %v", err)
	}
	if _, err := s.SubmitText("trzecia"); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("third submit error = %v, want ErrBackpressure", err)
	}

	close(gate.release)
	if got := awaitResult(t, s); got.ID != first {
		t.Fatalf("first result = %q, want %q", got.ID, first)
	}
	if got := awaitResult(t, s); got.ID != second {
		t.Fatalf("second result = %q, want %q", got.ID, second)
	}
}

// stalledStage simulates a hung model call: it blocks until its context is
// cancelled.
type stalledStage struct {
	started chan struct{}
}

func (st *stalledStage) Kind() pipeline.StageKind { return pipeline.KindLLM }

func (st *stalledStage) Process(ctx context.Context, _ *pipeline.Turn, _ pipeline.Options) error {
	close(st.started)
	<-ctx.Done()
	return ctx.Err()
}

func awaitStarted(t *testing.T, started <-chan struct{}) {
	t.Helper()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("stage never started processing")
	}
}

func TestCloseCancelsInFlightTurn(t *testing.T) {
	st := &stalledStage{started: make(chan struct{})}
	p, err := pipeline.New(nil, nil, st)
	if err != nil {
		t.Fatalf("pipeline.New() error = %v", err)
	}
	s := New(p, history.NewInMemoryStore(50), pipeline.Options{}, nil)
	s.closeGrace = 50 * time.Millisecond
	s.Start()

	if _, err := s.SubmitText("zawieś się"); err != nil {
		t.Fatalf("SubmitText() error = %v", err)
	}
	awaitStarted(t, st.started)

	start := time.Now()
	s.Close()
	elapsed := time.Since(start)

	if elapsed >= 2*time.Second {
		t.Fatalf("Close() blocked %v on a hung stage, must force-cancel after the grace period", elapsed)
	}
	if elapsed < 50*time.Millisecond {
		t.Fatalf("Close() returned in %v, before the grace period elapsed", elapsed)
	}
	if s.State() != StateClosed {
		t.Fatalf("State() = %q after close", s.State())
	}
}

func TestSubmitAfterCloseFails(t *testing.T) {
	s := newTestSession(t, mockPipeline(t))
	s.Close()

	if _, err := s.SubmitText("hej"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("submit after close error = %v, want ErrSessionClosed", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("State() = %q, want closed", s.State())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s := newTestSession(t, mockPipeline(t))
	s.Close()
	s.Close()
	if s.State() != StateClosed {
		t.Fatalf("State() = %q after double close", s.State())
	}
}

// countingRenderer tracks idle render calls to verify caching.
type countingRenderer struct {
	idleCalls int
}

func (c *countingRenderer) RenderSpeech(_ context.Context, _ []byte, n int) ([]media.Frame, error) {
	return []media.Frame{media.Frame("f")}, nil
}

func (c *countingRenderer) RenderIdle(_ context.Context, n int) ([]media.Frame, error) {
	c.idleCalls++
	frames := make([]media.Frame, n)
	for i := range frames {
		frames[i] = media.Frame("idle")
	}
	return frames, nil
}

func TestIdleFramesCached(t *testing.T) {
	renderer := &countingRenderer{}
	p, err := pipeline.New(nil, nil, pipeline.NewAvatarStage(renderer, 25))
	if err != nil {
		t.Fatalf("pipeline.New() error = %v", err)
	}
	s := newTestSession(t, p)

	ctx := context.Background()
	first, err := s.IdleFrames(ctx, 30)
	if err != nil {
		t.Fatalf("IdleFrames() error = %v", err)
	}
	if len(first.Frames) != 30 {
		t.Fatalf("idle frames = %d, want 30", len(first.Frames))
	}
	if _, err := s.IdleFrames(ctx, 30); err != nil {
		t.Fatalf("IdleFrames() error = %v", err)
	}
	if renderer.idleCalls != 1 {
		t.Fatalf("renderer called %d times, want cached single render", renderer.idleCalls)
	}
	if _, err := s.IdleFrames(ctx, 12); err != nil {
		t.Fatalf("IdleFrames() error = %v", err)
	}
	if renderer.idleCalls != 2 {
		t.Fatalf("different frame count should re-render, calls = %d", renderer.idleCalls)
	}
}

func TestApplyConfig(t *testing.T) {
	s := newTestSession(t, mockPipeline(t))

	err := s.ApplyConfig(map[string]any{
		"language":    "en",
		"temperature": 0.9,
		"frame_count": float64(24),
		"unknown_key": "ignored",
	})
	if err != nil {
		t.Fatalf("ApplyConfig() error = %v", err)
	}
	opts := s.Options()
	if opts.Language != "en" || opts.Temperature != 0.9 || opts.FrameCount != 24 {
		t.Fatalf("options not applied: %+v", opts)
	}

	if err := s.ApplyConfig(map[string]any{"language": 42}); err == nil {
		t.Fatalf("wrong-typed value should be rejected")
	}
}
