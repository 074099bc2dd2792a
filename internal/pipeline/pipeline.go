package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/avatarlab/avachat/internal/media"
	"github.com/avatarlab/avachat/internal/observability"
)

// routeOrder is the canonical stage order; Route filters it per input kind.
var routeOrder = []StageKind{KindVAD, KindASR, KindLLM, KindTTS, KindAvatar}

// Pipeline is an ordered stage chain. Stages absent from the chain are
// treated as disabled and skipped without breaking downstream expectations.
type Pipeline struct {
	stages  map[StageKind]Stage
	logger  *zap.Logger
	metrics *observability.Metrics
}

func New(logger *zap.Logger, metrics *observability.Metrics, stages ...Stage) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	byKind := make(map[StageKind]Stage, len(stages))
	for _, st := range stages {
		if st == nil {
			continue
		}
		if _, dup := byKind[st.Kind()]; dup {
			return nil, fmt.Errorf("duplicate stage for kind %q", st.Kind())
		}
		byKind[st.Kind()] = st
	}
	return &Pipeline{stages: byKind, logger: logger, metrics: metrics}, nil
}

// Route returns the ordered stage list for one input kind. Text turns bypass
// voice-activity and speech-to-text entirely.
func (p *Pipeline) Route(kind InputKind) []Stage {
	out := make([]Stage, 0, len(routeOrder))
	for _, k := range routeOrder {
		if kind == InputText && (k == KindVAD || k == KindASR) {
			continue
		}
		if st, ok := p.stages[k]; ok {
			out = append(out, st)
		}
	}
	return out
}

// Run drives one turn through its route. Stage failures are captured on the
// turn, never returned, so partial results survive; a no-speech result from
// voice activity terminates the chain early without error.
func (p *Pipeline) Run(ctx context.Context, t *Turn, opts Options) {
	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now().UTC()
	}
	defer func() {
		t.CompletedAt = time.Now().UTC()
		if p.metrics != nil {
			p.metrics.ObserveTurn(t.CompletedAt.Sub(t.StartedAt))
			p.metrics.Turns.WithLabelValues(string(t.Kind), t.Outcome()).Inc()
		}
	}()

	if t.Kind == InputText {
		// The skipped ASR contract: transcript still populates.
		t.Transcript = t.RawText
	}

	for _, st := range p.Route(t.Kind) {
		stageStart := time.Now()
		err := st.Process(ctx, t, opts)
		if p.metrics != nil {
			p.metrics.ObserveStage(string(st.Kind()), time.Since(stageStart))
		}
		if err == nil {
			continue
		}
		if errors.Is(err, ErrNoSpeech) {
			t.Skipped = true
			p.logger.Debug("turn skipped, no speech detected", zap.String("turn_id", t.ID))
			return
		}
		t.Err = &StageError{Kind: st.Kind(), Err: err}
		if p.metrics != nil {
			p.metrics.StageErrors.WithLabelValues(string(st.Kind())).Inc()
		}
		p.logger.Warn("stage failed",
			zap.String("turn_id", t.ID),
			zap.String("stage", string(st.Kind())),
			zap.Error(err),
		)
		return
	}
}

// IdleFrames produces the audio-less frame batch that seeds the client's
// idle animation loop.
func (p *Pipeline) IdleFrames(ctx context.Context, frameCount int) (media.FrameBatch, error) {
	st, ok := p.stages[KindAvatar]
	if !ok {
		return media.FrameBatch{}, errors.New("no avatar stage configured")
	}
	avatar, ok := st.(*AvatarStage)
	if !ok {
		return media.FrameBatch{}, errors.New("avatar stage does not support idle rendering")
	}
	frames, err := avatar.RenderIdle(ctx, frameCount)
	if err != nil {
		return media.FrameBatch{}, err
	}
	return media.FrameBatch{Frames: frames}, nil
}
