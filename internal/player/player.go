package player

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/avatarlab/avachat/internal/media"
)

// Mode is the player's animation state.
type Mode string

const (
	ModeIdle     Mode = "idle"
	ModeSpeaking Mode = "speaking"
)

var ErrNoIdleFrames = errors.New("no idle frames loaded")

// Config tunes playback pacing. Zero values fall back to defaults.
type Config struct {
	IdleTickHz  int
	MinFPS      float64
	MaxFPS      float64
	FallbackFPS float64
	BlendFrames int
}

func DefaultConfig() Config {
	return Config{
		IdleTickHz:  4,
		MinFPS:      15,
		MaxFPS:      30,
		FallbackFPS: 25,
		BlendFrames: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.IdleTickHz <= 0 {
		c.IdleTickHz = d.IdleTickHz
	}
	if c.MinFPS <= 0 {
		c.MinFPS = d.MinFPS
	}
	if c.MaxFPS < c.MinFPS {
		c.MaxFPS = d.MaxFPS
	}
	if c.FallbackFPS < c.MinFPS || c.FallbackFPS > c.MaxFPS {
		c.FallbackFPS = (c.MinFPS + c.MaxFPS) / 2
	}
	if c.BlendFrames < 0 {
		c.BlendFrames = d.BlendFrames
	}
	return c
}

// FrameEvent is one rendered output step. Opacity below 1 marks a blend
// frame during a mode transition.
type FrameEvent struct {
	Frame   media.Frame
	Mode    Mode
	Opacity float64
}

// Player paces avatar frames: a slow ping-pong loop while idle, and
// audio-locked playback while speaking. Tick is the pure core; Run drives
// it on a timer.
type Player struct {
	cfg    Config
	logger *zap.Logger

	mu sync.Mutex

	idleFrames []media.Frame
	idleIdx    int
	idleStep   int

	mode       Mode
	speech     []media.Frame
	speechIdx  int
	speechFPS  float64
	blendLeft  int
	blendTotal int
}

func New(cfg Config, logger *zap.Logger) *Player {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Player{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		mode:     ModeIdle,
		idleStep: 1,
	}
}

// SetIdleFrames installs the idle loop starting at the first frame. Only a
// return from speaking re-enters the loop at the middle.
func (p *Player) SetIdleFrames(frames []media.Frame) error {
	if len(frames) == 0 {
		return ErrNoIdleFrames
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idleFrames = frames
	p.idleIdx = 0
	p.idleStep = 1
	return nil
}

// Play switches to speaking mode for one batch. The frame rate locks to the
// audio duration, clamped to the configured range; undecodable audio falls
// back to the fixed rate.
func (p *Player) Play(batch media.FrameBatch) error {
	if len(batch.Frames) == 0 {
		return media.ErrEmptyBatch
	}

	fps := p.cfg.FallbackFPS
	dur := batch.ExpectedDuration
	if dur <= 0 && len(batch.Audio) > 0 {
		if d, err := media.WAVDuration(batch.Audio); err == nil {
			dur = d
		} else {
			p.logger.Debug("audio duration unavailable, using fallback rate", zap.Error(err))
		}
	}
	if dur > 0 {
		fps = float64(len(batch.Frames)) / dur.Seconds()
		if fps < p.cfg.MinFPS {
			fps = p.cfg.MinFPS
		}
		if fps > p.cfg.MaxFPS {
			fps = p.cfg.MaxFPS
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = ModeSpeaking
	p.speech = batch.Frames
	p.speechIdx = 0
	p.speechFPS = fps
	p.blendLeft = p.cfg.BlendFrames
	p.blendTotal = p.cfg.BlendFrames
	return nil
}

// Mode reports the current animation state.
func (p *Player) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// SpeakingFPS reports the locked rate of the current speech batch.
func (p *Player) SpeakingFPS() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speechFPS
}

// TickInterval is the wait before the next Tick in the current mode.
func (p *Player) TickInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode == ModeSpeaking && p.speechFPS > 0 {
		return time.Duration(float64(time.Second) / p.speechFPS)
	}
	return time.Second / time.Duration(p.cfg.IdleTickHz)
}

// Tick advances the animation one step and returns the frame to show.
func (p *Player) Tick() (FrameEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mode == ModeSpeaking {
		return p.tickSpeaking(), nil
	}
	return p.tickIdle()
}

func (p *Player) tickSpeaking() FrameEvent {
	ev := FrameEvent{
		Frame:   p.speech[p.speechIdx],
		Mode:    ModeSpeaking,
		Opacity: p.blendOpacity(),
	}
	p.speechIdx++
	if p.speechIdx >= len(p.speech) {
		// Batch exhausted. Drop back to idle at the middle frame and
		// blend the first idle frames in.
		p.mode = ModeIdle
		p.speech = nil
		p.speechIdx = 0
		if len(p.idleFrames) > 0 {
			p.idleIdx = len(p.idleFrames) / 2
			p.idleStep = 1
		}
		p.blendLeft = p.cfg.BlendFrames
		p.blendTotal = p.cfg.BlendFrames
	}
	return ev
}

func (p *Player) tickIdle() (FrameEvent, error) {
	if len(p.idleFrames) == 0 {
		return FrameEvent{}, ErrNoIdleFrames
	}
	ev := FrameEvent{
		Frame:   p.idleFrames[p.idleIdx],
		Mode:    ModeIdle,
		Opacity: p.blendOpacity(),
	}

	if len(p.idleFrames) > 1 {
		// Ping-pong: bounce off both ends instead of wrapping.
		next := p.idleIdx + p.idleStep
		if next < 0 || next >= len(p.idleFrames) {
			p.idleStep = -p.idleStep
			next = p.idleIdx + p.idleStep
		}
		p.idleIdx = next
	}
	return ev, nil
}

func (p *Player) blendOpacity() float64 {
	if p.blendLeft <= 0 || p.blendTotal <= 0 {
		return 1
	}
	step := p.blendTotal - p.blendLeft + 1
	p.blendLeft--
	return float64(step) / float64(p.blendTotal+1)
}

// Run emits frame events on out until ctx is cancelled, pacing each step by
// the mode's tick interval. The out channel is closed on return.
func (p *Player) Run(ctx context.Context, out chan<- FrameEvent) {
	defer close(out)
	timer := time.NewTimer(p.TickInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		ev, err := p.Tick()
		if err == nil {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		timer.Reset(p.TickInterval())
	}
}
