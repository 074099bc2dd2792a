package pipeline

import (
	"context"
	"errors"
	"math"

	"github.com/avatarlab/avachat/internal/media"
)

// Renderer produces lip-synced avatar frames for an audio clip, and idle
// animation frames for the resting loop.
type Renderer interface {
	RenderSpeech(ctx context.Context, audioWAV []byte, frameCount int) ([]media.Frame, error)
	RenderIdle(ctx context.Context, frameCount int) ([]media.Frame, error)
}

// AvatarStage populates the turn's video frames, sized so they span the
// synthesized audio at the configured render rate.
type AvatarStage struct {
	renderer Renderer
	fps      int
}

func NewAvatarStage(r Renderer, fps int) *AvatarStage {
	if fps <= 0 {
		fps = 25
	}
	return &AvatarStage{renderer: r, fps: fps}
}

func (s *AvatarStage) Kind() StageKind { return KindAvatar }

func (s *AvatarStage) Process(ctx context.Context, t *Turn, _ Options) error {
	if len(t.ResponseAudio) == 0 {
		return errors.New("no response audio to animate")
	}
	dur, err := media.WAVDuration(t.ResponseAudio)
	if err != nil {
		return err
	}
	frameCount := int(math.Ceil(dur.Seconds() * float64(s.fps)))
	if frameCount < 1 {
		frameCount = 1
	}
	frames, err := s.renderer.RenderSpeech(ctx, t.ResponseAudio, frameCount)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return errors.New("renderer produced no frames")
	}
	t.ResponseFrames = frames
	return nil
}

// RenderIdle exposes the renderer's idle loop for the per-session bootstrap.
func (s *AvatarStage) RenderIdle(ctx context.Context, frameCount int) ([]media.Frame, error) {
	if frameCount <= 0 {
		frameCount = 30
	}
	frames, err := s.renderer.RenderIdle(ctx, frameCount)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, errors.New("renderer produced no idle frames")
	}
	return frames, nil
}
