package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/avatarlab/avachat/internal/media"
)

// Synthesizer turns reply text into PCM16LE audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voiceID, language string) (pcm []byte, sampleRate int, err error)
}

// TTSStage populates the turn response audio as a WAV clip.
type TTSStage struct {
	synth Synthesizer
}

func NewTTSStage(s Synthesizer) *TTSStage {
	return &TTSStage{synth: s}
}

func (s *TTSStage) Kind() StageKind { return KindTTS }

func (s *TTSStage) Process(ctx context.Context, t *Turn, opts Options) error {
	text := strings.TrimSpace(t.ResponseText)
	if text == "" {
		return errors.New("no response text to synthesize")
	}
	pcm, sampleRate, err := s.synth.Synthesize(ctx, text, opts.VoiceID, opts.Language)
	if err != nil {
		return err
	}
	if len(pcm) == 0 {
		return errors.New("synthesizer produced no audio")
	}
	wav, err := media.EncodeWAV(pcm, sampleRate, 1)
	if err != nil {
		return err
	}
	t.ResponseAudio = wav
	return nil
}
