package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/avatarlab/avachat/internal/media"
)

// Transcriber converts an audio clip into text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (string, error)
}

// ASRStage populates the turn transcript from spoken input.
type ASRStage struct {
	transcriber Transcriber
}

func NewASRStage(t Transcriber) *ASRStage {
	return &ASRStage{transcriber: t}
}

func (s *ASRStage) Kind() StageKind { return KindASR }

func (s *ASRStage) Process(ctx context.Context, t *Turn, opts Options) error {
	pcm, info, err := media.PCMFromAudioInput(t.RawAudio)
	if err != nil {
		return err
	}
	text, err := s.transcriber.Transcribe(ctx, pcm, info.SampleRate, opts.Language)
	if err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("empty transcript")
	}
	t.Transcript = text
	return nil
}
