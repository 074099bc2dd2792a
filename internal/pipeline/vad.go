package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"math"

	"github.com/avatarlab/avachat/internal/media"
)

// SpeechDetector decides whether an audio clip contains speech.
type SpeechDetector interface {
	HasSpeech(ctx context.Context, pcm []byte, sampleRate int) (bool, error)
}

// VADStage gates audio turns on detected voice activity.
type VADStage struct {
	detector SpeechDetector
}

func NewVADStage(detector SpeechDetector) *VADStage {
	return &VADStage{detector: detector}
}

func (s *VADStage) Kind() StageKind { return KindVAD }

func (s *VADStage) Process(ctx context.Context, t *Turn, _ Options) error {
	pcm, info, err := media.PCMFromAudioInput(t.RawAudio)
	if err != nil {
		return err
	}
	ok, err := s.detector.HasSpeech(ctx, pcm, info.SampleRate)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoSpeech
	}
	return nil
}

// EnergyDetector is a simple RMS-threshold detector used when no external
// VAD model is wired in. Threshold is on normalized amplitude [0,1].
type EnergyDetector struct {
	Threshold float64
}

func NewEnergyDetector(threshold float64) *EnergyDetector {
	if threshold <= 0 {
		threshold = 0.01
	}
	return &EnergyDetector{Threshold: threshold}
}

func (d *EnergyDetector) HasSpeech(_ context.Context, pcm []byte, _ int) (bool, error) {
	if len(pcm) < 2 {
		return false, errors.New("audio clip too short")
	}
	n := len(pcm) / 2
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		v := float64(sample) / 32768.0
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(n))
	return rms >= d.Threshold, nil
}
