package pipeline

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/avatarlab/avachat/internal/media"
)

// Mock providers keep the pipeline runnable without any external model
// services; they are deterministic so tests can assert on output shape.

type MockTranscriber struct {
	Text string
}

func NewMockTranscriber() *MockTranscriber {
	return &MockTranscriber{Text: "Przykładowy transkrybowany tekst."}
}

func (m *MockTranscriber) Transcribe(_ context.Context, _ []byte, _ int, _ string) (string, error) {
	return m.Text, nil
}

type MockResponder struct{}

func NewMockResponder() *MockResponder { return &MockResponder{} }

func (m *MockResponder) Respond(_ context.Context, input string, _ []string, _ float64) (string, error) {
	words := len(strings.Fields(input))
	return fmt.Sprintf("Rozumiem (%d słów). To jest przykładowa odpowiedź asystenta.", words), nil
}

// MockSynthesizer emits a quiet sine tone sized to the reply length, roughly
// a quarter second per word, so playback timing stays realistic.
type MockSynthesizer struct {
	SampleRate int
}

func NewMockSynthesizer() *MockSynthesizer {
	return &MockSynthesizer{SampleRate: 16000}
}

func (m *MockSynthesizer) Synthesize(_ context.Context, text, _, _ string) ([]byte, int, error) {
	sampleRate := m.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	words := len(strings.Fields(text))
	if words < 1 {
		words = 1
	}
	samples := sampleRate * words / 4
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(3000 * math.Sin(2*math.Pi*220*float64(i)/float64(sampleRate)))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm, sampleRate, nil
}

// MockRenderer emits small deterministic stand-in frames with a JPEG magic
// prefix so downstream encode/decode paths behave like real stills.
type MockRenderer struct{}

func NewMockRenderer() *MockRenderer { return &MockRenderer{} }

func (m *MockRenderer) RenderSpeech(_ context.Context, _ []byte, frameCount int) ([]media.Frame, error) {
	return mockFrames("speech", frameCount), nil
}

func (m *MockRenderer) RenderIdle(_ context.Context, frameCount int) ([]media.Frame, error) {
	return mockFrames("idle", frameCount), nil
}

func mockFrames(kind string, count int) []media.Frame {
	if count < 1 {
		count = 1
	}
	frames := make([]media.Frame, 0, count)
	for i := 0; i < count; i++ {
		payload := append([]byte{0xFF, 0xD8, 0xFF}, []byte(fmt.Sprintf("%s-frame-%03d", kind, i))...)
		frames = append(frames, media.Frame(payload))
	}
	return frames
}
