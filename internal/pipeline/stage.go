package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// StageKind tags the one capability a stage provides.
type StageKind string

const (
	KindVAD    StageKind = "vad"
	KindASR    StageKind = "asr"
	KindLLM    StageKind = "llm"
	KindTTS    StageKind = "tts"
	KindAvatar StageKind = "avatar"
)

// ErrNoSpeech is the one point a turn terminates early without error: the
// voice-activity stage found nothing worth transcribing.
var ErrNoSpeech = errors.New("no speech detected")

// StageError wraps a failure inside one stage. It is captured on the turn,
// never thrown across the pipeline boundary, so partial results survive.
type StageError struct {
	Kind StageKind
	Err  error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Options carries the recognized per-session configuration overrides.
type Options struct {
	Language    string
	VoiceID     string
	Temperature float64
	FrameCount  int

	// Context holds recent conversation lines ("role: text") handed to the
	// text-generation stage.
	Context []string
}

// Stage is one pipeline unit. Process populates only the turn field(s) the
// stage owns and returns an error on failure; it must not touch fields owned
// by other stages.
type Stage interface {
	Kind() StageKind
	Process(ctx context.Context, t *Turn, opts Options) error
}
