package media

import (
	"encoding/base64"
	"errors"
	"time"
)

// Frame is one encoded still image (typically JPEG) produced by the avatar
// renderer. It stays opaque to the pipeline.
type Frame []byte

// FrameBatch pairs an ordered frame sequence with an optional audio clip that
// should play back in lock-step with it.
type FrameBatch struct {
	Frames           []Frame
	Audio            []byte // WAV container, empty for idle batches
	ExpectedDuration time.Duration
}

var ErrEmptyBatch = errors.New("frame batch has no frames")

// NewFrameBatch builds a batch and derives the expected playback duration
// from the audio clip when present.
func NewFrameBatch(frames []Frame, audioWAV []byte) (FrameBatch, error) {
	if len(frames) == 0 {
		return FrameBatch{}, ErrEmptyBatch
	}
	b := FrameBatch{Frames: frames, Audio: audioWAV}
	if len(audioWAV) > 0 {
		d, err := WAVDuration(audioWAV)
		if err != nil {
			return FrameBatch{}, err
		}
		b.ExpectedDuration = d
	}
	return b, nil
}

// EncodeFrames renders frames as base64 text for the wire.
func EncodeFrames(frames []Frame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, base64.StdEncoding.EncodeToString(f))
	}
	return out
}

// DecodeFrames parses base64 wire frames back into byte frames. Empty entries
// are rejected so a batch can never silently lose frames.
func DecodeFrames(encoded []string) ([]Frame, error) {
	frames := make([]Frame, 0, len(encoded))
	for _, e := range encoded {
		if e == "" {
			return nil, errors.New("empty frame in sequence")
		}
		raw, err := base64.StdEncoding.DecodeString(e)
		if err != nil {
			return nil, err
		}
		frames = append(frames, Frame(raw))
	}
	return frames, nil
}
