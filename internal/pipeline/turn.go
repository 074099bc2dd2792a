package pipeline

import (
	"time"

	"github.com/avatarlab/avachat/internal/media"
)

// InputKind distinguishes typed and spoken turns.
type InputKind string

const (
	InputText  InputKind = "text"
	InputAudio InputKind = "audio"
)

// Turn is one full request/response cycle. Fields populate monotonically as
// the turn passes through the stage chain; once CompletedAt is set the turn
// is immutable and owned read-only by session history.
type Turn struct {
	ID   string
	Kind InputKind

	RawText  string
	RawAudio []byte // WAV or raw PCM16LE as received

	Transcript     string
	ResponseText   string
	ResponseAudio  []byte // WAV container
	ResponseFrames []media.Frame

	// Skipped marks expected early termination (no speech detected). It is
	// not an error and produces no downstream side effects.
	Skipped bool

	StartedAt   time.Time
	CompletedAt time.Time
	Err         error
}

// Outcome summarizes how the turn ended, for metrics labels.
func (t *Turn) Outcome() string {
	switch {
	case t.Err != nil:
		return "error"
	case t.Skipped:
		return "skipped"
	default:
		return "ok"
	}
}
