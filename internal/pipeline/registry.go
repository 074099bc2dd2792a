package pipeline

import (
	"fmt"
	"strings"
)

// Settings carries everything a stage constructor may need. Unused fields
// are ignored by constructors that do not care.
type Settings struct {
	Provider string

	Language     string
	VoiceID      string
	Model        string
	APIBase      string
	APIKey       string
	SystemPrompt string
	MaxTokens    int

	FPS              int
	SilenceThreshold float64
	SampleRate       int
}

// Constructor builds one stage from its settings.
type Constructor func(Settings) (Stage, error)

// Registry maps (stage kind, provider name) to a constructor. The set of
// capabilities is closed; deployments choose providers via configuration.
type Registry struct {
	ctors map[StageKind]map[string]Constructor
}

func NewRegistry() *Registry {
	r := &Registry{ctors: make(map[StageKind]map[string]Constructor)}

	r.Register(KindVAD, "energy", func(s Settings) (Stage, error) {
		return NewVADStage(NewEnergyDetector(s.SilenceThreshold)), nil
	})
	r.Register(KindASR, "mock", func(Settings) (Stage, error) {
		return NewASRStage(NewMockTranscriber()), nil
	})
	r.Register(KindLLM, "mock", func(Settings) (Stage, error) {
		return NewLLMStage(NewMockResponder()), nil
	})
	r.Register(KindLLM, "http", func(s Settings) (Stage, error) {
		responder, err := NewHTTPResponder(HTTPResponderConfig{
			APIBase:      s.APIBase,
			APIKey:       s.APIKey,
			Model:        s.Model,
			MaxTokens:    s.MaxTokens,
			SystemPrompt: s.SystemPrompt,
		})
		if err != nil {
			return nil, err
		}
		return NewLLMStage(responder), nil
	})
	r.Register(KindTTS, "mock", func(s Settings) (Stage, error) {
		synth := NewMockSynthesizer()
		if s.SampleRate > 0 {
			synth.SampleRate = s.SampleRate
		}
		return NewTTSStage(synth), nil
	})
	r.Register(KindAvatar, "mock", func(s Settings) (Stage, error) {
		return NewAvatarStage(NewMockRenderer(), s.FPS), nil
	})

	return r
}

func (r *Registry) Register(kind StageKind, provider string, ctor Constructor) {
	byName, ok := r.ctors[kind]
	if !ok {
		byName = make(map[string]Constructor)
		r.ctors[kind] = byName
	}
	byName[strings.ToLower(strings.TrimSpace(provider))] = ctor
}

// Build constructs the stage for a kind/provider pair.
func (r *Registry) Build(kind StageKind, s Settings) (Stage, error) {
	provider := strings.ToLower(strings.TrimSpace(s.Provider))
	byName, ok := r.ctors[kind]
	if !ok {
		return nil, fmt.Errorf("unknown stage kind %q", kind)
	}
	ctor, ok := byName[provider]
	if !ok {
		return nil, fmt.Errorf("unknown %s provider %q", kind, s.Provider)
	}
	return ctor(s)
}
