package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// Client -> server.
	TypeTextMessage  MessageType = "text_message"
	TypeAudioChunk   MessageType = "audio_chunk"
	TypeConfigUpdate MessageType = "config_update"
	TypePing         MessageType = "ping"

	// Server -> client.
	TypeConnectionEstablished MessageType = "connection_established"
	TypeProcessingStarted     MessageType = "processing_started"
	TypeTextProcessed         MessageType = "text_processed"
	TypeAudioProcessed        MessageType = "audio_processed"
	TypeIdleFrames            MessageType = "idle_frames"
	TypeConfigUpdated         MessageType = "config_updated"
	TypePong                  MessageType = "pong"
	TypeError                 MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// TextMessage carries one typed user utterance. A message with GetIdleFrames
// set requests the idle animation bootstrap batch instead of a reply.
type TextMessage struct {
	Type          MessageType `json:"type"`
	Text          string      `json:"text"`
	GetIdleFrames bool        `json:"get_idle_frames,omitempty"`
	FrameCount    int         `json:"frame_count,omitempty"`
}

// AudioChunk carries one complete spoken utterance as base64 audio
// (WAV container or raw PCM16LE).
type AudioChunk struct {
	Type        MessageType `json:"type"`
	AudioData   string      `json:"audio_data"`
	AudioFormat string      `json:"audio_format,omitempty"`
}

type ConfigUpdate struct {
	Type   MessageType    `json:"type"`
	Config map[string]any `json:"config"`
}

type Ping struct {
	Type MessageType `json:"type"`
}

type ConnectionEstablished struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Timestamp float64     `json:"timestamp"`
}

type ProcessingStarted struct {
	Type      MessageType `json:"type"`
	TurnID    string      `json:"turn_id"`
	Timestamp float64     `json:"timestamp"`
}

// TurnProcessed is the reply shape for both text_processed and
// audio_processed.
type TurnProcessed struct {
	Type            MessageType `json:"type"`
	TurnID          string      `json:"turn_id"`
	InputText       string      `json:"input_text,omitempty"`
	TranscribedText string      `json:"transcribed_text,omitempty"`
	ResponseText    string      `json:"response_text"`
	AudioData       string      `json:"audio_data,omitempty"`
	VideoFrames     []string    `json:"video_frames"`
	ProcessingTime  float64     `json:"processing_time"`
	Timestamp       float64     `json:"timestamp"`
}

type IdleFrames struct {
	Type        MessageType `json:"type"`
	VideoFrames []string    `json:"video_frames"`
	Timestamp   float64     `json:"timestamp"`
}

type ConfigUpdated struct {
	Type      MessageType `json:"type"`
	Message   string      `json:"message"`
	Timestamp float64     `json:"timestamp"`
}

type Pong struct {
	Type      MessageType `json:"type"`
	Timestamp float64     `json:"timestamp"`
}

type ErrorMessage struct {
	Type      MessageType `json:"type"`
	ErrorType string      `json:"error_type"`
	Message   string      `json:"message"`
	Timestamp float64     `json:"timestamp"`
}

// ParseServerMessage decodes one server-to-client websocket frame.
func ParseServerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeConnectionEstablished:
		var msg ConnectionEstablished
		return msg, json.Unmarshal(raw, &msg)
	case TypeProcessingStarted:
		var msg ProcessingStarted
		return msg, json.Unmarshal(raw, &msg)
	case TypeTextProcessed, TypeAudioProcessed:
		var msg TurnProcessed
		return msg, json.Unmarshal(raw, &msg)
	case TypeIdleFrames:
		var msg IdleFrames
		return msg, json.Unmarshal(raw, &msg)
	case TypeConfigUpdated:
		var msg ConfigUpdated
		return msg, json.Unmarshal(raw, &msg)
	case TypePong:
		var msg Pong
		return msg, json.Unmarshal(raw, &msg)
	case TypeError:
		var msg ErrorMessage
		return msg, json.Unmarshal(raw, &msg)
	default:
		return nil, ErrUnsupportedType
	}
}

// ParseClientMessage decodes and validates one inbound websocket frame.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeTextMessage:
		var msg TextMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" && !msg.GetIdleFrames {
			return nil, errors.New("text_message requires text")
		}
		if msg.FrameCount < 0 {
			return nil, errors.New("frame_count must not be negative")
		}
		return msg, nil
	case TypeAudioChunk:
		var msg AudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.AudioData == "" {
			return nil, errors.New("audio_chunk requires audio_data")
		}
		return msg, nil
	case TypeConfigUpdate:
		var msg ConfigUpdate
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if len(msg.Config) == 0 {
			return nil, errors.New("config_update requires config")
		}
		return msg, nil
	case TypePing:
		var msg Ping
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
