package httpapi

import (
	"encoding/base64"
	"encoding/binary"
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/avatarlab/avachat/internal/media"
	"github.com/avatarlab/avachat/internal/protocol"
)

func dialWS(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/" + sessionID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads frames until one of the wanted type arrives. Unexpected
// error frames fail the test immediately.
func readUntil(t *testing.T, conn *websocket.Conn, want protocol.MessageType) map[string]any {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read waiting for %q: %v", want, err)
		}
		got, _ := msg["type"].(string)
		if got == string(want) {
			return msg
		}
		if got == string(protocol.TypeError) && want != protocol.TypeError {
			t.Fatalf("unexpected error frame while waiting for %q: %v", want, msg)
		}
	}
}

func TestWSConnectionEstablished(t *testing.T) {
	srv, _ := newTestServer(t, 10)
	id := createSession(t, srv)
	conn := dialWS(t, srv, id)

	msg := readUntil(t, conn, protocol.TypeConnectionEstablished)
	if msg["session_id"] != id {
		t.Fatalf("session_id = %v, want %q", msg["session_id"], id)
	}
}

func TestWSUnknownSessionRejected(t *testing.T) {
	srv, _ := newTestServer(t, 10)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/nope/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("dial should fail for unknown session")
	}
	if resp == nil || resp.StatusCode != 404 {
		t.Fatalf("handshake response = %v, want 404", resp)
	}
}

func TestWSTextTurn(t *testing.T) {
	srv, _ := newTestServer(t, 10)
	id := createSession(t, srv)
	conn := dialWS(t, srv, id)
	readUntil(t, conn, protocol.TypeConnectionEstablished)

	err := conn.WriteJSON(protocol.TextMessage{Type: protocol.TypeTextMessage, Text: "Opowiedz mi coś."})
	if err != nil {
		t.Fatalf("write text_message: %v", err)
	}

	started := readUntil(t, conn, protocol.TypeProcessingStarted)
	turnID, _ := started["turn_id"].(string)
	if turnID == "" {
		t.Fatalf("processing_started missing turn_id: %v", started)
	}

	done := readUntil(t, conn, protocol.TypeTextProcessed)
	if done["turn_id"] != turnID {
		t.Fatalf("turn_id mismatch: %v vs %v", done["turn_id"], turnID)
	}
	if done["input_text"] != "Opowiedz mi coś." {
		t.Fatalf("input_text = %v", done["input_text"])
	}
	if resp, _ := done["response_text"].(string); resp == "" {
		t.Fatalf("response_text empty: %v", done)
	}
	frames, _ := done["video_frames"].([]any)
	if len(frames) == 0 {
		t.Fatalf("no video_frames in reply")
	}
	decoded, err := media.DecodeFrames([]string{frames[0].(string)})
	if err != nil {
		t.Fatalf("video frame not valid base64: %v", err)
	}
	if len(decoded[0]) == 0 {
		t.Fatalf("decoded frame is empty")
	}
	if audio, _ := done["audio_data"].(string); audio == "" {
		t.Fatalf("no audio_data in reply")
	}
}

func TestWSAudioTurn(t *testing.T) {
	srv, _ := newTestServer(t, 10)
	id := createSession(t, srv)
	conn := dialWS(t, srv, id)
	readUntil(t, conn, protocol.TypeConnectionEstablished)

	sampleRate := 16000
	samples := sampleRate / 2
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(4000 * math.Sin(2*math.Pi*200*float64(i)/float64(sampleRate)))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	wav, err := media.EncodeWAV(pcm, sampleRate, 1)
	if err != nil {
		t.Fatalf("EncodeWAV() error = %v", err)
	}

	err = conn.WriteJSON(protocol.AudioChunk{
		Type:      protocol.TypeAudioChunk,
		AudioData: base64.StdEncoding.EncodeToString(wav),
	})
	if err != nil {
		t.Fatalf("write audio_chunk: %v", err)
	}

	readUntil(t, conn, protocol.TypeProcessingStarted)
	done := readUntil(t, conn, protocol.TypeAudioProcessed)
	if transcript, _ := done["transcribed_text"].(string); transcript == "" {
		t.Fatalf("no transcribed_text in audio reply: %v", done)
	}
}

func TestWSIdleFramesRequest(t *testing.T) {
	srv, _ := newTestServer(t, 10)
	id := createSession(t, srv)
	conn := dialWS(t, srv, id)
	readUntil(t, conn, protocol.TypeConnectionEstablished)

	err := conn.WriteJSON(protocol.TextMessage{
		Type:          protocol.TypeTextMessage,
		GetIdleFrames: true,
		FrameCount:    12,
	})
	if err != nil {
		t.Fatalf("write idle frame request: %v", err)
	}

	msg := readUntil(t, conn, protocol.TypeIdleFrames)
	frames, _ := msg["video_frames"].([]any)
	if len(frames) != 12 {
		t.Fatalf("idle frames = %d, want 12", len(frames))
	}
}

func TestWSPingPong(t *testing.T) {
	srv, _ := newTestServer(t, 10)
	id := createSession(t, srv)
	conn := dialWS(t, srv, id)
	readUntil(t, conn, protocol.TypeConnectionEstablished)

	if err := conn.WriteJSON(protocol.Ping{Type: protocol.TypePing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	msg := readUntil(t, conn, protocol.TypePong)
	if ts, _ := msg["timestamp"].(float64); ts <= 0 {
		t.Fatalf("pong missing timestamp: %v", msg)
	}
}

func TestWSConfigUpdate(t *testing.T) {
	srv, mgr := newTestServer(t, 10)
	id := createSession(t, srv)
	conn := dialWS(t, srv, id)
	readUntil(t, conn, protocol.TypeConnectionEstablished)

	err := conn.WriteJSON(protocol.ConfigUpdate{
		Type:   protocol.TypeConfigUpdate,
		Config: map[string]any{"language": "en", "temperature": 0.3},
	})
	if err != nil {
		t.Fatalf("write config_update: %v", err)
	}
	readUntil(t, conn, protocol.TypeConfigUpdated)

	sess, err := mgr.Get(id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if opts := sess.Options(); opts.Language != "en" || opts.Temperature != 0.3 {
		t.Fatalf("options not applied: %+v", opts)
	}
}

func TestWSInvalidMessage(t *testing.T) {
	srv, _ := newTestServer(t, 10)
	id := createSession(t, srv)
	conn := dialWS(t, srv, id)
	readUntil(t, conn, protocol.TypeConnectionEstablished)

	err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"teleport"}`))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readUntil(t, conn, protocol.TypeError)
	if msg["error_type"] != "unknown_message_type" {
		t.Fatalf("error_type = %v", msg["error_type"])
	}

	err = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"text_message","text":""}`))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	msg = readUntil(t, conn, protocol.TypeError)
	if msg["error_type"] != "invalid_message" {
		t.Fatalf("error_type = %v", msg["error_type"])
	}

	// The connection stays usable after a bad frame.
	if err := conn.WriteJSON(protocol.Ping{Type: protocol.TypePing}); err != nil {
		t.Fatalf("write ping after error: %v", err)
	}
	readUntil(t, conn, protocol.TypePong)
}
