package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/avatarlab/avachat/internal/media"
	"github.com/avatarlab/avachat/internal/pipeline"
	"github.com/avatarlab/avachat/internal/protocol"
	"github.com/avatarlab/avachat/internal/session"
)

const (
	wsReadLimit     = 8 << 20
	wsReadDeadline  = 120 * time.Second
	wsWriteDeadline = 10 * time.Second
)

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "id"))
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	}
	s.logger.Info("websocket connected", zap.String("session_id", sessionID))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok && s.metrics != nil {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		s.pumpResults(ctx, sess, outbound)
	}()
	// When the session's result stream ends (session closed or expired),
	// tear the socket down so the client sees the disconnect.
	go func() {
		<-pumpDone
		cancel()
		conn.Close()
	}()

	s.send(ctx, outbound, protocol.ConnectionEstablished{
		Type:      protocol.TypeConnectionEstablished,
		SessionID: sessionID,
		Timestamp: nowUnix(),
	})

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errType := "invalid_message"
			if errors.Is(err, protocol.ErrUnsupportedType) {
				errType = "unknown_message_type"
			}
			s.send(ctx, outbound, errorMessage(errType, err.Error()))
			continue
		}
		if t, ok := messageTypeOf(parsed); ok && s.metrics != nil {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		s.dispatch(ctx, sess, parsed, outbound)
	}

	cancel()
	<-pumpDone
	<-writerDone
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	}
	s.logger.Info("websocket disconnected", zap.String("session_id", sessionID))
}

func (s *Server) dispatch(ctx context.Context, sess *session.Session, msg any, outbound chan<- any) {
	switch m := msg.(type) {
	case protocol.TextMessage:
		if m.GetIdleFrames {
			s.sendIdleFrames(ctx, sess, m.FrameCount, outbound)
			return
		}
		turnID, err := sess.SubmitText(m.Text)
		if err != nil {
			s.send(ctx, outbound, submitError(err))
			return
		}
		s.send(ctx, outbound, protocol.ProcessingStarted{
			Type:      protocol.TypeProcessingStarted,
			TurnID:    turnID,
			Timestamp: nowUnix(),
		})

	case protocol.AudioChunk:
		audio, err := base64.StdEncoding.DecodeString(m.AudioData)
		if err != nil {
			s.send(ctx, outbound, errorMessage("invalid_audio", "audio_data is not valid base64"))
			return
		}
		turnID, err := sess.SubmitAudio(audio)
		if err != nil {
			s.send(ctx, outbound, submitError(err))
			return
		}
		s.send(ctx, outbound, protocol.ProcessingStarted{
			Type:      protocol.TypeProcessingStarted,
			TurnID:    turnID,
			Timestamp: nowUnix(),
		})

	case protocol.ConfigUpdate:
		if err := sess.ApplyConfig(m.Config); err != nil {
			s.send(ctx, outbound, errorMessage("invalid_config", err.Error()))
			return
		}
		s.send(ctx, outbound, protocol.ConfigUpdated{
			Type:      protocol.TypeConfigUpdated,
			Message:   "configuration updated",
			Timestamp: nowUnix(),
		})

	case protocol.Ping:
		sess.Touch()
		s.send(ctx, outbound, protocol.Pong{
			Type:      protocol.TypePong,
			Timestamp: nowUnix(),
		})
	}
}

func (s *Server) sendIdleFrames(ctx context.Context, sess *session.Session, count int, outbound chan<- any) {
	batch, err := sess.IdleFrames(ctx, count)
	if err != nil {
		s.send(ctx, outbound, errorMessage("idle_frames_failed", err.Error()))
		return
	}
	s.send(ctx, outbound, protocol.IdleFrames{
		Type:        protocol.TypeIdleFrames,
		VideoFrames: media.EncodeFrames(batch.Frames),
		Timestamp:   nowUnix(),
	})
}

// pumpResults forwards completed turns to the websocket. Skipped turns
// produce no reply.
func (s *Server) pumpResults(ctx context.Context, sess *session.Session, outbound chan<- any) {
	for {
		select {
		case <-ctx.Done():
			return
		case turn, ok := <-sess.Results():
			if !ok {
				return
			}
			if msg := turnMessage(turn); msg != nil {
				s.send(ctx, outbound, msg)
			}
		}
	}
}

func turnMessage(turn *pipeline.Turn) any {
	if turn.Skipped {
		return nil
	}
	if turn.Err != nil {
		errType := "pipeline_error"
		var stageErr *pipeline.StageError
		if errors.As(turn.Err, &stageErr) {
			errType = string(stageErr.Kind) + "_error"
		}
		return errorMessage(errType, turn.Err.Error())
	}

	msg := protocol.TurnProcessed{
		TurnID:         turn.ID,
		ResponseText:   turn.ResponseText,
		VideoFrames:    media.EncodeFrames(turn.ResponseFrames),
		ProcessingTime: turn.CompletedAt.Sub(turn.StartedAt).Seconds(),
		Timestamp:      nowUnix(),
	}
	if len(turn.ResponseAudio) > 0 {
		msg.AudioData = base64.StdEncoding.EncodeToString(turn.ResponseAudio)
	}
	if turn.Kind == pipeline.InputAudio {
		msg.Type = protocol.TypeAudioProcessed
		msg.TranscribedText = turn.Transcript
	} else {
		msg.Type = protocol.TypeTextProcessed
		msg.InputText = turn.RawText
	}
	return msg
}

func (s *Server) send(ctx context.Context, outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	case <-ctx.Done():
	default:
		// Writer is saturated; drop rather than block the read loop.
		s.logger.Warn("outbound queue full, dropping message")
	}
}

func submitError(err error) protocol.ErrorMessage {
	switch {
	case errors.Is(err, session.ErrBackpressure):
		return errorMessage("backpressure", "a turn is already in progress, retry after it completes")
	case errors.Is(err, session.ErrSessionClosed):
		return errorMessage("session_closed", "session is closed")
	default:
		return errorMessage("submit_failed", err.Error())
	}
}

func errorMessage(errType, detail string) protocol.ErrorMessage {
	return protocol.ErrorMessage{
		Type:      protocol.TypeError,
		ErrorType: errType,
		Message:   detail,
		Timestamp: nowUnix(),
	}
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.TextMessage:
		return m.Type, true
	case protocol.AudioChunk:
		return m.Type, true
	case protocol.ConfigUpdate:
		return m.Type, true
	case protocol.Ping:
		return m.Type, true
	case protocol.ConnectionEstablished:
		return m.Type, true
	case protocol.ProcessingStarted:
		return m.Type, true
	case protocol.TurnProcessed:
		return m.Type, true
	case protocol.IdleFrames:
		return m.Type, true
	case protocol.ConfigUpdated:
		return m.Type, true
	case protocol.Pong:
		return m.Type, true
	case protocol.ErrorMessage:
		return m.Type, true
	default:
		return "", false
	}
}
