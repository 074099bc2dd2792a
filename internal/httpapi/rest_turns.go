package httpapi

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/avatarlab/avachat/internal/media"
	"github.com/avatarlab/avachat/internal/pipeline"
	"github.com/avatarlab/avachat/internal/session"
)

// restTurnTimeout bounds how long a synchronous turn submission waits for
// the pipeline result.
const restTurnTimeout = 120 * time.Second

const maxAudioUpload = 16 << 20

type textTurnRequest struct {
	Text          string `json:"text"`
	GetIdleFrames bool   `json:"get_idle_frames"`
	FrameCount    int    `json:"frame_count"`
}

// turnResponse is the synchronous HTTP reply shape, shared by the text and
// audio endpoints.
type turnResponse struct {
	Message         string   `json:"message"`
	TurnID          string   `json:"turn_id,omitempty"`
	TranscribedText string   `json:"transcribed_text"`
	ResponseText    string   `json:"response_text"`
	AudioData       string   `json:"audio_data,omitempty"`
	VideoFrames     []string `json:"video_frames"`
	ProcessingTime  float64  `json:"processing_time,omitempty"`
}

// handleSubmitText is the HTTP alternative to the websocket text_message,
// blocking until the turn completes.
func (s *Server) handleSubmitText(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromRequest(w, r)
	if !ok {
		return
	}

	var req textTurnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if req.GetIdleFrames {
		batch, err := sess.IdleFrames(r.Context(), req.FrameCount)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "idle_frames_failed", err.Error())
			return
		}
		respondJSON(w, http.StatusOK, turnResponse{
			Message:     "idle frames generated",
			VideoFrames: media.EncodeFrames(batch.Frames),
		})
		return
	}

	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}

	turnID, err := sess.SubmitText(req.Text)
	if err != nil {
		respondSubmitError(w, err)
		return
	}
	s.awaitTurn(w, r, sess, turnID, "text processed")
}

// handleSubmitAudio accepts one spoken utterance, either as a multipart
// upload under the "audio" field or as a raw request body.
func (s *Server) handleSubmitAudio(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromRequest(w, r)
	if !ok {
		return
	}

	audio, err := readAudioUpload(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_audio", err.Error())
		return
	}

	turnID, err := sess.SubmitAudio(audio)
	if err != nil {
		respondSubmitError(w, err)
		return
	}
	s.awaitTurn(w, r, sess, turnID, "audio processed")
}

func (s *Server) sessionFromRequest(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, false
	}
	return sess, true
}

func readAudioUpload(r *http.Request) ([]byte, error) {
	defer r.Body.Close()

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(maxAudioUpload); err != nil {
			return nil, err
		}
		file, _, err := r.FormFile("audio")
		if err != nil {
			return nil, errors.New("multipart field \"audio\" is required")
		}
		defer file.Close()
		return io.ReadAll(io.LimitReader(file, maxAudioUpload))
	}

	audio, err := io.ReadAll(io.LimitReader(r.Body, maxAudioUpload))
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, errors.New("empty audio body")
	}
	return audio, nil
}

// awaitTurn consumes the session result queue until the submitted turn
// arrives, then renders it. REST submission assumes no concurrent websocket
// consumer on the same session.
func (s *Server) awaitTurn(w http.ResponseWriter, r *http.Request, sess *session.Session, turnID, message string) {
	timeout := time.NewTimer(restTurnTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-timeout.C:
			respondError(w, http.StatusGatewayTimeout, "turn_timeout", "turn did not complete in time")
			return
		case turn, ok := <-sess.Results():
			if !ok {
				respondError(w, http.StatusConflict, "session_closed", "session closed while processing")
				return
			}
			if turn.ID != turnID {
				continue
			}
			renderTurn(w, turn, message)
			return
		}
	}
}

func renderTurn(w http.ResponseWriter, turn *pipeline.Turn, message string) {
	if turn.Err != nil {
		errType := "pipeline_error"
		var stageErr *pipeline.StageError
		if errors.As(turn.Err, &stageErr) {
			errType = string(stageErr.Kind) + "_error"
		}
		respondError(w, http.StatusInternalServerError, errType, turn.Err.Error())
		return
	}
	if turn.Skipped {
		respondJSON(w, http.StatusOK, turnResponse{
			Message:     "no speech detected",
			TurnID:      turn.ID,
			VideoFrames: []string{},
		})
		return
	}

	resp := turnResponse{
		Message:         message,
		TurnID:          turn.ID,
		TranscribedText: turn.Transcript,
		ResponseText:    turn.ResponseText,
		VideoFrames:     media.EncodeFrames(turn.ResponseFrames),
		ProcessingTime:  turn.CompletedAt.Sub(turn.StartedAt).Seconds(),
	}
	if len(turn.ResponseAudio) > 0 {
		resp.AudioData = base64.StdEncoding.EncodeToString(turn.ResponseAudio)
	}
	respondJSON(w, http.StatusOK, resp)
}

func respondSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrBackpressure):
		respondError(w, http.StatusTooManyRequests, "backpressure", "a turn is already in progress")
	case errors.Is(err, session.ErrSessionClosed):
		respondError(w, http.StatusConflict, "session_closed", "session is closed")
	default:
		respondError(w, http.StatusInternalServerError, "submit_failed", err.Error())
	}
}
