package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/camwatch/camwatch-server/internal/arbiter"
	"github.com/camwatch/camwatch-server/internal/auth"
)

// nextActionResponse also carries streamDurationSeconds, the field older
// agent firmware reads for how long to stream.
type nextActionResponse struct {
	Action                 arbiter.Action `json:"action"`
	StreamRemainingSeconds *int           `json:"streamRemainingSeconds,omitempty"`
	StreamDurationSeconds  *int           `json:"streamDurationSeconds,omitempty"`
	SessionID              *uuid.UUID     `json:"sessionId,omitempty"`
}

// HandleNextAction answers a device poll
func (s *RESTServer) HandleNextAction(w http.ResponseWriter, r *http.Request) {
	d, err := s.coord.PollAction(r.Context(), authenticatedDevice(r))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, toNextAction(d))
}

func toNextAction(d arbiter.Decision) nextActionResponse {
	resp := nextActionResponse{Action: d.Action, SessionID: d.SessionID}
	if d.Action == arbiter.ActionStream {
		remaining := d.StreamRemainingSeconds
		resp.StreamRemainingSeconds = &remaining
		resp.StreamDurationSeconds = &remaining
	}
	return resp
}

// HandleRequestPhoto queues a snapshot for the device
func (s *RESTServer) HandleRequestPhoto(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	state, err := s.coord.RequestPhoto(r.Context(), deviceID)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"deviceId":     deviceID,
		"photoPending": state.PhotoPending,
		"requestedAt":  state.PhotoRequestedAt,
	})
}

type requestStreamRequest struct {
	DurationSeconds int    `json:"durationSeconds" validate:"required,min=1"`
	InitiatedBy     string `json:"initiatedBy" validate:"omitempty,max=128"`
}

// HandleRequestStream opens a timed stream session for the device
func (s *RESTServer) HandleRequestStream(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	var req requestStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	initiatedBy := req.InitiatedBy
	if claims, ok := r.Context().Value(claimsKey).(*auth.Claims); ok {
		initiatedBy = claims.Subject
	}
	if initiatedBy == "" {
		initiatedBy = "api"
	}

	res, err := s.coord.RequestStream(r.Context(), deviceID, time.Duration(req.DurationSeconds)*time.Second, initiatedBy)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	s.respondJSON(w, http.StatusCreated, map[string]interface{}{
		"sessionId":   res.Session.ID,
		"streamUntil": res.StreamUntil,
		"finalizeAt":  res.Session.FinalizeAt,
	})
}
