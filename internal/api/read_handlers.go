package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/camwatch/camwatch-server/internal/coordinator"
	"github.com/camwatch/camwatch-server/internal/errs"
	"github.com/camwatch/camwatch-server/internal/models"
	"github.com/camwatch/camwatch-server/internal/storage"
)

// ========== Device handlers ==========

// HandleListDevices lists devices
func (s *RESTServer) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	devices, total, err := s.coord.ListDevices(r.Context(), limit, offset)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"total":   total,
	})
}

// HandleCreateDevice registers a device
func (s *RESTServer) HandleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID          string `json:"id" validate:"required,deviceid,max=64"`
		Name        string `json:"name" validate:"omitempty,max=128"`
		Description string `json:"description"`
		WithAPIKey  bool   `json:"withApiKey"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	device, apiKey, err := s.coord.CreateDevice(r.Context(), coordinator.NewDevice{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		WithAPIKey:  req.WithAPIKey,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}

	resp := map[string]interface{}{"device": device}
	if apiKey != "" {
		resp["apiKey"] = apiKey
	}
	s.respondJSON(w, http.StatusCreated, resp)
}

// HandleGetDevice gets a device
func (s *RESTServer) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.coord.Device(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, device)
}

// HandleSetDeviceEnabled enables or disables a device
func (s *RESTServer) HandleSetDeviceEnabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled" validate:"required"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	device, err := s.coord.SetDeviceEnabled(r.Context(), chi.URLParam(r, "id"), *req.Enabled)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, device)
}

// HandleActionState returns the pending command state of a device
func (s *RESTServer) HandleActionState(w http.ResponseWriter, r *http.Request) {
	state, err := s.coord.ActionState(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, state)
}

// HandleLiveFrame serves the device's latest frame
func (s *RESTServer) HandleLiveFrame(w http.ResponseWriter, r *http.Request) {
	frame, err := s.coord.LiveFrame(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "no live frame yet")
			return
		}
		s.respondErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Last-Modified", frame.ReceivedAt.UTC().Format(http.TimeFormat))
	w.Header().Set("Content-Length", strconv.Itoa(len(frame.Data)))
	w.WriteHeader(http.StatusOK)
	w.Write(frame.Data)
}

// ========== Stream session handlers ==========

func sessionParam(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "sessionId"))
	return id, err == nil
}

// HandleListStreams lists stream sessions
func (s *RESTServer) HandleListStreams(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	var filters storage.StreamSessionFilters
	if deviceID := r.URL.Query().Get("deviceId"); deviceID != "" {
		filters.DeviceID = &deviceID
	}
	if status := r.URL.Query().Get("status"); status != "" {
		st := models.SessionStatus(status)
		filters.Status = &st
	}

	sessions, total, err := s.coord.ListSessions(r.Context(), filters, limit, offset)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    total,
	})
}

// HandleGetStream gets a stream session
func (s *RESTServer) HandleGetStream(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionParam(r)
	if !ok {
		s.respondError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	session, err := s.coord.Session(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, session)
}

// HandleStreamVideo serves the assembled video of a completed session
func (s *RESTServer) HandleStreamVideo(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionParam(r)
	if !ok {
		s.respondError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	session, err := s.coord.Session(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if session.Status != models.SessionStatusCompleted || session.VideoPath == nil {
		s.respondError(w, http.StatusNotFound, "video not available")
		return
	}

	f, err := os.Open(*session.VideoPath)
	if err != nil {
		s.respondError(w, http.StatusNotFound, "video not available")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.respondErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// HandleRegenerateStream re-runs video assembly for a finished session.
// With ?wait=true the response carries the recomputed session.
func (s *RESTServer) HandleRegenerateStream(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionParam(r)
	if !ok {
		s.respondError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		session, err := s.coord.Regenerate(r.Context(), id)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, session)
		return
	}

	session, err := s.coord.RegenerateAsync(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"sessionId": session.ID,
		"status":    "regenerating",
	})
}

// HandlePendingFinalizations lists scheduled session finalizations
func (s *RESTServer) HandlePendingFinalizations(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": s.coord.PendingFinalizations(),
	})
}

// ========== Media event handlers ==========

// HandleListMediaEvents lists photos and videos
func (s *RESTServer) HandleListMediaEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	var filters storage.MediaEventFilters
	if deviceID := r.URL.Query().Get("deviceId"); deviceID != "" {
		filters.DeviceID = &deviceID
	}
	if typ := r.URL.Query().Get("type"); typ != "" {
		mt := models.MediaType(typ)
		if mt != models.MediaTypePhoto && mt != models.MediaTypeVideo {
			s.respondError(w, http.StatusBadRequest, "type must be photo or video")
			return
		}
		filters.Type = &mt
	}
	if sessionID := r.URL.Query().Get("sessionId"); sessionID != "" {
		id, err := uuid.Parse(sessionID)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid sessionId")
			return
		}
		filters.SessionID = &id
	}

	events, total, err := s.coord.ListMediaEvents(r.Context(), filters, limit, offset)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
	})
}

// ========== System handlers ==========

// HandleHealth health check handler
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"time":        time.Now(),
		"subscribers": s.coord.Hub().SubscriberCount(),
		"pending":     len(s.coord.PendingFinalizations()),
	})
}

// HandleRoot root handler
func (s *RESTServer) HandleRoot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service": s.config.Server.Name,
		"version": "1.0.0",
		"health":  "/api/v1/health",
	})
}
