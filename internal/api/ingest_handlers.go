package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/camwatch/camwatch-server/internal/coordinator"
	"github.com/camwatch/camwatch-server/internal/errs"
	"github.com/camwatch/camwatch-server/internal/models"
)

// uploadField is the multipart field agents put the image in
const uploadField = "image"

// readUpload returns the image bytes of a request. Multipart bodies carry
// the image in the "image" field; any other body is the image itself.
func (s *RESTServer) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	limit := s.config.API.MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(limit); err != nil {
			return nil, uploadError(err)
		}
		defer r.MultipartForm.RemoveAll()

		file, _, err := r.FormFile(uploadField)
		if err != nil {
			return nil, fmt.Errorf("%w: missing %q file field", errs.ErrValidation, uploadField)
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			return nil, uploadError(err)
		}
		return data, nil
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, uploadError(err)
	}
	return data, nil
}

func uploadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fmt.Errorf("%w: upload exceeds %d bytes", errs.ErrValidation, tooLarge.Limit)
	}
	return fmt.Errorf("%w: read upload: %v", errs.ErrValidation, err)
}

// HandleUploadPhoto stores a snapshot sent by the device
func (s *RESTServer) HandleUploadPhoto(w http.ResponseWriter, r *http.Request) {
	data, err := s.readUpload(w, r)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	event, err := s.coord.SavePhoto(r.Context(), authenticatedDevice(r), data)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, event)
}

// HandleUploadFrame stores a live frame sent by the device
func (s *RESTServer) HandleUploadFrame(w http.ResponseWriter, r *http.Request) {
	data, err := s.readUpload(w, r)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	res, err := s.coord.IngestFrame(r.Context(), authenticatedDevice(r), data)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

type energyRequest struct {
	Voltage float64  `json:"voltage" validate:"gte=0"`
	Current float64  `json:"current" validate:"gte=0"`
	Watts   float64  `json:"watts" validate:"gte=0"`
	CPUTemp *float64 `json:"cpuTemp"`
}

// HandleRecordEnergy stores a power reading
func (s *RESTServer) HandleRecordEnergy(w http.ResponseWriter, r *http.Request) {
	var req energyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	sample, err := s.coord.RecordEnergy(r.Context(), authenticatedDevice(r), coordinator.EnergyReading{
		Voltage: req.Voltage,
		Current: req.Current,
		Watts:   req.Watts,
		CPUTemp: req.CPUTemp,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, sample)
}

type dataUsageRequest struct {
	Type  models.DataUsageType `json:"type" validate:"required,oneof=detection photo stream system"`
	Bytes int64                `json:"bytes" validate:"min=1"`
}

// HandleRecordDataUsage stores a traffic accounting record
func (s *RESTServer) HandleRecordDataUsage(w http.ResponseWriter, r *http.Request) {
	var req dataUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	usage, err := s.coord.RecordDataUsage(r.Context(), authenticatedDevice(r), req.Type, req.Bytes)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, usage)
}

// HandleListEnergy lists recent power readings of a device
func (s *RESTServer) HandleListEnergy(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}

	samples, err := s.coord.EnergySamples(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"samples": samples,
	})
}
