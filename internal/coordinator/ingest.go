package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/camwatch/camwatch-server/internal/errs"
	"github.com/camwatch/camwatch-server/internal/framecache"
	"github.com/camwatch/camwatch-server/internal/models"
)

// FrameResult reports where an ingested frame went
type FrameResult struct {
	DeviceID   string     `json:"deviceId"`
	SessionID  *uuid.UUID `json:"sessionId,omitempty"`
	Persisted  bool       `json:"persisted"`
	FrameCount *int64     `json:"frameCount,omitempty"`
}

// IngestFrame stores data as the device's live frame and, while a stream
// session is routed for the device, appends it to that session. Failing
// to persist the session frame is not an error for the caller: the frame
// is dropped and the counters stay unchanged.
func (c *Coordinator) IngestFrame(ctx context.Context, deviceID string, data []byte) (*FrameResult, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", errs.ErrValidation)
	}
	dev, err := c.device(ctx, deviceID, true)
	if err != nil {
		return nil, err
	}
	if !dev.Enabled {
		return nil, fmt.Errorf("device %s: %w", deviceID, errs.ErrDeviceDisabled)
	}

	c.frames.Put(deviceID, data, c.clock.Now())
	res := &FrameResult{DeviceID: deviceID}

	sessionID, ok := c.arbiter.ActiveSession(deviceID)
	if !ok {
		return res, nil
	}
	res.SessionID = &sessionID

	session, err := c.sessions.AppendFrame(ctx, sessionID, data)
	switch {
	case err == nil:
		res.Persisted = true
		res.FrameCount = &session.FrameCount
	case errors.Is(err, errs.ErrSessionClosed), errors.Is(err, errs.ErrNotFound):
		c.arbiter.EndSession(deviceID, sessionID)
		res.SessionID = nil
	default:
		log.Warn().
			Err(err).
			Str("device_id", deviceID).
			Str("session_id", sessionID.String()).
			Msg("Dropped stream frame")
	}
	return res, nil
}

// LiveFrame returns the device's most recent frame. errs.ErrNotFound
// means the device has not sent one since the server started.
func (c *Coordinator) LiveFrame(deviceID string) (framecache.Frame, error) {
	return c.frames.Get(deviceID)
}

// SavePhoto persists a snapshot, records a photo media event and
// broadcasts it. The photo also becomes the device's live frame.
func (c *Coordinator) SavePhoto(ctx context.Context, deviceID string, data []byte) (*models.MediaEvent, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty photo", errs.ErrValidation)
	}
	dev, err := c.device(ctx, deviceID, true)
	if err != nil {
		return nil, err
	}
	if !dev.Enabled {
		return nil, fmt.Errorf("device %s: %w", deviceID, errs.ErrDeviceDisabled)
	}

	now := c.clock.Now()
	path := c.layout.PhotoPath(deviceID, now)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create photo dir: %v", errs.ErrStorage, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("%w: write photo: %v", errs.ErrStorage, err)
	}

	c.frames.Put(deviceID, data, now)

	event := &models.MediaEvent{
		ID:        uuid.New(),
		Type:      models.MediaTypePhoto,
		DeviceID:  deviceID,
		Path:      path,
		URL:       c.layout.URL(path),
		SizeBytes: int64(len(data)),
		CreatedAt: now,
	}
	if err := c.store.CreateMediaEvent(ctx, event); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("%w: create media event: %v", errs.ErrStorage, err)
	}

	log.Info().
		Str("device_id", deviceID).
		Str("event_id", event.ID.String()).
		Int("bytes", len(data)).
		Msg("Photo saved")

	c.publish(event)
	return event, nil
}

// EnergyReading is a power report sent by a device
type EnergyReading struct {
	Voltage float64
	Current float64
	Watts   float64
	CPUTemp *float64
}

// RecordEnergy stores a power reading. Watts is derived from voltage and
// current when the device leaves it out.
func (c *Coordinator) RecordEnergy(ctx context.Context, deviceID string, r EnergyReading) (*models.EnergySample, error) {
	if _, err := c.device(ctx, deviceID, true); err != nil {
		return nil, err
	}
	if r.Watts == 0 {
		r.Watts = r.Voltage * r.Current
	}

	sample := &models.EnergySample{
		ID:         uuid.New(),
		DeviceID:   deviceID,
		Voltage:    r.Voltage,
		Current:    r.Current,
		Watts:      r.Watts,
		CPUTemp:    r.CPUTemp,
		RecordedAt: c.clock.Now(),
	}
	if err := c.store.CreateEnergySample(ctx, sample); err != nil {
		return nil, fmt.Errorf("%w: create energy sample: %v", errs.ErrStorage, err)
	}
	return sample, nil
}

// EnergySamples returns the device's most recent power readings, newest
// first
func (c *Coordinator) EnergySamples(ctx context.Context, deviceID string, limit int) ([]*models.EnergySample, error) {
	if _, err := c.device(ctx, deviceID, false); err != nil {
		return nil, err
	}
	samples, err := c.store.ListEnergySamples(ctx, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list energy samples: %v", errs.ErrStorage, err)
	}
	return samples, nil
}

// RecordDataUsage stores a traffic accounting record
func (c *Coordinator) RecordDataUsage(ctx context.Context, deviceID string, typ models.DataUsageType, bytes int64) (*models.DataUsage, error) {
	if bytes < 0 {
		return nil, fmt.Errorf("%w: bytes must not be negative", errs.ErrValidation)
	}
	switch typ {
	case models.DataUsageDetection, models.DataUsagePhoto, models.DataUsageStream, models.DataUsageSystem:
	default:
		return nil, fmt.Errorf("%w: unknown data usage type %q", errs.ErrValidation, typ)
	}
	if _, err := c.device(ctx, deviceID, true); err != nil {
		return nil, err
	}

	usage := &models.DataUsage{
		ID:         uuid.New(),
		DeviceID:   deviceID,
		Type:       typ,
		Bytes:      bytes,
		RecordedAt: c.clock.Now(),
	}
	if err := c.store.CreateDataUsage(ctx, usage); err != nil {
		return nil, fmt.Errorf("%w: create data usage: %v", errs.ErrStorage, err)
	}
	return usage, nil
}
