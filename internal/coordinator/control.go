package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/camwatch/camwatch-server/internal/arbiter"
	"github.com/camwatch/camwatch-server/internal/errs"
	"github.com/camwatch/camwatch-server/internal/models"
)

// PollAction answers a device's poll. It registers the contact and
// consumes a pending photo request. Disabled devices always idle.
func (c *Coordinator) PollAction(ctx context.Context, deviceID string) (arbiter.Decision, error) {
	dev, err := c.device(ctx, deviceID, true)
	if err != nil {
		return arbiter.Decision{}, err
	}
	if !dev.Enabled {
		return arbiter.Decision{Action: arbiter.ActionNone}, nil
	}

	d := c.arbiter.Poll(deviceID)
	if d.Action != arbiter.ActionNone {
		log.Debug().
			Str("device_id", deviceID).
			Str("action", string(d.Action)).
			Int("remaining_seconds", d.StreamRemainingSeconds).
			Msg("Dispatched device action")
	}
	return d, nil
}

// RequestPhoto queues a snapshot for the device's next poll
func (c *Coordinator) RequestPhoto(ctx context.Context, deviceID string) (arbiter.State, error) {
	if err := c.requireEnabled(ctx, deviceID); err != nil {
		return arbiter.State{}, err
	}

	state := c.arbiter.RequestPhoto(deviceID)
	log.Info().Str("device_id", deviceID).Msg("Photo requested")
	return state, nil
}

// StreamRequest is the result of RequestStream
type StreamRequest struct {
	Session     *models.StreamSession
	StreamUntil time.Time
}

// DefaultStreamDuration is the duration used by callers whose request
// format makes it optional
func (c *Coordinator) DefaultStreamDuration() time.Duration { return c.opts.DefaultDuration }

// RequestStream opens a stream session of the given duration and
// schedules its finalization after the buffer period. Any earlier session
// of the device stops receiving frames and finalizes on its own schedule.
func (c *Coordinator) RequestStream(ctx context.Context, deviceID string, duration time.Duration, initiatedBy string) (*StreamRequest, error) {
	if duration < time.Second || duration > c.opts.MaxDuration {
		return nil, fmt.Errorf("%w: duration must be between 1s and %s", errs.ErrValidation, c.opts.MaxDuration)
	}
	if err := c.requireEnabled(ctx, deviceID); err != nil {
		return nil, err
	}

	delay := duration + c.opts.FinalizeBuffer
	session, err := c.sessions.Start(ctx, deviceID, initiatedBy, duration, c.clock.Now().Add(delay))
	if err != nil {
		return nil, err
	}

	until := c.arbiter.BeginStream(deviceID, session.ID, duration)
	c.scheduler.Schedule(session.ID, deviceID, delay)

	log.Info().
		Str("device_id", deviceID).
		Str("session_id", session.ID.String()).
		Dur("duration", duration).
		Time("finalize_at", session.FinalizeAt).
		Msg("Stream requested")

	return &StreamRequest{Session: session, StreamUntil: until}, nil
}

func (c *Coordinator) requireEnabled(ctx context.Context, deviceID string) error {
	dev, err := c.device(ctx, deviceID, false)
	if err != nil {
		return err
	}
	if !dev.Enabled {
		return fmt.Errorf("device %s: %w", deviceID, errs.ErrDeviceDisabled)
	}
	return nil
}
