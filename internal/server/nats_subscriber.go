// Package server connects the coordinator to the NATS message bus.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/camwatch/camwatch-server/internal/broadcast"
	"github.com/camwatch/camwatch-server/internal/coordinator"
	"github.com/camwatch/camwatch-server/internal/errs"
)

// NATSSubscriber accepts photo and stream requests on
// <prefix>.<device>.request.{photo,stream} and republishes media events on
// <prefix>.<device>.media.<type>.
type NATSSubscriber struct {
	nc     *nats.Conn
	coord  *coordinator.Coordinator
	prefix string
	subs   []*nats.Subscription
}

// NewNATSSubscriber creates NATS subscriber
func NewNATSSubscriber(nc *nats.Conn, coord *coordinator.Coordinator, prefix string) *NATSSubscriber {
	return &NATSSubscriber{
		nc:     nc,
		coord:  coord,
		prefix: prefix,
		subs:   make([]*nats.Subscription, 0),
	}
}

// Start subscribes and bridges hub events until ctx is done
func (s *NATSSubscriber) Start(ctx context.Context) error {
	sub1, err := s.nc.Subscribe(s.prefix+".*.request.photo", s.handleRequestPhoto)
	if err != nil {
		return fmt.Errorf("subscribe photo requests: %w", err)
	}
	s.subs = append(s.subs, sub1)

	sub2, err := s.nc.Subscribe(s.prefix+".*.request.stream", s.handleRequestStream)
	if err != nil {
		return fmt.Errorf("subscribe stream requests: %w", err)
	}
	s.subs = append(s.subs, sub2)

	log.Info().
		Int("subscriptions", len(s.subs)).
		Str("prefix", s.prefix).
		Msg("NATS subscriber started")

	for s.bridge(ctx, s.coord.Hub().Subscribe(broadcast.TopicAll)) {
		log.Warn().Msg("NATS event bridge fell behind, resubscribing")
	}

	for _, sub := range s.subs {
		sub.Unsubscribe()
	}

	return ctx.Err()
}

// bridge publishes hub events until ctx is done (false) or the hub drops
// the subscription (true)
func (s *NATSSubscriber) bridge(ctx context.Context, sub *broadcast.Subscription) bool {
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-sub.C:
			if !ok {
				return ctx.Err() == nil
			}
			subject := s.MediaSubject(msg.Event.DeviceID, string(msg.Event.Type))
			if err := s.nc.Publish(subject, msg.Payload); err != nil {
				log.Error().Err(err).Str("subject", subject).Msg("Failed to publish media event")
			}
		}
	}
}

// MediaSubject is the subject media events of deviceID are published on
func (s *NATSSubscriber) MediaSubject(deviceID, mediaType string) string {
	return s.prefix + "." + deviceID + ".media." + mediaType
}

// deviceFromSubject extracts the device id from <prefix>.<device>.<suffix>
func (s *NATSSubscriber) deviceFromSubject(subject, suffix string) (string, error) {
	id, ok := strings.CutPrefix(subject, s.prefix+".")
	if ok {
		id, ok = strings.CutSuffix(id, "."+suffix)
	}
	if !ok || id == "" || strings.Contains(id, ".") {
		return "", fmt.Errorf("%w: unexpected subject %q", errs.ErrValidation, subject)
	}
	return id, nil
}

// requestReply is sent to requesters that set a reply subject
type requestReply struct {
	OK          bool       `json:"ok"`
	Error       string     `json:"error,omitempty"`
	DeviceID    string     `json:"deviceId,omitempty"`
	SessionID   string     `json:"sessionId,omitempty"`
	StreamUntil *time.Time `json:"streamUntil,omitempty"`
}

func (s *NATSSubscriber) handleRequestPhoto(msg *nats.Msg) {
	s.respond(msg, s.requestPhoto(msg.Subject))
}

func (s *NATSSubscriber) handleRequestStream(msg *nats.Msg) {
	s.respond(msg, s.requestStream(msg.Subject, msg.Data))
}

func (s *NATSSubscriber) requestPhoto(subject string) requestReply {
	deviceID, err := s.deviceFromSubject(subject, "request.photo")
	if err != nil {
		return failure(err)
	}

	if _, err := s.coord.RequestPhoto(s.coord.Context(), deviceID); err != nil {
		log.Warn().Err(err).Str("device_id", deviceID).Msg("NATS photo request rejected")
		return failure(err)
	}

	log.Info().Str("device_id", deviceID).Msg("Photo requested over NATS")
	return requestReply{OK: true, DeviceID: deviceID}
}

// streamRequest is the optional body of a stream request
type streamRequest struct {
	DurationSeconds int    `json:"durationSeconds"`
	InitiatedBy     string `json:"initiatedBy"`
}

func (s *NATSSubscriber) requestStream(subject string, data []byte) requestReply {
	deviceID, err := s.deviceFromSubject(subject, "request.stream")
	if err != nil {
		return failure(err)
	}

	var req streamRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return failure(fmt.Errorf("%w: invalid request body", errs.ErrValidation))
		}
	}
	if req.DurationSeconds < 0 {
		return failure(fmt.Errorf("%w: durationSeconds must not be negative", errs.ErrValidation))
	}
	if req.InitiatedBy == "" {
		req.InitiatedBy = "nats"
	}
	duration := time.Duration(req.DurationSeconds) * time.Second
	if duration == 0 {
		duration = s.coord.DefaultStreamDuration()
	}

	out, err := s.coord.RequestStream(s.coord.Context(), deviceID, duration, req.InitiatedBy)
	if err != nil {
		log.Warn().Err(err).Str("device_id", deviceID).Msg("NATS stream request rejected")
		return failure(err)
	}

	log.Info().
		Str("device_id", deviceID).
		Str("session_id", out.Session.ID.String()).
		Msg("Stream requested over NATS")

	until := out.StreamUntil
	return requestReply{OK: true, DeviceID: deviceID, SessionID: out.Session.ID.String(), StreamUntil: &until}
}

func failure(err error) requestReply {
	msg := "internal error"
	switch {
	case errors.Is(err, errs.ErrValidation),
		errors.Is(err, errs.ErrNotFound),
		errors.Is(err, errs.ErrDeviceDisabled):
		msg = err.Error()
	}
	return requestReply{Error: msg}
}

func (s *NATSSubscriber) respond(msg *nats.Msg, reply requestReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal NATS reply")
		return
	}
	if err := s.nc.Publish(msg.Reply, data); err != nil {
		log.Error().Err(err).Str("subject", msg.Reply).Msg("Failed to send NATS reply")
	}
}
