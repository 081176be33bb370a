// Package coordinator ties the action arbiter, frame cache, stream session
// manager, finalization scheduler and event hub together and implements
// the operations exposed over HTTP, websocket and NATS.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/camwatch/camwatch-server/internal/arbiter"
	"github.com/camwatch/camwatch-server/internal/broadcast"
	"github.com/camwatch/camwatch-server/internal/clock"
	"github.com/camwatch/camwatch-server/internal/encoder"
	"github.com/camwatch/camwatch-server/internal/errs"
	"github.com/camwatch/camwatch-server/internal/framecache"
	"github.com/camwatch/camwatch-server/internal/media"
	"github.com/camwatch/camwatch-server/internal/models"
	"github.com/camwatch/camwatch-server/internal/scheduler"
	"github.com/camwatch/camwatch-server/internal/session"
	"github.com/camwatch/camwatch-server/internal/storage"
)

var errShuttingDown = errors.New("coordinator is shutting down")

// Options tunes stream timing and device registration
type Options struct {
	DefaultDuration time.Duration
	MaxDuration     time.Duration
	FinalizeBuffer  time.Duration
	AutoRegister    bool
}

// Deps are the collaborators a Coordinator is built from
type Deps struct {
	Store   storage.Store
	Clock   clock.Clock
	Encoder encoder.Encoder
	Hub     *broadcast.Hub
	Layout  media.Layout
}

// Coordinator implements the camera control and media planes
type Coordinator struct {
	ctx    context.Context
	cancel context.CancelFunc
	store  storage.Store
	clock clock.Clock
	opts  Options

	arbiter   *arbiter.Arbiter
	frames    *framecache.Cache
	sessions  *session.Manager
	scheduler *scheduler.Scheduler
	hub       *broadcast.Hub
	layout    media.Layout

	mu         sync.Mutex
	closed     bool
	background sync.WaitGroup
}

// New creates a Coordinator. ctx bounds background work such as scheduled
// finalization and asynchronous regeneration; Shutdown also ends it.
func New(ctx context.Context, deps Deps, opts Options) *Coordinator {
	ctx, cancel := context.WithCancel(ctx)
	c := &Coordinator{
		ctx:      ctx,
		cancel:   cancel,
		store:    deps.Store,
		clock:    deps.Clock,
		opts:     opts,
		arbiter:  arbiter.New(deps.Clock),
		frames:   framecache.New(),
		sessions: session.NewManager(deps.Store, deps.Encoder, deps.Clock, deps.Layout),
		hub:      deps.Hub,
		layout:   deps.Layout,
	}
	c.scheduler = scheduler.New(ctx, deps.Clock, c.finalize)
	return c
}

// Context returns the context bounding background work. Long-lived
// connections use it instead of their request context.
func (c *Coordinator) Context() context.Context { return c.ctx }

// Hub returns the media event hub
func (c *Coordinator) Hub() *broadcast.Hub { return c.hub }

// Layout returns the media layout
func (c *Coordinator) Layout() media.Layout { return c.layout }

// PendingFinalizations lists scheduled session finalizations
func (c *Coordinator) PendingFinalizations() []scheduler.Task { return c.scheduler.Pending() }

// Close is Shutdown without a deadline
func (c *Coordinator) Close() {
	c.Shutdown(context.Background())
}

// Shutdown stops scheduling and waits for running finalizations and
// regenerations. If ctx ends first their encoders are cancelled; the
// interrupted sessions stay active and Recover picks them up.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.scheduler.Stop()
		c.background.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		log.Warn().Msg("Cancelling running video assembly")
		c.cancel()
		<-done
	}
	c.cancel()
	return err
}

// goBackground runs fn unless the coordinator is shutting down
func (c *Coordinator) goBackground(fn func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errShuttingDown
	}
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		fn()
	}()
	return nil
}

// finalize runs when a session's deadline plus buffer has elapsed
func (c *Coordinator) finalize(ctx context.Context, sessionID uuid.UUID) {
	out, err := c.sessions.Finalize(ctx, sessionID)
	if errors.Is(err, context.Canceled) {
		log.Info().Str("session_id", sessionID.String()).Msg("Stream session left active for recovery")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Stream session finalization failed")
		return
	}

	c.arbiter.EndSession(out.Session.DeviceID, sessionID)

	log.Info().
		Str("session_id", sessionID.String()).
		Str("device_id", out.Session.DeviceID).
		Str("status", string(out.Session.Status)).
		Int64("frames", out.Session.FrameCount).
		Int64("bytes", out.Session.BytesSent).
		Msg("Stream session finalized")

	c.publish(out.Event)
}

func (c *Coordinator) publish(event *models.MediaEvent) {
	if event == nil || c.hub == nil {
		return
	}
	n, err := c.hub.Publish(event)
	if err != nil {
		log.Error().Err(err).Str("event_id", event.ID.String()).Msg("Failed to publish media event")
		return
	}
	log.Debug().
		Str("event_id", event.ID.String()).
		Str("type", string(event.Type)).
		Int("subscribers", n).
		Msg("Media event published")
}

// Recover reschedules finalization for sessions left active by a previous
// process and restores frame routing to the newest one per device.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	status := models.SessionStatusActive
	sessions, _, err := c.store.ListStreamSessions(ctx, storage.StreamSessionFilters{Status: &status}, 0, 0)
	if err != nil {
		return 0, fmt.Errorf("%w: list active sessions: %v", errs.ErrStorage, err)
	}

	// Oldest first so the newest session per device ends up routed.
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].StartedAt.Before(sessions[j].StartedAt) })

	now := c.clock.Now()
	for _, s := range sessions {
		deadline := s.StartedAt.Add(time.Duration(s.DurationSeconds) * time.Second)
		c.arbiter.Restore(s.DeviceID, s.ID, deadline)
		c.scheduler.Schedule(s.ID, s.DeviceID, s.FinalizeAt.Sub(now))

		log.Info().
			Str("session_id", s.ID.String()).
			Str("device_id", s.DeviceID).
			Time("finalize_at", s.FinalizeAt).
			Msg("Recovered active stream session")
	}
	return len(sessions), nil
}
