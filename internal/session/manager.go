// Package session owns the lifecycle of stream sessions: frame
// persistence while active, and assembly into a video when they end.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/camwatch/camwatch-server/internal/clock"
	"github.com/camwatch/camwatch-server/internal/encoder"
	"github.com/camwatch/camwatch-server/internal/errs"
	"github.com/camwatch/camwatch-server/internal/media"
	"github.com/camwatch/camwatch-server/internal/models"
	"github.com/camwatch/camwatch-server/internal/storage"
)

const reasonNoFrames = "no frames captured"

// Outcome is the result of finalizing or regenerating a session. Event is
// set when a video was produced.
type Outcome struct {
	Session *models.StreamSession
	Event   *models.MediaEvent
}

// slot serializes frame appends against finalization of one session.
// Slots live as long as the manager so that every caller for a session
// contends on the same lock.
type slot struct {
	mu         sync.Mutex
	finalizing bool
}

// Manager creates stream sessions, persists their frames and finalizes
// them.
type Manager struct {
	store   storage.Store
	encoder encoder.Encoder
	clock   clock.Clock
	layout  media.Layout

	mu    sync.Mutex
	slots map[uuid.UUID]*slot
}

// NewManager creates a session manager
func NewManager(store storage.Store, enc encoder.Encoder, c clock.Clock, layout media.Layout) *Manager {
	return &Manager{
		store:   store,
		encoder: enc,
		clock:   c,
		layout:  layout,
		slots:   make(map[uuid.UUID]*slot),
	}
}

func (m *Manager) slot(id uuid.UUID) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[id]
	if !ok {
		s = &slot{}
		m.slots[id] = s
	}
	return s
}

// Start creates an active session for deviceID
func (m *Manager) Start(ctx context.Context, deviceID, initiatedBy string, duration time.Duration, finalizeAt time.Time) (*models.StreamSession, error) {
	session := &models.StreamSession{
		ID:              uuid.New(),
		DeviceID:        deviceID,
		Status:          models.SessionStatusActive,
		InitiatedBy:     initiatedBy,
		DurationSeconds: int(duration / time.Second),
		StartedAt:       m.clock.Now(),
		FinalizeAt:      finalizeAt,
	}

	if err := m.store.CreateStreamSession(ctx, session); err != nil {
		return nil, fmt.Errorf("%w: create stream session: %v", errs.ErrStorage, err)
	}

	if err := os.MkdirAll(m.layout.FramesDir(session.ID), 0o755); err != nil {
		log.Warn().Err(err).Str("session_id", session.ID.String()).Msg("Failed to create frames directory")
	}

	return session, nil
}

// AppendFrame stores one frame of an active session and bumps its
// counters. A frame that cannot be stored leaves the counters unchanged.
func (m *Manager) AppendFrame(ctx context.Context, id uuid.UUID, data []byte) (*models.StreamSession, error) {
	s := m.slot(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalizing {
		return nil, errs.ErrSessionClosed
	}

	session, err := m.store.GetStreamSession(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: get stream session: %v", errs.ErrStorage, err)
	}
	if session.Status != models.SessionStatusActive {
		return nil, errs.ErrSessionClosed
	}

	path := m.layout.FramePath(id, m.clock.Now(), session.FrameCount+1)
	if err := os.MkdirAll(m.layout.FramesDir(id), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create frames dir: %v", errs.ErrStorage, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("%w: write frame: %v", errs.ErrStorage, err)
	}

	updated, err := m.store.AddSessionFrame(ctx, id, int64(len(data)))
	if err != nil {
		os.Remove(path)
		if errors.Is(err, storage.ErrSessionClosed) {
			return nil, errs.ErrSessionClosed
		}
		return nil, fmt.Errorf("%w: count frame: %v", errs.ErrStorage, err)
	}

	return updated, nil
}

// Finalize assembles the session's frames into a video and moves it to a
// terminal status. Terminal sessions are returned unchanged.
func (m *Manager) Finalize(ctx context.Context, id uuid.UUID) (*Outcome, error) {
	session, err := m.claim(ctx, id, false)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return &Outcome{Session: session}, nil
	}
	defer m.release(id)

	now := m.clock.Now()
	session.EndedAt = &now
	return m.assemble(ctx, session)
}

// Regenerate re-runs assembly over the stored frames of a terminal
// session and recomputes its terminal status.
func (m *Manager) Regenerate(ctx context.Context, id uuid.UUID) (*Outcome, error) {
	session, err := m.claim(ctx, id, true)
	if err != nil {
		return nil, err
	}
	defer m.release(id)

	if session.EndedAt == nil {
		now := m.clock.Now()
		session.EndedAt = &now
	}
	return m.assemble(ctx, session)
}

// claim marks the session as finalizing. With terminalOnly, active
// sessions are refused; otherwise terminal sessions are returned without
// being claimed.
func (m *Manager) claim(ctx context.Context, id uuid.UUID, terminalOnly bool) (*models.StreamSession, error) {
	s := m.slot(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalizing {
		return nil, errs.ErrFinalizing
	}

	session, err := m.store.GetStreamSession(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: get stream session: %v", errs.ErrStorage, err)
	}

	switch {
	case terminalOnly && !session.Status.Terminal():
		return nil, errs.ErrSessionActive
	case !terminalOnly && session.Status.Terminal():
		return session, nil
	}

	s.finalizing = true
	return session, nil
}

func (m *Manager) release(id uuid.UUID) {
	s := m.slot(id)
	s.mu.Lock()
	s.finalizing = false
	s.mu.Unlock()
}

func (m *Manager) assemble(ctx context.Context, session *models.StreamSession) (*Outcome, error) {
	logger := log.With().
		Str("session_id", session.ID.String()).
		Str("device_id", session.DeviceID).
		Logger()

	session.VideoPath = nil
	session.FailureReason = nil

	frames, err := m.layout.ListFrames(session.ID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list session frames")
	}

	var event *models.MediaEvent
	switch {
	case len(frames) == 0:
		session.Status = models.SessionStatusFailed
		reason := reasonNoFrames
		session.FailureReason = &reason
	default:
		result := m.encoder.Encode(ctx, encoder.Job{
			SessionID:  session.ID,
			FramesDir:  m.layout.FramesDir(session.ID),
			OutputPath: m.layout.VideoPath(session.ID),
		})
		if result.OK() {
			session.Status = models.SessionStatusCompleted
			videoPath := result.OutputPath
			session.VideoPath = &videoPath
			event = &models.MediaEvent{
				ID:        uuid.New(),
				Type:      models.MediaTypeVideo,
				DeviceID:  session.DeviceID,
				SessionID: &session.ID,
				Path:      videoPath,
				URL:       m.layout.URL(videoPath),
				SizeBytes: result.SizeBytes,
				CreatedAt: m.clock.Now(),
			}
			logger.Info().
				Int("frames", len(frames)).
				Dur("elapsed", result.Elapsed).
				Msg("Stream session video assembled")
		} else if ctx.Err() != nil {
			// Shutdown interrupted the encoder; the session stays active
			// and is finalized again after recovery.
			logger.Warn().Err(result.Err).Msg("Video assembly interrupted")
			return nil, fmt.Errorf("assemble session %s: %w", session.ID, ctx.Err())
		} else {
			session.Status = models.SessionStatusFailed
			reason := result.Err.Error()
			session.FailureReason = &reason
			logger.Warn().Err(result.Err).Int("frames", len(frames)).Msg("Video assembly failed")
		}
	}

	if err := m.persist(ctx, session, event); err != nil {
		return nil, err
	}
	return &Outcome{Session: session, Event: event}, nil
}

func (m *Manager) persist(ctx context.Context, session *models.StreamSession, event *models.MediaEvent) error {
	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", errs.ErrStorage, err)
	}
	defer tx.Rollback()

	if err := tx.UpdateStreamSessionResult(ctx, session); err != nil {
		return fmt.Errorf("%w: update stream session: %v", errs.ErrStorage, err)
	}
	if event != nil {
		if err := tx.CreateMediaEvent(ctx, event); err != nil {
			return fmt.Errorf("%w: create media event: %v", errs.ErrStorage, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", errs.ErrStorage, err)
	}
	return nil
}
