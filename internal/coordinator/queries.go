package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/camwatch/camwatch-server/internal/errs"
	"github.com/camwatch/camwatch-server/internal/models"
	"github.com/camwatch/camwatch-server/internal/storage"
)

// Session returns a stream session
func (c *Coordinator) Session(ctx context.Context, id uuid.UUID) (*models.StreamSession, error) {
	session, err := c.store.GetStreamSession(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("session %s: %w", id, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: get stream session: %v", errs.ErrStorage, err)
	}
	return session, nil
}

// ListSessions lists stream sessions, newest first
func (c *Coordinator) ListSessions(ctx context.Context, filters storage.StreamSessionFilters, limit, offset int) ([]*models.StreamSession, int64, error) {
	if filters.Status != nil && !filters.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", errs.ErrValidation, *filters.Status)
	}
	sessions, total, err := c.store.ListStreamSessions(ctx, filters, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: list stream sessions: %v", errs.ErrStorage, err)
	}
	return sessions, total, nil
}

// ListMediaEvents lists persisted media events, newest first
func (c *Coordinator) ListMediaEvents(ctx context.Context, filters storage.MediaEventFilters, limit, offset int) ([]*models.MediaEvent, int64, error) {
	events, total, err := c.store.ListMediaEvents(ctx, filters, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: list media events: %v", errs.ErrStorage, err)
	}
	return events, total, nil
}

// Regenerate re-runs video assembly for a finished session and waits for
// the result
func (c *Coordinator) Regenerate(ctx context.Context, id uuid.UUID) (*models.StreamSession, error) {
	out, err := c.sessions.Regenerate(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("session %s: %w", id, errs.ErrNotFound)
		}
		return nil, err
	}

	log.Info().
		Str("session_id", id.String()).
		Str("status", string(out.Session.Status)).
		Msg("Stream session regenerated")

	c.publish(out.Event)
	return out.Session, nil
}

// RegenerateAsync validates that id can be regenerated and runs the
// assembly in the background. The result is observable through the
// session's status.
func (c *Coordinator) RegenerateAsync(ctx context.Context, id uuid.UUID) (*models.StreamSession, error) {
	session, err := c.Session(ctx, id)
	if err != nil {
		return nil, err
	}
	if !session.Status.Terminal() {
		return nil, fmt.Errorf("session %s: %w", id, errs.ErrSessionActive)
	}

	err = c.goBackground(func() {
		if _, err := c.Regenerate(c.ctx, id); err != nil {
			log.Error().Err(err).Str("session_id", id.String()).Msg("Stream session regeneration failed")
		}
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}
