package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/camwatch/camwatch-server/internal/models"
)

const mediaEventColumns = `id, type, device_id, session_id, path, url, size_bytes, created_at`

// CreateMediaEvent records a new photo or video announcement
func (s *PostgresStore) CreateMediaEvent(ctx context.Context, event *models.MediaEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
        INSERT INTO media_events (` + mediaEventColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.getDB().ExecContext(ctx, query,
		event.ID, event.Type, event.DeviceID, event.SessionID,
		event.Path, event.URL, event.SizeBytes, event.CreatedAt,
	)

	return err
}

// ListMediaEvents lists media events with filters, newest first
func (s *PostgresStore) ListMediaEvents(ctx context.Context, filters MediaEventFilters, limit, offset int) ([]*models.MediaEvent, int64, error) {
	var where whereBuilder
	if filters.DeviceID != nil {
		where.add("device_id = $%d", *filters.DeviceID)
	}
	if filters.Type != nil {
		where.add("type = $%d", *filters.Type)
	}
	if filters.SessionID != nil {
		where.add("session_id = $%d", *filters.SessionID)
	}

	var count int64
	err := s.getDB().QueryRowContext(ctx, `SELECT COUNT(*) FROM media_events`+where.String(), where.args...).Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	query, args := where.page(`SELECT `+mediaEventColumns+` FROM media_events`+where.String(), "created_at DESC", limit, offset)

	rows, err := s.getDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*models.MediaEvent
	for rows.Next() {
		event := &models.MediaEvent{}
		err := rows.Scan(
			&event.ID, &event.Type, &event.DeviceID, &event.SessionID,
			&event.Path, &event.URL, &event.SizeBytes, &event.CreatedAt,
		)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, event)
	}

	return events, count, rows.Err()
}
