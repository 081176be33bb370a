package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/camwatch/camwatch-server/internal/models"
)

// ========== Stream Session Methods ==========

const streamSessionColumns = `id, device_id, status, initiated_by, duration_seconds,
               started_at, finalize_at, ended_at, frame_count, bytes_sent,
               video_path, failure_reason, created_at, updated_at`

func scanStreamSession(row rowScanner) (*models.StreamSession, error) {
	session := &models.StreamSession{}
	err := row.Scan(
		&session.ID, &session.DeviceID, &session.Status, &session.InitiatedBy,
		&session.DurationSeconds, &session.StartedAt, &session.FinalizeAt,
		&session.EndedAt, &session.FrameCount, &session.BytesSent,
		&session.VideoPath, &session.FailureReason,
		&session.CreatedAt, &session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// CreateStreamSession creates a new stream session
func (s *PostgresStore) CreateStreamSession(ctx context.Context, session *models.StreamSession) error {
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	if session.Status == "" {
		session.Status = models.SessionStatusActive
	}

	now := time.Now()
	session.CreatedAt = now
	session.UpdatedAt = now

	query := `
        INSERT INTO stream_sessions (
            id, device_id, status, initiated_by, duration_seconds,
            started_at, finalize_at, frame_count, bytes_sent,
            created_at, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.getDB().ExecContext(ctx, query,
		session.ID, session.DeviceID, session.Status, session.InitiatedBy,
		session.DurationSeconds, session.StartedAt, session.FinalizeAt,
		session.FrameCount, session.BytesSent,
		session.CreatedAt, session.UpdatedAt,
	)
	if isDuplicateKey(err) {
		return ErrDuplicateKey
	}
	return err
}

// GetStreamSession gets a stream session by id
func (s *PostgresStore) GetStreamSession(ctx context.Context, id uuid.UUID) (*models.StreamSession, error) {
	query := `SELECT ` + streamSessionColumns + ` FROM stream_sessions WHERE id = $1`

	session, err := scanStreamSession(s.getDB().QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// AddSessionFrame increments frame and byte counters of an active session
func (s *PostgresStore) AddSessionFrame(ctx context.Context, id uuid.UUID, size int64) (*models.StreamSession, error) {
	query := `
        UPDATE stream_sessions SET
            frame_count = frame_count + 1,
            bytes_sent = bytes_sent + $2,
            updated_at = $3
        WHERE id = $1 AND status = 'active'
        RETURNING ` + streamSessionColumns

	session, err := scanStreamSession(s.getDB().QueryRowContext(ctx, query, id, size, time.Now()))
	if err == sql.ErrNoRows {
		// Distinguish an unknown session from a terminal one.
		if _, getErr := s.GetStreamSession(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrSessionClosed
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// UpdateStreamSessionResult persists the lifecycle outcome of a session
func (s *PostgresStore) UpdateStreamSessionResult(ctx context.Context, session *models.StreamSession) error {
	session.UpdatedAt = time.Now()

	query := `
        UPDATE stream_sessions SET
            status = $2, ended_at = $3, video_path = $4,
            failure_reason = $5, updated_at = $6
        WHERE id = $1`

	result, err := s.getDB().ExecContext(ctx, query,
		session.ID, session.Status, session.EndedAt, session.VideoPath,
		session.FailureReason, session.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return expectOneRow(result)
}

// ListStreamSessions lists stream sessions with filters, newest first
func (s *PostgresStore) ListStreamSessions(ctx context.Context, filters StreamSessionFilters, limit, offset int) ([]*models.StreamSession, int64, error) {
	var where whereBuilder
	if filters.DeviceID != nil {
		where.add("device_id = $%d", *filters.DeviceID)
	}
	if filters.Status != nil {
		where.add("status = $%d", *filters.Status)
	}

	var count int64
	err := s.getDB().QueryRowContext(ctx, `SELECT COUNT(*) FROM stream_sessions`+where.String(), where.args...).Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	query, args := where.page(`SELECT `+streamSessionColumns+` FROM stream_sessions`+where.String(), "started_at DESC", limit, offset)

	rows, err := s.getDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var sessions []*models.StreamSession
	for rows.Next() {
		session, err := scanStreamSession(rows)
		if err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, session)
	}

	return sessions, count, rows.Err()
}
