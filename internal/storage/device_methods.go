package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/camwatch/camwatch-server/internal/models"
)

// ========== Device Methods ==========

const deviceColumns = `id, name, description, enabled, api_key_hash, last_seen_at, metadata, created_at, updated_at`

func scanDevice(row rowScanner) (*models.Device, error) {
	device := &models.Device{}
	err := row.Scan(
		&device.ID, &device.Name, &device.Description, &device.Enabled,
		&device.APIKeyHash, &device.LastSeenAt, &device.Metadata,
		&device.CreatedAt, &device.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return device, nil
}

// CreateDevice creates a new device
func (s *PostgresStore) CreateDevice(ctx context.Context, device *models.Device) error {
	now := time.Now()
	device.CreatedAt = now
	device.UpdatedAt = now

	query := `
        INSERT INTO devices (` + deviceColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.getDB().ExecContext(ctx, query,
		device.ID, device.Name, device.Description, device.Enabled,
		device.APIKeyHash, device.LastSeenAt, device.Metadata,
		device.CreatedAt, device.UpdatedAt,
	)
	if isDuplicateKey(err) {
		return ErrDuplicateKey
	}
	return err
}

// UpsertDevice creates a device or refreshes its descriptive fields.
// Last contact time is preserved.
func (s *PostgresStore) UpsertDevice(ctx context.Context, device *models.Device) error {
	now := time.Now()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now

	query := `
        INSERT INTO devices (` + deviceColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (id) DO UPDATE SET
            name = EXCLUDED.name,
            description = EXCLUDED.description,
            enabled = EXCLUDED.enabled,
            api_key_hash = EXCLUDED.api_key_hash,
            metadata = EXCLUDED.metadata,
            updated_at = EXCLUDED.updated_at`

	_, err := s.getDB().ExecContext(ctx, query,
		device.ID, device.Name, device.Description, device.Enabled,
		device.APIKeyHash, device.LastSeenAt, device.Metadata,
		device.CreatedAt, device.UpdatedAt,
	)
	return err
}

// GetDevice gets a device by id
func (s *PostgresStore) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1`

	device, err := scanDevice(s.getDB().QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return device, nil
}

// UpdateDevice updates the mutable fields of a device
func (s *PostgresStore) UpdateDevice(ctx context.Context, device *models.Device) error {
	device.UpdatedAt = time.Now()

	query := `
        UPDATE devices SET
            name = $2, description = $3, enabled = $4,
            api_key_hash = $5, metadata = $6, updated_at = $7
        WHERE id = $1`

	result, err := s.getDB().ExecContext(ctx, query,
		device.ID, device.Name, device.Description, device.Enabled,
		device.APIKeyHash, device.Metadata, device.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return expectOneRow(result)
}

// TouchDevice records the last time a device contacted the server
func (s *PostgresStore) TouchDevice(ctx context.Context, id string, seenAt time.Time) error {
	query := `UPDATE devices SET last_seen_at = $2 WHERE id = $1`

	result, err := s.getDB().ExecContext(ctx, query, id, seenAt)
	if err != nil {
		return err
	}
	return expectOneRow(result)
}

// ListDevices lists devices ordered by id
func (s *PostgresStore) ListDevices(ctx context.Context, limit, offset int) ([]*models.Device, int64, error) {
	var count int64
	if err := s.getDB().QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&count); err != nil {
		return nil, 0, err
	}

	var where whereBuilder
	query, args := where.page(`SELECT `+deviceColumns+` FROM devices`, "id", limit, offset)

	rows, err := s.getDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, 0, err
		}
		devices = append(devices, device)
	}

	return devices, count, rows.Err()
}

func expectOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
