package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/camwatch/camwatch-server/internal/models"
)

// CreateEnergySample stores a power reading
func (s *PostgresStore) CreateEnergySample(ctx context.Context, sample *models.EnergySample) error {
	if sample.ID == uuid.Nil {
		sample.ID = uuid.New()
	}
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = time.Now()
	}

	query := `
        INSERT INTO energy_samples (id, device_id, voltage, current, watts, cpu_temp, recorded_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.getDB().ExecContext(ctx, query,
		sample.ID, sample.DeviceID, sample.Voltage, sample.Current,
		sample.Watts, sample.CPUTemp, sample.RecordedAt,
	)
	return err
}

// ListEnergySamples returns the most recent readings of a device
func (s *PostgresStore) ListEnergySamples(ctx context.Context, deviceID string, limit int) ([]*models.EnergySample, error) {
	query := `
        SELECT id, device_id, voltage, current, watts, cpu_temp, recorded_at
        FROM energy_samples
        WHERE device_id = $1
        ORDER BY recorded_at DESC
        LIMIT $2`

	rows, err := s.getDB().QueryContext(ctx, query, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []*models.EnergySample
	for rows.Next() {
		sample := &models.EnergySample{}
		err := rows.Scan(
			&sample.ID, &sample.DeviceID, &sample.Voltage, &sample.Current,
			&sample.Watts, &sample.CPUTemp, &sample.RecordedAt,
		)
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}

	return samples, rows.Err()
}

// CreateDataUsage stores a traffic accounting record
func (s *PostgresStore) CreateDataUsage(ctx context.Context, usage *models.DataUsage) error {
	if usage.ID == uuid.Nil {
		usage.ID = uuid.New()
	}
	if usage.RecordedAt.IsZero() {
		usage.RecordedAt = time.Now()
	}

	query := `
        INSERT INTO data_usage_events (id, device_id, type, bytes, recorded_at)
        VALUES ($1, $2, $3, $4, $5)`

	_, err := s.getDB().ExecContext(ctx, query,
		usage.ID, usage.DeviceID, usage.Type, usage.Bytes, usage.RecordedAt,
	)
	return err
}
