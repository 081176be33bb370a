package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/camwatch/camwatch-server/internal/errs"
	"github.com/camwatch/camwatch-server/internal/models"
)

// Common errors
var (
	ErrNotFound      = errs.ErrNotFound
	ErrDuplicateKey  = errs.ErrDuplicateKey
	ErrSessionClosed = errs.ErrSessionClosed
)

// Store defines the storage interface
type Store interface {
	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	// Device methods
	CreateDevice(ctx context.Context, device *models.Device) error
	UpsertDevice(ctx context.Context, device *models.Device) error
	GetDevice(ctx context.Context, id string) (*models.Device, error)
	UpdateDevice(ctx context.Context, device *models.Device) error
	TouchDevice(ctx context.Context, id string, seenAt time.Time) error
	ListDevices(ctx context.Context, limit, offset int) ([]*models.Device, int64, error)

	// Stream session methods
	CreateStreamSession(ctx context.Context, session *models.StreamSession) error
	GetStreamSession(ctx context.Context, id uuid.UUID) (*models.StreamSession, error)
	// AddSessionFrame counts one frame of size bytes against an active
	// session. It returns ErrSessionClosed if the session is terminal.
	AddSessionFrame(ctx context.Context, id uuid.UUID, size int64) (*models.StreamSession, error)
	UpdateStreamSessionResult(ctx context.Context, session *models.StreamSession) error
	ListStreamSessions(ctx context.Context, filters StreamSessionFilters, limit, offset int) ([]*models.StreamSession, int64, error)

	// Media event methods
	CreateMediaEvent(ctx context.Context, event *models.MediaEvent) error
	ListMediaEvents(ctx context.Context, filters MediaEventFilters, limit, offset int) ([]*models.MediaEvent, int64, error)

	// Telemetry methods
	CreateEnergySample(ctx context.Context, sample *models.EnergySample) error
	ListEnergySamples(ctx context.Context, deviceID string, limit int) ([]*models.EnergySample, error)
	CreateDataUsage(ctx context.Context, usage *models.DataUsage) error

	// Close the store
	Close() error
}

// StreamSessionFilters represents filters for stream sessions.
// A limit <= 0 passed alongside returns every matching row.
type StreamSessionFilters struct {
	DeviceID *string
	Status   *models.SessionStatus
}

// MediaEventFilters represents filters for media events
type MediaEventFilters struct {
	DeviceID  *string
	Type      *models.MediaType
	SessionID *uuid.UUID
}
