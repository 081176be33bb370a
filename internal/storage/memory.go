package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/camwatch/camwatch-server/internal/models"
)

// MemoryStore implements Store in process memory. It backs standalone
// deployments without a database and the package tests. Transactions are
// not isolated: BeginTx returns the same store and Rollback is a no-op.
type MemoryStore struct {
	mu       sync.RWMutex
	devices  map[string]*models.Device
	sessions map[uuid.UUID]*models.StreamSession
	events   []*models.MediaEvent
	energy   []*models.EnergySample
	usage    []*models.DataUsage
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:  make(map[string]*models.Device),
		sessions: make(map[uuid.UUID]*models.StreamSession),
	}
}

func (s *MemoryStore) BeginTx(ctx context.Context) (Store, error) { return s, nil }
func (s *MemoryStore) Commit() error                              { return nil }
func (s *MemoryStore) Rollback() error                            { return nil }
func (s *MemoryStore) Close() error                               { return nil }

// ========== Devices ==========

func copyDevice(d *models.Device) *models.Device {
	c := *d
	if d.LastSeenAt != nil {
		t := *d.LastSeenAt
		c.LastSeenAt = &t
	}
	if d.Metadata != nil {
		c.Metadata = make(models.Variables, len(d.Metadata))
		for k, v := range d.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func (s *MemoryStore) CreateDevice(ctx context.Context, device *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[device.ID]; ok {
		return ErrDuplicateKey
	}
	now := time.Now()
	device.CreatedAt = now
	device.UpdatedAt = now
	s.devices[device.ID] = copyDevice(device)
	return nil
}

func (s *MemoryStore) UpsertDevice(ctx context.Context, device *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	device.UpdatedAt = now
	if existing, ok := s.devices[device.ID]; ok {
		device.CreatedAt = existing.CreatedAt
		device.LastSeenAt = existing.LastSeenAt
	} else if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	s.devices[device.ID] = copyDevice(device)
	return nil
}

func (s *MemoryStore) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDevice(d), nil
}

func (s *MemoryStore) UpdateDevice(ctx context.Context, device *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.devices[device.ID]
	if !ok {
		return ErrNotFound
	}
	device.CreatedAt = existing.CreatedAt
	device.LastSeenAt = existing.LastSeenAt
	device.UpdatedAt = time.Now()
	s.devices[device.ID] = copyDevice(device)
	return nil
}

func (s *MemoryStore) TouchDevice(ctx context.Context, id string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok {
		return ErrNotFound
	}
	d.LastSeenAt = &seenAt
	return nil
}

func (s *MemoryStore) ListDevices(ctx context.Context, limit, offset int) ([]*models.Device, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := make([]*models.Device, 0, len(s.devices))
	for _, d := range s.devices {
		devices = append(devices, copyDevice(d))
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })

	return paginate(devices, limit, offset), int64(len(devices)), nil
}

// ========== Stream sessions ==========

func copySession(s *models.StreamSession) *models.StreamSession {
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	if s.VideoPath != nil {
		p := *s.VideoPath
		c.VideoPath = &p
	}
	if s.FailureReason != nil {
		r := *s.FailureReason
		c.FailureReason = &r
	}
	return &c
}

func (s *MemoryStore) CreateStreamSession(ctx context.Context, session *models.StreamSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	if _, ok := s.sessions[session.ID]; ok {
		return ErrDuplicateKey
	}
	if session.Status == "" {
		session.Status = models.SessionStatusActive
	}
	now := time.Now()
	session.CreatedAt = now
	session.UpdatedAt = now
	s.sessions[session.ID] = copySession(session)
	return nil
}

func (s *MemoryStore) GetStreamSession(ctx context.Context, id uuid.UUID) (*models.StreamSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(session), nil
}

func (s *MemoryStore) AddSessionFrame(ctx context.Context, id uuid.UUID, size int64) (*models.StreamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if session.Status != models.SessionStatusActive {
		return nil, ErrSessionClosed
	}
	session.FrameCount++
	session.BytesSent += size
	session.UpdatedAt = time.Now()
	return copySession(session), nil
}

func (s *MemoryStore) UpdateStreamSessionResult(ctx context.Context, session *models.StreamSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[session.ID]
	if !ok {
		return ErrNotFound
	}
	updated := copySession(session)
	existing.Status = updated.Status
	existing.EndedAt = updated.EndedAt
	existing.VideoPath = updated.VideoPath
	existing.FailureReason = updated.FailureReason
	existing.UpdatedAt = time.Now()
	session.UpdatedAt = existing.UpdatedAt
	return nil
}

func (s *MemoryStore) ListStreamSessions(ctx context.Context, filters StreamSessionFilters, limit, offset int) ([]*models.StreamSession, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sessions []*models.StreamSession
	for _, session := range s.sessions {
		if filters.DeviceID != nil && session.DeviceID != *filters.DeviceID {
			continue
		}
		if filters.Status != nil && session.Status != *filters.Status {
			continue
		}
		sessions = append(sessions, copySession(session))
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].StartedAt.After(sessions[j].StartedAt) })

	return paginate(sessions, limit, offset), int64(len(sessions)), nil
}

// ========== Media events ==========

func (s *MemoryStore) CreateMediaEvent(ctx context.Context, event *models.MediaEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	c := *event
	s.events = append(s.events, &c)
	return nil
}

func (s *MemoryStore) ListMediaEvents(ctx context.Context, filters MediaEventFilters, limit, offset int) ([]*models.MediaEvent, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []*models.MediaEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if filters.DeviceID != nil && e.DeviceID != *filters.DeviceID {
			continue
		}
		if filters.Type != nil && e.Type != *filters.Type {
			continue
		}
		if filters.SessionID != nil && (e.SessionID == nil || *e.SessionID != *filters.SessionID) {
			continue
		}
		c := *e
		events = append(events, &c)
	}

	return paginate(events, limit, offset), int64(len(events)), nil
}

// ========== Telemetry ==========

func (s *MemoryStore) CreateEnergySample(ctx context.Context, sample *models.EnergySample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sample.ID == uuid.Nil {
		sample.ID = uuid.New()
	}
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = time.Now()
	}
	c := *sample
	s.energy = append(s.energy, &c)
	return nil
}

func (s *MemoryStore) ListEnergySamples(ctx context.Context, deviceID string, limit int) ([]*models.EnergySample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var samples []*models.EnergySample
	for i := len(s.energy) - 1; i >= 0; i-- {
		if s.energy[i].DeviceID != deviceID {
			continue
		}
		c := *s.energy[i]
		samples = append(samples, &c)
		if limit > 0 && len(samples) == limit {
			break
		}
	}
	return samples, nil
}

func (s *MemoryStore) CreateDataUsage(ctx context.Context, usage *models.DataUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if usage.ID == uuid.Nil {
		usage.ID = uuid.New()
	}
	if usage.RecordedAt.IsZero() {
		usage.RecordedAt = time.Now()
	}
	c := *usage
	s.usage = append(s.usage, &c)
	return nil
}

// DataUsage returns every stored traffic record of a device, oldest first
func (s *MemoryStore) DataUsage(deviceID string) []*models.DataUsage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.DataUsage
	for _, u := range s.usage {
		if u.DeviceID == deviceID {
			c := *u
			out = append(out, &c)
		}
	}
	return out
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
