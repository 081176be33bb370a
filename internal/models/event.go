package models

import (
	"time"

	"github.com/google/uuid"
)

// MediaType is the kind of artifact a MediaEvent announces
type MediaType string

const (
	MediaTypePhoto MediaType = "photo"
	MediaTypeVideo MediaType = "video"
)

// MediaEvent announces a new photo or assembled video
type MediaEvent struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	Type      MediaType  `json:"type" db:"type"`
	DeviceID  string     `json:"deviceId" db:"device_id"`
	SessionID *uuid.UUID `json:"sessionId,omitempty" db:"session_id"`
	Path      string     `json:"path" db:"path"`
	URL       string     `json:"url" db:"url"`
	SizeBytes int64      `json:"sizeBytes" db:"size_bytes"`
	CreatedAt time.Time  `json:"createdAt" db:"created_at"`
}
