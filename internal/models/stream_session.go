package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a stream session
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// Terminal reports whether the status can no longer change through the
// automatic lifecycle.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

// Valid reports whether s is a known status
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusActive, SessionStatusCompleted, SessionStatusFailed:
		return true
	}
	return false
}

// StreamSession is one bounded live-stream run of a device
type StreamSession struct {
	ID              uuid.UUID     `json:"id" db:"id"`
	DeviceID        string        `json:"deviceId" db:"device_id"`
	Status          SessionStatus `json:"status" db:"status"`
	InitiatedBy     string        `json:"initiatedBy,omitempty" db:"initiated_by"`
	DurationSeconds int           `json:"durationSeconds" db:"duration_seconds"`

	StartedAt  time.Time  `json:"startedAt" db:"started_at"`
	FinalizeAt time.Time  `json:"finalizeAt" db:"finalize_at"`
	EndedAt    *time.Time `json:"endedAt,omitempty" db:"ended_at"`

	FrameCount int64 `json:"frameCount" db:"frame_count"`
	BytesSent  int64 `json:"bytesSent" db:"bytes_sent"`

	VideoPath     *string `json:"videoPath,omitempty" db:"video_path"`
	FailureReason *string `json:"failureReason,omitempty" db:"failure_reason"`

	Timestamps
}
