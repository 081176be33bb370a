package models

import (
	"time"
)

// Device represents a registered camera device
type Device struct {
	ID          string     `json:"id" db:"id"`
	Name        string     `json:"name" db:"name"`
	Description string     `json:"description,omitempty" db:"description"`
	Enabled     bool       `json:"enabled" db:"enabled"`
	APIKeyHash  string     `json:"-" db:"api_key_hash"`
	LastSeenAt  *time.Time `json:"lastSeenAt,omitempty" db:"last_seen_at"`
	Metadata    Variables  `json:"metadata,omitempty" db:"metadata"`

	Timestamps
}

// HasAPIKey reports whether uploads from this device must carry a key
func (d *Device) HasAPIKey() bool {
	return d.APIKeyHash != ""
}
