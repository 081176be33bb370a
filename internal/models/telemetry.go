package models

import (
	"time"

	"github.com/google/uuid"
)

// EnergySample is one power reading reported by a device
type EnergySample struct {
	ID         uuid.UUID `json:"id" db:"id"`
	DeviceID   string    `json:"deviceId" db:"device_id"`
	Voltage    float64   `json:"voltage" db:"voltage"`
	Current    float64   `json:"current" db:"current"`
	Watts      float64   `json:"watts" db:"watts"`
	CPUTemp    *float64  `json:"cpuTemp,omitempty" db:"cpu_temp"`
	RecordedAt time.Time `json:"recordedAt" db:"recorded_at"`
}

// DataUsageType classifies uplink traffic reported by a device
type DataUsageType string

const (
	DataUsageDetection DataUsageType = "detection"
	DataUsagePhoto     DataUsageType = "photo"
	DataUsageStream    DataUsageType = "stream"
	DataUsageSystem    DataUsageType = "system"
)

// DataUsage is one traffic accounting record reported by a device
type DataUsage struct {
	ID         uuid.UUID     `json:"id" db:"id"`
	DeviceID   string        `json:"deviceId" db:"device_id"`
	Type       DataUsageType `json:"type" db:"type"`
	Bytes      int64         `json:"bytes" db:"bytes"`
	RecordedAt time.Time     `json:"recordedAt" db:"recorded_at"`
}
