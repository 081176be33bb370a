// Package errs holds the domain sentinel errors shared by the coordinator,
// the storage layer and the HTTP handlers.
package errs

import "errors"

var (
	ErrValidation     = errors.New("validation failed")
	ErrNotFound       = errors.New("not found")
	ErrDuplicateKey   = errors.New("duplicate key")
	ErrDeviceDisabled = errors.New("device disabled")
	ErrUnauthorized   = errors.New("unauthorized")

	// ErrSessionActive is returned when an operation needs a terminal session.
	ErrSessionActive = errors.New("stream session still active")
	// ErrSessionClosed is returned when a frame targets a session that is
	// no longer accepting frames.
	ErrSessionClosed = errors.New("stream session closed")
	// ErrFinalizing is returned while video assembly is running.
	ErrFinalizing = errors.New("stream session finalization in progress")

	ErrStorage = errors.New("storage failure")
	ErrEncoder = errors.New("video encoder failure")
)
