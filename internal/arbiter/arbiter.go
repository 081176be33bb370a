// Package arbiter decides which action a polling camera device should
// perform next: take a snapshot, keep streaming, or idle.
package arbiter

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/camwatch/camwatch-server/internal/clock"
)

// Action is what a device is told to do on its next poll
type Action string

const (
	ActionNone   Action = "none"
	ActionPhoto  Action = "photo"
	ActionStream Action = "stream"
)

// Decision is the answer to a poll
type Decision struct {
	Action Action
	// StreamRemainingSeconds is set for ActionStream, rounded up.
	StreamRemainingSeconds int
	// SessionID is the tracked stream session for ActionStream.
	SessionID *uuid.UUID
}

// State is a point-in-time copy of a device's command state
type State struct {
	PhotoPending     bool       `json:"photoPending"`
	PhotoRequestedAt *time.Time `json:"photoRequestedAt,omitempty"`
	StreamDeadline   *time.Time `json:"streamDeadline,omitempty"`
	ActiveSessionID  *uuid.UUID `json:"activeSessionId,omitempty"`
}

type entry struct {
	mu    sync.Mutex
	state State
}

// Arbiter holds per-device command state. Operations on one device are
// serialized; different devices never contend beyond the entry lookup.
type Arbiter struct {
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an Arbiter reading time from c
func New(c clock.Clock) *Arbiter {
	return &Arbiter{
		clock:   c,
		entries: make(map[string]*entry),
	}
}

func (a *Arbiter) entry(deviceID string) *entry {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[deviceID]
	if !ok {
		e = &entry{}
		a.entries[deviceID] = e
	}
	return e
}

// RequestPhoto marks a snapshot as pending. Repeated requests before the
// device consumes it collapse into one.
func (a *Arbiter) RequestPhoto(deviceID string) State {
	e := a.entry(deviceID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.PhotoPending {
		now := a.clock.Now()
		e.state.PhotoPending = true
		e.state.PhotoRequestedAt = &now
	}
	return copyState(e.state)
}

// BeginStream sets the streaming deadline to now+duration and routes
// frames to sessionID, superseding any previous stream. It returns the
// deadline.
func (a *Arbiter) BeginStream(deviceID string, sessionID uuid.UUID, duration time.Duration) time.Time {
	e := a.entry(deviceID)
	e.mu.Lock()
	defer e.mu.Unlock()

	deadline := a.clock.Now().Add(duration)
	e.state.StreamDeadline = &deadline
	e.state.ActiveSessionID = &sessionID
	return deadline
}

// Restore re-establishes frame routing to sessionID with the given
// deadline. Used when recovering sessions after a restart.
func (a *Arbiter) Restore(deviceID string, sessionID uuid.UUID, deadline time.Time) {
	e := a.entry(deviceID)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.ActiveSessionID = &sessionID
	if deadline.After(a.clock.Now()) {
		e.state.StreamDeadline = &deadline
	}
}

// Poll returns the next action. A pending photo wins and is consumed. An
// open stream deadline yields ActionStream with the remaining seconds.
// Otherwise a stale deadline is cleared and ActionNone is returned; the
// tracked session keeps receiving late frames until it is ended.
func (a *Arbiter) Poll(deviceID string) Decision {
	e := a.entry(deviceID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.PhotoPending {
		e.state.PhotoPending = false
		e.state.PhotoRequestedAt = nil
		return Decision{Action: ActionPhoto}
	}

	if e.state.StreamDeadline != nil {
		remaining := e.state.StreamDeadline.Sub(a.clock.Now())
		if remaining > 0 {
			d := Decision{
				Action:                 ActionStream,
				StreamRemainingSeconds: int(math.Ceil(remaining.Seconds())),
			}
			if e.state.ActiveSessionID != nil {
				id := *e.state.ActiveSessionID
				d.SessionID = &id
			}
			return d
		}
		e.state.StreamDeadline = nil
	}

	return Decision{Action: ActionNone}
}

// ActiveSession returns the session frames from deviceID are routed to
func (a *Arbiter) ActiveSession(deviceID string) (uuid.UUID, bool) {
	e := a.entry(deviceID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.ActiveSessionID == nil {
		return uuid.Nil, false
	}
	return *e.state.ActiveSessionID, true
}

// EndSession stops routing frames to sessionID. It is a no-op when a newer
// session has superseded it.
func (a *Arbiter) EndSession(deviceID string, sessionID uuid.UUID) bool {
	e := a.entry(deviceID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.ActiveSessionID == nil || *e.state.ActiveSessionID != sessionID {
		return false
	}
	e.state.ActiveSessionID = nil
	e.state.StreamDeadline = nil
	return true
}

// Snapshot returns a copy of the device's state without side effects
func (a *Arbiter) Snapshot(deviceID string) State {
	e := a.entry(deviceID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyState(e.state)
}

func copyState(s State) State {
	c := State{PhotoPending: s.PhotoPending}
	if s.PhotoRequestedAt != nil {
		t := *s.PhotoRequestedAt
		c.PhotoRequestedAt = &t
	}
	if s.StreamDeadline != nil {
		t := *s.StreamDeadline
		c.StreamDeadline = &t
	}
	if s.ActiveSessionID != nil {
		id := *s.ActiveSessionID
		c.ActiveSessionID = &id
	}
	return c
}
