// Package clock abstracts wall time so that stream deadlines and deferred
// video assembly can be driven by a fake clock in tests.
package clock

import "time"

// Clock provides the current time and one-shot deferred callbacks.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f after d elapses. If d <= 0, f runs immediately
	// (in a new goroutine for the real clock, synchronously for the fake).
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer cancels a pending AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the callback from firing. It returns false if the
// callback already fired or the timer was already stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stopFunc: t.Stop}
}
