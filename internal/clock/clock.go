// Package clock declares the time source used by pollers and reconnect loops.
// Scheduling goes through Timer handles so callers can cancel a pending task
// and keep at most one outstanding per owner.
package clock

import "time"

// Clock returns the current time and schedules callbacks.
type Clock interface {
	Now() time.Time
	// AfterFunc runs f on its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a handle to a scheduled callback.
type Timer interface {
	// Stop cancels the callback. It reports false if the callback already
	// ran or was stopped before.
	Stop() bool
}
