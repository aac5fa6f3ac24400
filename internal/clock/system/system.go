// Package system provides a real clock implementation.
package system

import (
	"time"

	"github.com/JakeFAU/convertwatch/internal/clock"
)

// Clock implements clock.Clock using the runtime timers.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// AfterFunc schedules f via time.AfterFunc.
func (Clock) AfterFunc(d time.Duration, f func()) clock.Timer {
	if d < 0 {
		d = 0
	}
	return time.AfterFunc(d, f)
}
