package evengine

import (
	"time"
)

// Clock is the time source used for timer deadlines, and by the busy-spin
// backend for its fixed delay.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the default Clock, backed by package time.
var SystemClock Clock = systemClock{}
