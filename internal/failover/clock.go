package failover

import (
	"fmt"
	"time"
)

// Clock schedules the staleness and dwell timers.
type Clock interface {
	Now() time.Time
	// AfterFunc runs f once after d. An error means the timer was not armed.
	AfterFunc(d time.Duration, f func()) (Timer, error)
}

// Timer is an armed timer.
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, f func()) (Timer, error) {
	if d <= 0 {
		return nil, fmt.Errorf("%w: non-positive duration %v", ErrTimerScheduling, d)
	}
	return time.AfterFunc(d, f), nil
}
