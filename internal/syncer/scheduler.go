package syncer

import "time"

// Timer is a cancellable pending callback.
type Timer interface {
	// Stop cancels the callback. Reports whether it was still pending.
	Stop() bool
}

// Scheduler schedules callbacks after a delay. The orchestrator's
// debounce and status auto-clear run through this so tests can advance
// virtual time deterministically instead of waiting on real timers.
type Scheduler interface {
	After(d time.Duration, fn func()) Timer
}

// NewScheduler returns the real-time scheduler.
func NewScheduler() Scheduler {
	return realScheduler{}
}

type realScheduler struct{}

func (realScheduler) After(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
