// Package scheduler provides the timing capability agents and matchers run on:
// one-shot delayed callbacks and fixed-rate repetition, both cancelable.
// Realtime drives callbacks from the wall clock. Manual is a fake clock that only
// moves when told to, which makes rate limiting and bid timeouts testable.
package scheduler

import (
	"sync"
	"time"
)

// Task is a handle to a scheduled callback.
type Task interface {
	// Cancel stops future runs. It is safe to call more than once.
	Cancel()
}

// Scheduler runs callbacks after a delay or at a fixed rate.
type Scheduler interface {
	Now() time.Time
	Schedule(delay time.Duration, fn func()) Task
	ScheduleAtFixedRate(initialDelay, period time.Duration, fn func()) Task
}

// Realtime is a Scheduler backed by the wall clock. Callbacks run on their own goroutines.
type Realtime struct{}

// NewRealtime creates a wall clock scheduler.
func NewRealtime() *Realtime {
	return &Realtime{}
}

// Now returns the current wall clock time.
func (r *Realtime) Now() time.Time {
	return time.Now()
}

// Schedule runs fn once after delay.
func (r *Realtime) Schedule(delay time.Duration, fn func()) Task {
	return &timerTask{timer: time.AfterFunc(delay, fn)}
}

// ScheduleAtFixedRate runs fn after initialDelay and then every period. Runs never overlap;
// a run that overshoots the period delays the next tick.
func (r *Realtime) ScheduleAtFixedRate(initialDelay, period time.Duration, fn func()) Task {
	t := &tickerTask{done: make(chan struct{})}
	go func() {
		select {
		case <-time.After(initialDelay):
		case <-t.done:
			return
		}
		fn()

		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-t.done:
				return
			}
		}
	}()
	return t
}

type timerTask struct {
	timer *time.Timer
}

func (t *timerTask) Cancel() {
	t.timer.Stop()
}

type tickerTask struct {
	once sync.Once
	done chan struct{}
}

func (t *tickerTask) Cancel() {
	t.once.Do(func() { close(t.done) })
}
