package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Manual is a fake clock Scheduler. Time only moves through Advance, and due
// callbacks run synchronously on the goroutine calling Advance, ordered by due time
// and then by scheduling order.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	seq   uint64
	tasks []*manualTask
}

type manualTask struct {
	owner    *Manual
	due      time.Time
	period   time.Duration
	seq      uint64
	fn       func()
	canceled bool
}

// NewManual creates a fake clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the fake clock's current time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Schedule runs fn once when the clock reaches now+delay.
func (m *Manual) Schedule(delay time.Duration, fn func()) Task {
	return m.add(delay, 0, fn)
}

// ScheduleAtFixedRate runs fn at now+initialDelay and then every period.
func (m *Manual) ScheduleAtFixedRate(initialDelay, period time.Duration, fn func()) Task {
	if period <= 0 {
		panic("scheduler: non-positive period")
	}
	return m.add(initialDelay, period, fn)
}

func (m *Manual) add(delay, period time.Duration, fn func()) *manualTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	if delay < 0 {
		delay = 0
	}
	m.seq++
	t := &manualTask{owner: m, due: m.now.Add(delay), period: period, seq: m.seq, fn: fn}
	m.tasks = append(m.tasks, t)
	return t
}

// Pending returns the number of scheduled, uncanceled tasks.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Advance moves the clock forward by d, running every callback that falls due.
// Callbacks scheduled by other callbacks run too when they fall inside the window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.nextDueLocked(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = next.due
		if next.period > 0 {
			next.due = next.due.Add(next.period)
			m.seq++
			next.seq = m.seq
		} else {
			m.removeLocked(next)
		}
		fn := next.fn
		m.mu.Unlock()

		fn()
	}
}

func (m *Manual) nextDueLocked(target time.Time) *manualTask {
	if len(m.tasks) == 0 {
		return nil
	}
	sort.Slice(m.tasks, func(i, j int) bool {
		if m.tasks[i].due.Equal(m.tasks[j].due) {
			return m.tasks[i].seq < m.tasks[j].seq
		}
		return m.tasks[i].due.Before(m.tasks[j].due)
	})
	if m.tasks[0].due.After(target) {
		return nil
	}
	return m.tasks[0]
}

func (m *Manual) removeLocked(t *manualTask) {
	for i, other := range m.tasks {
		if other == t {
			m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
			return
		}
	}
}

func (t *manualTask) Cancel() {
	m := t.owner
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.canceled {
		return
	}
	t.canceled = true
	m.removeLocked(t)
}
