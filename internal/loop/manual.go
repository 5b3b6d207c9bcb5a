package loop

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Scheduler driven by explicit Advance calls instead of the
// wall clock. Fired callbacks run through exec, or inline when exec is nil.
type Manual struct {
	mu     sync.Mutex
	exec   func(func())
	now    time.Time
	nextID int
	timers map[int]*manualTimer
}

type manualTimer struct {
	m      *Manual
	id     int
	due    time.Time
	period time.Duration
	fn     func()
}

// NewManual creates a manual scheduler starting at start.
func NewManual(start time.Time, exec func(func())) *Manual {
	if exec == nil {
		exec = func(fn func()) { fn() }
	}
	return &Manual{
		exec:   exec,
		now:    start,
		timers: make(map[int]*manualTimer),
	}
}

// Now returns the scheduler's current time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc implements Scheduler.
func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	return m.add(d, 0, fn)
}

// Every implements Scheduler.
func (m *Manual) Every(d time.Duration, fn func()) Timer {
	return m.add(d, d, fn)
}

// Pending reports how many timers are armed.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Manual) add(d, period time.Duration, fn func()) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t := &manualTimer{m: m, id: m.nextID, due: m.now.Add(d), period: period, fn: fn}
	m.timers[t.id] = t
	return t
}

// Stop implements Timer.
func (t *manualTimer) Stop() {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	delete(t.m.timers, t.id)
}

// Advance moves time forward by d, firing every timer that comes due in
// due-time order. Repeating timers fire once per elapsed period.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.nextDue(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = next.due
		if next.period > 0 {
			next.due = next.due.Add(next.period)
		} else {
			delete(m.timers, next.id)
		}
		fn := next.fn
		id := next.id
		m.mu.Unlock()

		m.exec(func() {
			// A callback fired earlier in this Advance may have stopped us.
			if next.period > 0 && !m.armed(id) {
				return
			}
			fn()
		})
	}
}

func (m *Manual) armed(id int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[id]
	return ok
}

func (m *Manual) nextDue(target time.Time) *manualTimer {
	var due []*manualTimer
	for _, t := range m.timers {
		if !t.due.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].due.Equal(due[j].due) {
			return due[i].id < due[j].id
		}
		return due[i].due.Before(due[j].due)
	})
	return due[0]
}
