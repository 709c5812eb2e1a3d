// Package sched provides cancellable one-shot and repeating tasks on top of a
// swappable [Clock].
//
// Every [Task] belongs to exactly one [Group]. The group is the single owner
// responsible for cancellation: [Group.CancelAll] drops every pending task and
// [Group.Stop] additionally refuses new ones. Once either returns, no pending
// callback of that group will start. A callback that is already running is
// not interrupted; callers that need stronger guarantees check their own
// state inside the callback.
//
// Repeating tasks re-arm only after the callback returns, so two runs of the
// same task never overlap.
package sched

import (
	"errors"
	"sync"
	"time"
)

// ErrStopped is returned when scheduling on a [Group] that has been stopped.
var ErrStopped = errors.New("sched: group stopped")

// Timer is a pending callback that can be stopped.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the call
	// stopped the timer; false means it already fired or was stopped.
	Stop() bool
}

// Clock is the time source used by [Group]. Production code uses [Real];
// tests use the fake clock in the sched/fake package.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Real returns the wall clock.
func Real() Clock { return realClock{} }

// Group owns a set of tasks. It is safe for concurrent use.
type Group struct {
	clock Clock

	mu      sync.Mutex
	tasks   map[*Task]struct{}
	stopped bool
}

// NewGroup returns an empty group scheduling on c. A nil clock selects [Real].
func NewGroup(c Clock) *Group {
	if c == nil {
		c = Real()
	}
	return &Group{
		clock: c,
		tasks: make(map[*Task]struct{}),
	}
}

// Clock returns the clock the group schedules on.
func (g *Group) Clock() Clock { return g.clock }

// Task is a scheduled callback owned by a [Group].
type Task struct {
	g        *Group
	fn       func()
	interval time.Duration // zero for one-shot tasks

	// guarded by g.mu
	timer     Timer
	cancelled bool
}

// After schedules fn to run once after d.
func (g *Group) After(d time.Duration, fn func()) (*Task, error) {
	return g.schedule(d, 0, fn)
}

// Every schedules fn to run every interval, first after one interval has
// elapsed. interval must be positive.
func (g *Group) Every(interval time.Duration, fn func()) (*Task, error) {
	if interval <= 0 {
		return nil, errors.New("sched: interval must be positive")
	}
	return g.schedule(interval, interval, fn)
}

func (g *Group) schedule(d, interval time.Duration, fn func()) (*Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped {
		return nil, ErrStopped
	}
	t := &Task{g: g, fn: fn, interval: interval}
	g.tasks[t] = struct{}{}
	t.timer = g.clock.AfterFunc(d, t.fire)
	return t, nil
}

// fire runs on the clock's goroutine.
func (t *Task) fire() {
	g := t.g

	g.mu.Lock()
	if t.cancelled || g.stopped {
		g.mu.Unlock()
		return
	}
	if t.interval == 0 {
		delete(g.tasks, t)
	}
	g.mu.Unlock()

	t.fn()

	if t.interval == 0 {
		return
	}
	g.mu.Lock()
	if !t.cancelled && !g.stopped {
		t.timer = g.clock.AfterFunc(t.interval, t.fire)
	}
	g.mu.Unlock()
}

// Cancel stops the task. It reports whether the task was still pending.
// Cancelling twice is a no-op.
func (t *Task) Cancel() bool {
	g := t.g
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelLocked(t)
}

// cancelLocked must be called with g.mu held.
func (g *Group) cancelLocked(t *Task) bool {
	if t.cancelled {
		return false
	}
	_, pending := g.tasks[t]
	t.cancelled = true
	if t.timer != nil {
		t.timer.Stop()
	}
	delete(g.tasks, t)
	return pending
}

// CancelAll cancels every pending task. The group stays usable.
func (g *Group) CancelAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for t := range g.tasks {
		g.cancelLocked(t)
	}
}

// Stop cancels every pending task and makes later scheduling calls fail with
// [ErrStopped]. Stop is idempotent.
func (g *Group) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for t := range g.tasks {
		g.cancelLocked(t)
	}
	g.stopped = true
}

// Pending returns the number of tasks that have not fired (one-shot) or been
// cancelled.
func (g *Group) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tasks)
}
