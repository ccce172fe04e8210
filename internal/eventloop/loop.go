// Package eventloop runs callbacks one at a time on a single goroutine.
//
// Every state transition of the relay core executes on the loop. Other
// goroutines (media streaming threads, bus watchers, the usage poller) never
// touch core state directly; they Post a closure and the loop runs it.
//
// Besides posted tasks the loop runs idle callbacks: functions that are called
// whenever no posted task is pending, for as long as they return true.
package eventloop

import (
	"context"
	"sync"
)

// IdleID identifies an idle callback. The zero value is never a valid ID.
type IdleID uint64

type idleSource struct {
	id IdleID
	fn func() bool
}

// Loop is a single-goroutine cooperative dispatcher.
//
// Post may be called from any goroutine. AddIdle and RemoveIdle must be
// called from callbacks running on the loop (or before Run starts).
type Loop struct {
	mu    sync.Mutex
	tasks []func()
	wake  chan struct{}
	quit  chan struct{}
	once  sync.Once

	idle   []idleSource
	nextID IdleID
	cursor int
}

// New creates a loop. Nothing runs until Run or Iterate is called.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
}

// Post queues fn to run on the loop. Tasks run in posting order. Post never
// blocks.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// AddIdle registers fn to be called whenever the loop has no pending task.
// fn keeps being called until it returns false or is removed.
func (l *Loop) AddIdle(fn func() bool) IdleID {
	l.nextID++
	l.idle = append(l.idle, idleSource{id: l.nextID, fn: fn})
	return l.nextID
}

// RemoveIdle unregisters an idle callback. Unknown IDs are ignored.
func (l *Loop) RemoveIdle(id IdleID) {
	for i, src := range l.idle {
		if src.id == id {
			l.idle = append(l.idle[:i], l.idle[i+1:]...)
			if l.cursor > i {
				l.cursor--
			}
			return
		}
	}
}

// IdlePending reports whether id is still registered.
func (l *Loop) IdlePending(id IdleID) bool {
	for _, src := range l.idle {
		if src.id == id {
			return true
		}
	}
	return false
}

// Quit makes Run return. Safe to call from any goroutine, more than once.
func (l *Loop) Quit() {
	l.once.Do(func() { close(l.quit) })
}

// Run dispatches tasks and idle callbacks until Quit is called or ctx is
// done. It returns ctx.Err() when the context ended the loop, nil otherwise.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-l.quit:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if l.runTasks() {
			continue
		}
		if len(l.idle) > 0 {
			l.runIdle()
			continue
		}

		select {
		case <-l.wake:
		case <-l.quit:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Iterate runs every pending task, then one idle callback if no task was
// pending. It reports whether anything ran. Intended for driving the loop
// step by step from a single goroutine (tests, shutdown draining).
func (l *Loop) Iterate() bool {
	if l.runTasks() {
		return true
	}
	if len(l.idle) > 0 {
		l.runIdle()
		return true
	}
	return false
}

// Drain runs tasks until none are pending. Idle callbacks do not run.
func (l *Loop) Drain() {
	for l.runTasks() {
	}
}

func (l *Loop) runTasks() bool {
	l.mu.Lock()
	tasks := l.tasks
	l.tasks = nil
	l.mu.Unlock()

	for _, fn := range tasks {
		fn()
	}
	return len(tasks) > 0
}

// runIdle calls the next idle callback in round-robin order.
func (l *Loop) runIdle() {
	if l.cursor >= len(l.idle) {
		l.cursor = 0
	}
	src := l.idle[l.cursor]
	l.cursor++

	if !src.fn() {
		l.RemoveIdle(src.id)
	}
}
