/*
Package dispatch provides the serialized execution context a connection runs on. A Queue
executes the functions handed to it one at a time, in submission order, on a single goroutine,
so state touched only from inside the queue needs no locks. Timed work (reconnect delays,
heartbeats) is injected into the same queue as cancelable Tasks instead of sleeping goroutines.
*/
package dispatch

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/tomb.v2"
)

// Executor is the context a callback should be delivered on
type Executor interface {
	Async(fn func())
}

type ExecutorFunc func(fn func())

func (e ExecutorFunc) Async(fn func()) { e(fn) }

// Goroutine runs every function on a fresh goroutine, for callers that have no queue of their own
var Goroutine Executor = ExecutorFunc(func(fn func()) { go fn() })

type Queue struct {
	tmb tomb.Tomb

	lock    sync.Mutex
	pending []func()
	closed  bool
	wake    chan struct{}
}

func NewQueue() *Queue {
	q := &Queue{
		wake: make(chan struct{}, 1),
	}

	q.tmb.Go(q.run)
	return q
}

func (q *Queue) run() error {
	for {
		select {
		case <-q.tmb.Dying():
			// nothing can be added once closed, so this empties the queue for good
			q.drain()
			return nil
		case <-q.wake:
			q.drain()
		}
	}
}

func (q *Queue) drain() {
	for {
		fn, ok := q.next()
		if !ok {
			return
		}
		fn()
	}
}

func (q *Queue) next() (func(), bool) {
	q.lock.Lock()
	defer q.lock.Unlock()

	if len(q.pending) == 0 {
		return nil, false
	}

	fn := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return fn, true
}

// Async schedules fn behind everything already submitted. Functions submitted after Close are dropped.
func (q *Queue) Async(fn func()) {
	q.TryAsync(fn)
}

// TryAsync is Async that reports whether fn was accepted
func (q *Queue) TryAsync(fn func()) bool {
	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		return false
	}
	q.pending = append(q.pending, fn)
	q.lock.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Sync runs fn on the queue and waits for it. Calling it from inside the queue deadlocks.
func (q *Queue) Sync(fn func()) error {
	done := make(chan struct{})
	accepted := q.TryAsync(func() {
		defer close(done)
		fn()
	})
	if !accepted {
		return fmt.Errorf("queue closed before the function could run")
	}

	<-done
	return nil
}

// After runs fn on the queue once d has elapsed, unless the returned Task is canceled first
func (q *Queue) After(d time.Duration, fn func()) *Task {
	task := newTask()

	timer := time.AfterFunc(d, func() {
		q.Async(func() {
			if task.canceled.Load() {
				return
			}
			task.fired.Store(true)
			fn()
		})
	})
	task.stop = func() { timer.Stop() }

	return task
}

// Every injects fn into the queue every d until the returned Task is canceled or the queue closes
func (q *Queue) Every(d time.Duration, fn func()) *Task {
	task := newTask()
	stopChan := make(chan struct{})
	task.stop = func() { close(stopChan) }

	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()

		for {
			select {
			case <-stopChan:
				return
			case <-q.tmb.Dying():
				return
			case <-ticker.C:
				q.Async(func() {
					if !task.canceled.Load() {
						fn()
					}
				})
			}
		}
	}()

	return task
}

// Close refuses any further work. Functions already submitted still run, in order.
func (q *Queue) Close() {
	q.lock.Lock()
	q.closed = true
	q.lock.Unlock()

	q.tmb.Kill(nil)
}

func (q *Queue) Done() <-chan struct{} {
	return q.tmb.Dead()
}

type Task struct {
	canceled   atomic.Bool
	fired      atomic.Bool
	cancelOnce sync.Once
	stop       func()
}

func newTask() *Task {
	return &Task{}
}

func (t *Task) Cancel() {
	if t == nil {
		return
	}

	t.cancelOnce.Do(func() {
		t.canceled.Store(true)
		if t.stop != nil {
			t.stop()
		}
	})
}

// Pending is true until the task has run or has been canceled
func (t *Task) Pending() bool {
	return t != nil && !t.canceled.Load() && !t.fired.Load()
}
