// Package schedule provides cancellable timer tasks.
//
// Election timeouts, heartbeat broadcasts and health-check loops all hang off
// a Task handle, so cancelling a node's timers on kill is a single Stop call
// rather than an implicit chain of re-armed timers.
package schedule

import (
	"sync"
	"time"
)

// Task is a handle to a scheduled function. Stop is idempotent and safe to
// call from within the task function itself.
type Task struct {
	stopOnce sync.Once
	stopped  chan struct{}
}

// Stop cancels the task. Runs that are already in flight finish; no further
// runs are scheduled after Stop returns.
func (t *Task) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopped)
	})
}

// Stopped reports whether the task has been stopped. One-shot tasks created
// with After count as stopped once they have fired.
func (t *Task) Stopped() bool {
	select {
	case <-t.stopped:
		return true
	default:
		return false
	}
}

// After runs fn once after the given delay, unless stopped first.
func After(d time.Duration, fn func()) *Task {
	t := &Task{stopped: make(chan struct{})}
	timer := time.NewTimer(d)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case <-t.stopped:
				return
			default:
			}
			fn()
			t.Stop()
		case <-t.stopped:
		}
	}()
	return t
}

// Repeat runs fn every interval until the task is stopped.
func Repeat(interval time.Duration, fn func()) *Task {
	t := &Task{stopped: make(chan struct{})}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				select {
				case <-t.stopped:
					return
				default:
				}
				fn()
			case <-t.stopped:
				return
			}
		}
	}()
	return t
}
