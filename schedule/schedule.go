// Package schedule runs periodic tasks at a fixed interval. Ticks of one task
// never overlap, and stopping a task takes effect at the next tick boundary.
package schedule

import (
	"sync"
	"time"

	"github.com/edgeimpulse/drowsy-go/internal/timeutil"
)

// Task is a function called periodically until it returns false or the task
// is stopped.
type Task struct {
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Every starts calling fn every interval on a new goroutine. The first call
// happens one interval after Every returns. Ticks that fire while fn is
// still running are dropped, so a slow fn lowers the rate instead of queueing
// calls. When fn returns false the task ends by itself.
//
// fn must not call Stop on its own task, it returns false instead.
func Every(clock timeutil.Clock, interval time.Duration, fn func() bool) *Task {
	t := &Task{
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	ticker := clock.NewTicker(interval)
	go func() {
		defer close(t.done)
		defer ticker.Stop()
		for {
			select {
			case <-t.quit:
				return
			case <-ticker.C():
			}
			// Stop may have raced with the tick.
			select {
			case <-t.quit:
				return
			default:
			}
			if !fn() {
				return
			}
		}
	}()
	return t
}

// Stop ends the task and waits until a running call of fn has returned. Stop
// is idempotent and can be called after the task ended by itself.
func (t *Task) Stop() {
	t.stopOnce.Do(func() {
		close(t.quit)
	})
	<-t.done
}

// Done returns a channel that is closed when the task has ended.
func (t *Task) Done() <-chan struct{} {
	return t.done
}
