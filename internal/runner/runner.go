// Package runner executes fire-and-forget work on a single background goroutine.
package runner

import (
	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
)

// Runner runs queued tasks in submission order. The worker sleeps while the queue is empty and
// is woken by Go. Tasks queued before Close are drained before the worker exits.
type Runner struct {
	logger log.Logger

	mu      sync.Mutex
	queue   []func()
	wake    chansync.BroadcastCond
	closing chansync.SetOnce
	done    chansync.SetOnce
}

func New(logger log.Logger) *Runner {
	r := &Runner{logger: logger}
	go r.run()
	return r
}

// Go queues f. Returns false if the runner is closing and f was dropped.
func (r *Runner) Go(f func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing.IsSet() {
		return false
	}
	r.queue = append(r.queue, f)
	r.wake.Broadcast()
	return true
}

func (r *Runner) run() {
	defer r.done.Set()
	for {
		r.mu.Lock()
		if len(r.queue) != 0 {
			f := r.queue[0]
			r.queue[0] = nil
			r.queue = r.queue[1:]
			r.mu.Unlock()
			r.runOne(f)
			continue
		}
		if r.closing.IsSet() {
			r.mu.Unlock()
			return
		}
		// Get the signal before unlocking so an enqueue between here and the select isn't lost.
		woken := r.wake.Signaled()
		r.mu.Unlock()
		select {
		case <-woken:
		case <-r.closing.Done():
		}
	}
}

func (r *Runner) runOne(f func()) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Levelf(log.Error, "background task panicked: %v", p)
		}
	}()
	f()
}

// Pending returns the number of queued tasks not yet started.
func (r *Runner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Close stops accepting tasks and waits for queued ones to finish.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closing.Set()
	r.mu.Unlock()
	<-r.done.Done()
}
