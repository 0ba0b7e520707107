/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package simulate

import "sync"

// workQueue runs the scheduler's media calls one at a time, so a run on
// virtual time is reproducible. A call holds the baton until it returns or
// parks on a virtual timer; a parked call takes the baton back when the timer
// fires.
type workQueue struct {
	mu    sync.Mutex
	queue []func()

	baton chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newWorkQueue() *workQueue {
	return &workQueue{
		baton: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// spawn is handed to the scheduler. It only queues fn.
func (w *workQueue) spawn(fn func()) {
	w.mu.Lock()
	w.queue = append(w.queue, fn)
	w.mu.Unlock()
}

// runQueued starts every queued call in order, waiting for each to return or
// park before starting the next. It reports whether anything ran.
func (w *workQueue) runQueued() bool {
	ran := false
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return ran
		}
		fn := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		ran = true
		go func() {
			fn()
			w.yield()
		}()
		w.wait()
	}
}

// park is called by a media call about to block on a virtual timer.
func (w *workQueue) park() { w.yield() }

// resume wakes a parked call through signal and waits until it yields again.
// It runs inside clock.Advance.
func (w *workQueue) resume(signal func()) {
	signal()
	w.wait()
}

func (w *workQueue) yield() {
	select {
	case w.baton <- struct{}{}:
	case <-w.done:
	}
}

func (w *workQueue) wait() {
	select {
	case <-w.baton:
	case <-w.done:
	}
}

// stop releases anything still waiting on the baton.
func (w *workQueue) stop() {
	w.once.Do(func() { close(w.done) })
}
