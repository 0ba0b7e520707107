/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

import "sync"

// mailbox is an unbounded FIFO of closures drained by the scheduler goroutine.
// post never blocks, so timer callbacks and media goroutines can always hand
// work back without risking a deadlock against the loop.
type mailbox struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

// post enqueues fn. It reports false once the mailbox is closed.
func (m *mailbox) post(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// drain takes every queued closure.
func (m *mailbox) drain() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := m.queue
	m.queue = nil
	return batch
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// run is the scheduler's event loop.
func (s *Scheduler) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.mbox.wake:
			for _, fn := range s.mbox.drain() {
				fn()
			}
			s.notifyStatus()
		case <-s.quit:
			// Anything posted before quit was closed is still executed so
			// callers blocked in call() are released.
			for _, fn := range s.mbox.drain() {
				fn()
			}
			return
		}
	}
}

// post schedules fn on the loop. Work posted after Close is dropped.
func (s *Scheduler) post(fn func()) {
	s.mbox.post(fn)
}

// call runs fn on the loop and waits for it. It must not be used from the
// loop itself. It reports false if the scheduler is closed.
func (s *Scheduler) call(fn func()) bool {
	done := make(chan struct{})
	if !s.mbox.post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-s.stopped:
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
}
