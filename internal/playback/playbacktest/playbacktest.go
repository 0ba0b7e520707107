/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playbacktest provides a manual clock and in-memory media and
// viewport fakes for driving a playback.Scheduler from tests and simulations.
package playbacktest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/friendsincode/feedplay/internal/playback"
)

// ManualClock is a playback.Clock that only moves when Advance is called.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *ManualClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// NewManualClock returns a clock starting at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) AfterFunc(d time.Duration, fn func()) playback.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d, firing due timers in deadline order.
// Callbacks run on the calling goroutine with the clock set to their deadline.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		next := c.nextDueLocked(target)
		if next == nil {
			break
		}
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.fn()
		c.mu.Lock()
	}
	c.now = target
	c.compactLocked()
	c.mu.Unlock()
}

func (c *ManualClock) nextDueLocked(target time.Time) *manualTimer {
	var next *manualTimer
	for _, t := range c.timers {
		if t.stopped || t.fired || t.at.After(target) {
			continue
		}
		if next == nil || t.at.Before(next.at) {
			next = t
		}
	}
	return next
}

func (c *ManualClock) compactLocked() {
	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	c.timers = live
}

// Pending returns the remaining delay of every live timer, shortest first.
func (c *ManualClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.at.Sub(c.now))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Media is a scriptable playback.MediaSession.
type Media struct {
	mu         sync.Mutex
	ready      chan struct{}
	readyOnce  sync.Once
	failures   []error
	defaultErr error
	gate       chan struct{}
	playing    bool
	callback   func(bool)
	playCalls  int
	pauseCalls int
	disposed   bool
}

// NewMedia returns a media fake, already buffered when ready is true.
func NewMedia(ready bool) *Media {
	m := &Media{ready: make(chan struct{})}
	if ready {
		m.MarkReady()
	}
	return m
}

// MarkReady releases every pending and future AwaitReady call.
func (m *Media) MarkReady() {
	m.readyOnce.Do(func() { close(m.ready) })
}

// FailNext makes the next n Play calls return err.
func (m *Media) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.failures = append(m.failures, err)
	}
}

// FailAlways makes every Play call return err until cleared with nil.
func (m *Media) FailAlways(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultErr = err
}

// HoldPlay makes Play calls block until ReleasePlay. The call is counted
// before it blocks.
func (m *Media) HoldPlay() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = make(chan struct{})
}

// ReleasePlay unblocks held Play calls.
func (m *Media) ReleasePlay() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate != nil {
		close(m.gate)
		m.gate = nil
	}
}

func (m *Media) AwaitReady(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-m.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return playback.ErrReadyTimeout
	}
}

func (m *Media) Play(ctx context.Context) error {
	m.mu.Lock()
	m.playCalls++
	if gate := m.gate; gate != nil {
		m.mu.Unlock()
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
		m.mu.Lock()
	}
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		m.mu.Unlock()
		return err
	}
	if m.defaultErr != nil {
		err := m.defaultErr
		m.mu.Unlock()
		return err
	}
	wasPlaying := m.playing
	m.playing = true
	cb := m.callback
	m.mu.Unlock()

	if cb != nil && !wasPlaying {
		cb(true)
	}
	return nil
}

func (m *Media) Pause() {
	m.mu.Lock()
	m.pauseCalls++
	wasPlaying := m.playing
	m.playing = false
	cb := m.callback
	m.mu.Unlock()

	if cb != nil && wasPlaying {
		cb(false)
	}
}

// EmitState simulates the application starting or stopping playback itself.
func (m *Media) EmitState(playing bool) {
	m.mu.Lock()
	m.playing = playing
	cb := m.callback
	m.mu.Unlock()
	if cb != nil {
		cb(playing)
	}
}

func (m *Media) IsPlaying() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playing
}

func (m *Media) OnStateChange(fn func(bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callback = fn
}

func (m *Media) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disposed = true
	m.playing = false
}

func (m *Media) PlayCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playCalls
}

func (m *Media) PauseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pauseCalls
}

func (m *Media) Disposed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disposed
}

// HasCallback reports whether a state subscriber is installed.
func (m *Media) HasCallback() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callback != nil
}

// Tracker records Track and Untrack calls.
type Tracker struct {
	mu      sync.Mutex
	tracked map[playback.ElementKey]int
}

func NewTracker() *Tracker {
	return &Tracker{tracked: make(map[playback.ElementKey]int)}
}

func (t *Tracker) Track(element playback.ElementKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracked[element]++
}

func (t *Tracker) Untrack(element playback.ElementKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tracked, element)
}

// Count returns how many times element was tracked since it was last untracked.
func (t *Tracker) Count(element playback.ElementKey) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tracked[element]
}
