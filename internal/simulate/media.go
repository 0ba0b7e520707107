/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package simulate

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/friendsincode/feedplay/internal/playback"
)

var errSimulatedReject = errors.New("simulated play rejection")

// dice is a seeded source shared by every simulated media session.
type dice struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newDice(seed int64) *dice {
	return &dice{rng: rand.New(rand.NewSource(seed))}
}

func (d *dice) float() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rng.Float64()
}

// simMedia buffers for a fixed virtual latency and rejects a share of play
// attempts.
type simMedia struct {
	clock       playback.Clock
	work        *workQueue
	dice        *dice
	latency     time.Duration
	failureRate float64
	readyAt     time.Time

	mu       sync.Mutex
	playing  bool
	onState  func(bool)
	disposed bool
	attempts int
	failures int
}

func newSimMedia(clock playback.Clock, work *workQueue, d *dice, latency time.Duration, failureRate float64) *simMedia {
	return &simMedia{
		clock:       clock,
		work:        work,
		dice:        d,
		latency:     latency,
		failureRate: failureRate,
		readyAt:     clock.Now().Add(latency),
	}
}

func (m *simMedia) AwaitReady(ctx context.Context, timeout time.Duration) error {
	remaining := m.readyAt.Sub(m.clock.Now())
	if remaining <= 0 {
		return nil
	}

	woke := make(chan error, 1)
	readyTimer := m.clock.AfterFunc(remaining, func() {
		m.work.resume(func() { woke <- nil })
	})
	timeoutTimer := m.clock.AfterFunc(timeout, func() {
		m.work.resume(func() { woke <- playback.ErrReadyTimeout })
	})
	defer readyTimer.Stop()
	defer timeoutTimer.Stop()
	m.work.park()

	select {
	case err := <-woke:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *simMedia) Play(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	reject := m.dice.float() < m.failureRate

	m.mu.Lock()
	m.attempts++
	if m.disposed {
		m.mu.Unlock()
		return errors.New("media disposed")
	}
	if reject {
		m.failures++
		m.mu.Unlock()
		return errSimulatedReject
	}
	was := m.playing
	m.playing = true
	fn := m.onState
	m.mu.Unlock()

	if !was && fn != nil {
		fn(true)
	}
	return nil
}

func (m *simMedia) Pause() {
	m.mu.Lock()
	was := m.playing
	m.playing = false
	fn := m.onState
	m.mu.Unlock()

	if was && fn != nil {
		fn(false)
	}
}

func (m *simMedia) IsPlaying() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playing
}

func (m *simMedia) OnStateChange(fn func(bool)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

func (m *simMedia) Dispose() {
	m.mu.Lock()
	m.disposed = true
	m.playing = false
	m.onState = nil
	m.mu.Unlock()
}

func (m *simMedia) stats() (attempts, failures int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts, m.failures
}
