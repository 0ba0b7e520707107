/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package feedws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/friendsincode/feedplay/internal/playback"
)

// remoteMedia is a playback.MediaSession whose element lives in the browser.
// Commands go out as frames; the client answers await_ready and play with a
// result and reports playing/paused changes as state frames.
type remoteMedia struct {
	conn           *conn
	id             playback.SessionID
	requestTimeout time.Duration

	mu       sync.Mutex
	playing  bool
	disposed bool
	onState  func(bool)
}

func newRemoteMedia(c *conn, id playback.SessionID, requestTimeout time.Duration) *remoteMedia {
	return &remoteMedia{conn: c, id: id, requestTimeout: requestTimeout}
}

func (m *remoteMedia) isDisposed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disposed
}

// AwaitReady asks the client to wait for canplay. A negative answer or no
// answer within timeout both count as a readiness timeout.
func (m *remoteMedia) AwaitReady(ctx context.Context, timeout time.Duration) error {
	if m.isDisposed() {
		return ErrSessionClosed
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := m.conn.request(waitCtx, Message{
		Type:      TypeAwaitReady,
		SessionID: string(m.id),
		TimeoutMS: timeout.Milliseconds(),
	})
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return playback.ErrReadyTimeout
	default:
		return err
	}
	if !res.OK {
		return playback.ErrReadyTimeout
	}
	return nil
}

func (m *remoteMedia) Play(ctx context.Context) error {
	if m.isDisposed() {
		return ErrSessionClosed
	}
	playCtx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	defer cancel()

	res, err := m.conn.request(playCtx, Message{Type: TypePlay, SessionID: string(m.id)})
	if err != nil {
		return fmt.Errorf("play %s: %w", m.id, err)
	}
	if !res.OK {
		return fmt.Errorf("%w: %s", ErrPlayRejected, res.Error)
	}
	return nil
}

func (m *remoteMedia) Pause() {
	if m.isDisposed() {
		return
	}
	if err := m.conn.send(Message{Type: TypePause, SessionID: string(m.id)}); err != nil {
		m.conn.logger.Debug().Err(err).Str("session_id", string(m.id)).Msg("pause not delivered")
	}
}

func (m *remoteMedia) IsPlaying() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playing
}

func (m *remoteMedia) OnStateChange(fn func(playing bool)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

func (m *remoteMedia) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	m.onState = nil
	m.playing = false
	m.mu.Unlock()

	if err := m.conn.send(Message{Type: TypeDispose, SessionID: string(m.id)}); err != nil {
		m.conn.logger.Debug().Err(err).Str("session_id", string(m.id)).Msg("dispose not delivered")
	}
}

// setPlaying records a state frame from the client and notifies the
// subscriber when the value changed.
func (m *remoteMedia) setPlaying(playing bool) {
	m.mu.Lock()
	if m.disposed || m.playing == playing {
		m.mu.Unlock()
		return
	}
	m.playing = playing
	fn := m.onState
	m.mu.Unlock()

	if fn != nil {
		fn(playing)
	}
}

// remoteTracker forwards track/untrack to the client's IntersectionObserver.
type remoteTracker struct {
	conn *conn
}

func (t remoteTracker) Track(element playback.ElementKey) {
	_ = t.conn.send(Message{Type: TypeTrack, Element: string(element)})
}

func (t remoteTracker) Untrack(element playback.ElementKey) {
	_ = t.conn.send(Message{Type: TypeUntrack, Element: string(element)})
}
