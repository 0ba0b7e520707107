/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playback decides which of many mounted feed videos may decode and play.
//
// A Scheduler consumes viewport intersection events, debounces them into stable
// visibility verdicts, gates play attempts on media readiness, caps the number of
// simultaneously playing sessions and retries failed play attempts with
// exponential backoff. All bookkeeping lives on a single event-loop goroutine
// owned by the Scheduler; asynchronous completions are posted back to that loop
// and re-validate live state before acting.
package playback

import (
	"context"
	"errors"
	"time"

	"github.com/friendsincode/feedplay/internal/events"
)

// SessionID identifies one feed item. It is stable across re-renders.
type SessionID string

// ElementKey is the opaque key the viewport tracker reports against.
type ElementKey string

// ReadinessState enumerates the per-session readiness states.
type ReadinessState string

const (
	// StateNone means no media session has been registered yet.
	StateNone    ReadinessState = ""
	StateLoading ReadinessState = "loading"
	StateReady   ReadinessState = "ready"
	StatePlaying ReadinessState = "playing"
	StatePaused  ReadinessState = "paused"
)

// ErrReadyTimeout is returned by MediaSession.AwaitReady when the wait timed out.
// The scheduler treats it as "assume ready".
var ErrReadyTimeout = errors.New("media readiness wait timed out")

// ErrInvalidTransition marks a readiness edge the state machine does not allow.
var ErrInvalidTransition = errors.New("invalid readiness transition")

// IntersectionEvent is a raw viewport report for one element.
type IntersectionEvent struct {
	Element      ElementKey
	Intersecting bool
	Ratio        float64
}

// MediaSession is the capability surface of one playable item.
// The surrounding application owns it; the scheduler only holds a reference.
type MediaSession interface {
	// AwaitReady blocks until the media has buffered enough to play or the
	// timeout elapses. A timeout is reported as ErrReadyTimeout.
	AwaitReady(ctx context.Context, timeout time.Duration) error
	// Play issues the play command and reports its outcome.
	Play(ctx context.Context) error
	// Pause is fire-and-forget and idempotent.
	Pause()
	IsPlaying() bool
	// OnStateChange installs the single playing/paused subscriber, replacing
	// any previous one. A nil callback clears it.
	OnStateChange(fn func(playing bool))
	// Dispose releases decode and network resources.
	Dispose()
}

// ViewportTracker starts and stops intersection tracking for an element.
type ViewportTracker interface {
	Track(element ElementKey)
	Untrack(element ElementKey)
}

// Publisher receives playback lifecycle events. *events.Bus satisfies it.
type Publisher interface {
	Publish(eventType events.EventType, payload events.Payload)
}

// session is the Session Record. It is only touched from the event loop.
type session struct {
	id      SessionID
	element ElementKey
	media   MediaSession
	// mediaGen increments whenever a media session is attached so callbacks
	// from a replaced instance can be recognised and dropped.
	mediaGen uint64

	visible      bool
	reported     bool
	transitionAt time.Time

	pendingPlayIntent bool
	state             ReadinessState
	exhausted         bool

	// token identifies the current playback sequence; continuations carrying
	// an older token are stale.
	token    uint64
	inFlight bool

	ctx    context.Context
	cancel context.CancelFunc
}

// SessionSnapshot is a read-only copy of one Session Record.
type SessionSnapshot struct {
	ID                SessionID      `json:"id"`
	Element           ElementKey     `json:"element,omitempty"`
	Registered        bool           `json:"registered"`
	Visible           bool           `json:"visible"`
	PendingPlayIntent bool           `json:"pending_play_intent"`
	State             ReadinessState `json:"state"`
	Exhausted         bool           `json:"exhausted"`
	InFlight          bool           `json:"in_flight"`
	DebouncePending   bool           `json:"debounce_pending"`
	RetryPending      bool           `json:"retry_pending"`
}

// Snapshot is a consistent copy of the scheduler state.
type Snapshot struct {
	FeedID        string                        `json:"feed_id"`
	MaxConcurrent int                           `json:"max_concurrent"`
	Autoplay      bool                          `json:"autoplay"`
	Active        []SessionID                   `json:"active"`
	Sessions      map[SessionID]SessionSnapshot `json:"sessions"`
}
