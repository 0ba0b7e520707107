/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package feedws serves one playback scheduler per page over a WebSocket.
// The browser reports viewport and media state; the server answers with the
// track, play and pause commands the scheduler decides on.
package feedws

import (
	"errors"
	"time"

	"github.com/friendsincode/feedplay/internal/playback"
)

// Client to server message types.
const (
	TypeObserve      = "observe"
	TypeUnobserve    = "unobserve"
	TypeRegister     = "register"
	TypeIntersection = "intersection"
	TypeScroll       = "scroll"
	TypeState        = "state"
	TypeResult       = "result"
	TypeGesture      = "gesture"
	TypeConfig       = "config"
	TypeSnapshot     = "snapshot"
)

// Server to client message types.
const (
	TypeHello      = "hello"
	TypeTrack      = "track"
	TypeUntrack    = "untrack"
	TypeAwaitReady = "await_ready"
	TypePlay       = "play"
	TypePause      = "pause"
	TypeDispose    = "dispose"
	TypeStatus     = "status"
	TypeError      = "error"
)

var (
	// ErrConnectionClosed fails requests pending when the socket goes away.
	ErrConnectionClosed = errors.New("feed connection closed")
	// ErrSendBufferFull means the client is not draining its socket.
	ErrSendBufferFull = errors.New("feed send buffer full")
	// ErrSessionClosed is returned by a disposed remote media session.
	ErrSessionClosed = errors.New("media session disposed")
	// ErrPlayRejected wraps the reason a client gave for a failed play.
	ErrPlayRejected = errors.New("play rejected by client")
)

// Message is the single JSON frame shape used in both directions.
// Which fields are set depends on Type.
type Message struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Element   string `json:"element,omitempty"`

	Intersecting bool    `json:"intersecting,omitempty"`
	Ratio        float64 `json:"ratio,omitempty"`
	Position     float64 `json:"position,omitempty"`
	Playing      bool    `json:"playing,omitempty"`

	OK        bool   `json:"ok,omitempty"`
	Error     string `json:"error,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`

	MaxConcurrent *int  `json:"max_concurrent,omitempty"`
	Autoplay      *bool `json:"autoplay,omitempty"`

	FeedID  string             `json:"feed_id,omitempty"`
	Profile string             `json:"profile,omitempty"`
	Status  *playback.Snapshot `json:"status,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
