/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package feedws

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	sendBuffer   = 256
	writeTimeout = 5 * time.Second
	pingInterval = 15 * time.Second
)

// conn multiplexes outgoing frames through one writer goroutine and matches
// client results to outstanding requests.
type conn struct {
	ws     *ws.Conn
	logger zerolog.Logger
	out    chan Message

	mu      sync.Mutex
	pending map[string]chan Message

	closed    chan struct{}
	closeOnce sync.Once
}

func newConn(c *ws.Conn, logger zerolog.Logger) *conn {
	return &conn{
		ws:      c,
		logger:  logger,
		out:     make(chan Message, sendBuffer),
		pending: make(map[string]chan Message),
		closed:  make(chan struct{}),
	}
}

// send queues msg without blocking. A client that lets the queue fill up is
// disconnected rather than silently missing frames; the page reconnects and
// starts from a fresh feed.
func (c *conn) send(msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	default:
		c.logger.Warn().Str("type", msg.Type).Msg("send buffer full, closing connection")
		c.close()
		go c.ws.Close(ws.StatusTryAgainLater, "send buffer full")
		return ErrSendBufferFull
	}
}

// request sends msg with a fresh request id and waits for the matching result.
func (c *conn) request(ctx context.Context, msg Message) (Message, error) {
	msg.RequestID = uuid.NewString()
	ch := make(chan Message, 1)

	c.mu.Lock()
	c.pending[msg.RequestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.RequestID)
		c.mu.Unlock()
	}()

	if err := c.send(msg); err != nil {
		return Message{}, err
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-c.closed:
		return Message{}, ErrConnectionClosed
	}
}

// resolve hands a client result to the waiting request. Unknown ids are
// late answers to requests that already timed out.
func (c *conn) resolve(msg Message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.RequestID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug().Str("request_id", msg.RequestID).Msg("result for unknown request")
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

// writeLoop drains the send queue and keeps the socket alive.
func (c *conn) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case msg := <-c.out:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, c.ws, msg)
			cancel()
			if err != nil {
				c.logger.Debug().Err(err).Str("type", msg.Type).Msg("websocket write failed")
				c.close()
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				c.close()
				return
			}
		}
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}
