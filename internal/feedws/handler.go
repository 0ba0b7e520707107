/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package feedws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/friendsincode/feedplay/internal/auth"
	"github.com/friendsincode/feedplay/internal/config"
	"github.com/friendsincode/feedplay/internal/events"
	"github.com/friendsincode/feedplay/internal/playback"
	"github.com/friendsincode/feedplay/internal/telemetry"
)

// Options configures a Handler.
type Options struct {
	// Playback resolves scheduler settings for the profile a client asks for.
	Playback func(config.Profile) playback.Config
	// RequestTimeout bounds how long a play request waits for the client.
	RequestTimeout time.Duration
	Bus            *events.Bus
	Hub            *Hub
	// Clock overrides the scheduler clock, mostly for tests.
	Clock playback.Clock
}

// Handler upgrades /feed/ws requests and runs one scheduler per connection.
type Handler struct {
	opts   Options
	base   zerolog.Logger
	logger zerolog.Logger
}

// NewHandler creates a feed websocket handler.
func NewHandler(opts Options, logger zerolog.Logger) *Handler {
	if opts.Playback == nil {
		opts.Playback = func(config.Profile) playback.Config { return playback.DefaultConfig() }
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	return &Handler{
		opts:   opts,
		base:   logger,
		logger: logger.With().Str("component", "feed_ws").Logger(),
	}
}

// Hub exposes the connected feeds.
func (h *Handler) Hub() *Hub { return h.opts.Hub }

// ServeHTTP handles one feed connection until the client goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	profile := config.ParseProfile(r.URL.Query().Get("profile"))
	viewerID := ""
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		viewerID = claims.ViewerID
		if claims.Profile != "" {
			profile = config.ParseProfile(claims.Profile)
		}
	}

	wsConn, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer wsConn.Close(ws.StatusInternalError, "server error")

	telemetry.FeedsConnected.Inc()
	defer telemetry.FeedsConnected.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	feedID := uuid.NewString()
	logger := h.logger.With().Str("feed_id", feedID).Str("profile", string(profile)).Logger()
	c := newConn(wsConn, logger)
	go c.writeLoop(ctx)

	opts := []playback.Option{
		playback.WithID(feedID),
		playback.WithLogger(h.base),
		playback.WithStatusHook(func(s playback.Snapshot) {
			_ = c.send(Message{Type: TypeStatus, Status: &s})
		}),
	}
	if h.opts.Bus != nil {
		opts = append(opts, playback.WithPublisher(h.opts.Bus))
	}
	if h.opts.Clock != nil {
		opts = append(opts, playback.WithClock(h.opts.Clock))
	}
	pcfg := h.opts.Playback(profile)
	sched := playback.New(pcfg, remoteTracker{conn: c}, opts...)

	h.opts.Hub.add(sched, profile, viewerID, cancel)
	h.publish(events.EventFeedConnected, feedID, profile, viewerID)
	logger.Debug().Str("viewer_id", viewerID).Msg("feed connected")

	maxConcurrent := pcfg.MaxConcurrent
	_ = c.send(Message{
		Type:          TypeHello,
		FeedID:        feedID,
		Profile:       string(profile),
		MaxConcurrent: &maxConcurrent,
		Autoplay:      &pcfg.Autoplay,
	})

	err = h.readLoop(ctx, wsConn, c, sched, logger)

	h.opts.Hub.remove(feedID)
	sched.Close()
	c.close()
	h.publish(events.EventFeedDisconnected, feedID, profile, viewerID)

	switch {
	case err == nil, ws.CloseStatus(err) == ws.StatusNormalClosure, ws.CloseStatus(err) == ws.StatusGoingAway:
		logger.Debug().Msg("feed disconnected")
		wsConn.Close(ws.StatusNormalClosure, "")
	case errors.Is(err, context.Canceled):
		logger.Debug().Msg("feed closed by server")
		wsConn.Close(ws.StatusGoingAway, "server shutting down")
	default:
		logger.Debug().Err(err).Msg("feed read failed")
	}
}

// readLoop dispatches client frames until the socket closes.
func (h *Handler) readLoop(ctx context.Context, wsConn *ws.Conn, c *conn, sched *playback.Scheduler, logger zerolog.Logger) error {
	media := make(map[playback.SessionID]*remoteMedia)

	for {
		var msg Message
		if err := wsjson.Read(ctx, wsConn, &msg); err != nil {
			return err
		}
		id := playback.SessionID(msg.SessionID)

		switch msg.Type {
		case TypeObserve:
			if msg.SessionID == "" || msg.Element == "" {
				h.sendError(c, msg, "observe requires session_id and element")
				continue
			}
			sched.Observe(id, playback.ElementKey(msg.Element))

		case TypeUnobserve:
			sched.Unobserve(id)
			delete(media, id)

		case TypeRegister:
			if msg.SessionID == "" {
				h.sendError(c, msg, "register requires session_id")
				continue
			}
			if old, ok := media[id]; ok {
				old.OnStateChange(nil)
			}
			m := newRemoteMedia(c, id, h.opts.RequestTimeout)
			media[id] = m
			sched.Register(id, m)

		case TypeIntersection:
			sched.HandleIntersection(playback.IntersectionEvent{
				Element:      playback.ElementKey(msg.Element),
				Intersecting: msg.Intersecting,
				Ratio:        msg.Ratio,
			})

		case TypeScroll:
			sched.ReportScroll(msg.Position)

		case TypeState:
			if m, ok := media[id]; ok {
				m.setPlaying(msg.Playing)
			}

		case TypeResult:
			c.resolve(msg)

		case TypeGesture:
			sched.RetryAll()

		case TypeConfig:
			if msg.MaxConcurrent != nil {
				sched.SetConcurrencyLimit(*msg.MaxConcurrent)
			}
			if msg.Autoplay != nil {
				sched.SetAutoplayEnabled(*msg.Autoplay)
			}

		case TypeSnapshot:
			snap := sched.Snapshot()
			_ = c.send(Message{Type: TypeStatus, RequestID: msg.RequestID, Status: &snap})

		default:
			logger.Debug().Str("type", msg.Type).Msg("unknown message type")
			h.sendError(c, msg, "unknown message type: "+msg.Type)
		}
	}
}

func (h *Handler) sendError(c *conn, msg Message, text string) {
	_ = c.send(Message{
		Type:      TypeError,
		RequestID: msg.RequestID,
		SessionID: msg.SessionID,
		Error:     text,
	})
}

func (h *Handler) publish(eventType events.EventType, feedID string, profile config.Profile, viewerID string) {
	if h.opts.Bus == nil {
		return
	}
	h.opts.Bus.Publish(eventType, events.Payload{
		"feed_id":   feedID,
		"profile":   string(profile),
		"viewer_id": viewerID,
	})
}
