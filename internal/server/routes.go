/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/friendsincode/feedplay/internal/auth"
	"github.com/friendsincode/feedplay/internal/eventbus"
	"github.com/friendsincode/feedplay/internal/logbuffer"
	"github.com/friendsincode/feedplay/internal/telemetry"
	"github.com/friendsincode/feedplay/internal/version"
)

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", telemetry.Handler())

	var secret []byte
	if s.cfg.JWTSigningKey != "" {
		secret = []byte(s.cfg.JWTSigningKey)
	}

	s.router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(secret))

		r.Handle("/feed/ws", s.feeds)

		r.Route("/debug", func(r chi.Router) {
			r.Get("/feeds", s.handleFeeds)
			r.Get("/feeds/{feedID}", s.handleFeed)
			r.Get("/logs", s.handleLogs)
			r.Get("/relays", s.handleRelays)
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Version,
		"feeds":   s.feeds.Hub().Count(),
	})
}

func (s *Server) handleFeeds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"feeds": s.feeds.Hub().Feeds(),
	})
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	feed, ok := s.feeds.Hub().Feed(chi.URLParam(r, "feedID"))
	if !ok {
		writeError(w, http.StatusNotFound, "feed_not_found")
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logBuffer == nil {
		writeError(w, http.StatusServiceUnavailable, "log_buffer_disabled")
		return
	}

	q := r.URL.Query()
	query := logbuffer.Query{
		Level:     q.Get("level"),
		Component: q.Get("component"),
		FeedID:    q.Get("feed_id"),
		SessionID: q.Get("session_id"),
		Search:    q.Get("q"),
		Limit:     200,
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		query.Limit = limit
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": s.logBuffer.Find(query),
		"levels":  s.logBuffer.LevelCounts(),
	})
}

func (s *Server) handleRelays(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"relays": lo.Map(s.relays, func(relay *eventbus.Relay, _ int) eventbus.RelayStats {
			return relay.Stats()
		}),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
