/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/friendsincode/feedplay/internal/config"
	"github.com/friendsincode/feedplay/internal/eventbus"
	"github.com/friendsincode/feedplay/internal/events"
	"github.com/friendsincode/feedplay/internal/feedws"
	"github.com/friendsincode/feedplay/internal/logbuffer"
	"github.com/friendsincode/feedplay/internal/telemetry"
)

// Server bundles HTTP and supporting services.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	bus       *events.Bus
	logBuffer *logbuffer.Buffer
	feeds     *feedws.Handler
	relays    []*eventbus.Relay

	bgCancel context.CancelFunc
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logBuf *logbuffer.Buffer, logger zerolog.Logger) (*Server, error) {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware("feedplay-api"))
	router.Use(telemetry.MetricsMiddleware)
	// Feed sockets are long-lived; everything else gets a request timeout.
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(30 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:       cfg,
		logger:    logger,
		router:    router,
		bus:       events.NewBus(),
		logBuffer: logBuf,
	}

	if err := srv.initDependencies(); err != nil {
		_ = srv.Close()
		return nil, err
	}

	srv.configureRoutes()
	srv.startBackgroundWorkers()

	srv.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		// WriteTimeout stays 0; feed sockets manage their own deadlines.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return srv, nil
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	s.feeds = feedws.NewHandler(feedws.Options{
		Playback:       s.cfg.Playback,
		RequestTimeout: s.cfg.RequestTimeout,
		Bus:            s.bus,
	}, s.logger)

	relayCfg := eventbus.DefaultRelayConfig()
	relayCfg.NodeID = s.cfg.InstanceID

	if s.cfg.RedisEnabled {
		redisCfg := eventbus.DefaultRedisConfig()
		redisCfg.Addr = s.cfg.RedisAddr
		redisCfg.Password = s.cfg.RedisPassword
		redisCfg.DB = s.cfg.RedisDB
		redisCfg.Channel = s.cfg.RedisChannel

		sink, err := eventbus.NewRedisSink(context.Background(), redisCfg, s.logger)
		if err != nil {
			return fmt.Errorf("redis event relay: %w", err)
		}
		s.relays = append(s.relays, eventbus.NewRelay(s.bus, sink, relayCfg, s.logger))
	}

	if s.cfg.NATSEnabled {
		natsCfg := eventbus.DefaultNATSConfig()
		natsCfg.URL = s.cfg.NATSURL
		natsCfg.Subject = s.cfg.NATSSubject

		sink, err := eventbus.NewNATSSink(natsCfg, s.logger)
		if err != nil {
			return fmt.Errorf("nats event relay: %w", err)
		}
		s.relays = append(s.relays, eventbus.NewRelay(s.bus, sink, relayCfg, s.logger))
	}

	return nil
}

// HTTPServer returns the configured HTTP server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Handler returns the root router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Bus returns the process event bus.
func (s *Server) Bus() *events.Bus {
	return s.bus
}

// Close disconnects feeds, stops relays and runs registered cleanup hooks.
func (s *Server) Close() error {
	if s.feeds != nil {
		s.feeds.Hub().CloseAll()
	}
	s.stopBackgroundWorkers()

	var firstErr error
	for _, relay := range s.relays {
		if err := relay.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.relays = nil

	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closers = nil
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) startBackgroundWorkers() {
	if len(s.relays) == 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel
	for _, relay := range s.relays {
		relay.Start(ctx)
	}
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel != nil {
		s.bgCancel()
		s.bgCancel = nil
	}
}
