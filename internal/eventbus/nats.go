/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/friendsincode/feedplay/internal/events"
)

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL   string
	Token string
	// Subject prefix; events go to "<Subject>.<type>".
	Subject string

	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Subject:       "feedplay.events",
		MaxReconnects: -1, // Unlimited
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// NATSSink publishes relayed events on NATS subjects.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

// NewNATSSink connects to NATS. The connection reconnects on its own; state
// changes are logged.
func NewNATSSink(cfg NATSConfig, logger zerolog.Logger) (*NATSSink, error) {
	opts := []nats.Option{
		nats.Name("feedplay"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}

	logger.Info().Str("url", cfg.URL).Str("subject", cfg.Subject).Msg("NATS event sink connected")
	return &NATSSink{conn: conn, subject: cfg.Subject}, nil
}

func (s *NATSSink) Name() string { return "nats" }

// Subject returns the NATS subject for an event type.
func (s *NATSSink) Subject(eventType events.EventType) string {
	return s.subject + "." + string(eventType)
}

// Send publishes asynchronously; NATS buffers while reconnecting.
func (s *NATSSink) Send(_ context.Context, eventType events.EventType, data []byte) error {
	return s.conn.Publish(s.Subject(eventType), data)
}

func (s *NATSSink) Close() error {
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return err
	}
	return nil
}
