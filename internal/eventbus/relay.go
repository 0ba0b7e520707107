/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus relays playback lifecycle events from the in-process bus
// to external brokers so other services can follow what feeds are doing.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/feedplay/internal/events"
	"github.com/friendsincode/feedplay/internal/telemetry"
)

// Sink delivers one encoded event to an external broker.
type Sink interface {
	Name() string
	Send(ctx context.Context, eventType events.EventType, data []byte) error
	Close() error
}

// Envelope is the wire format shared by every sink.
type Envelope struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id"`
}

func marshalEnvelope(eventType events.EventType, payload events.Payload, nodeID string, now time.Time) ([]byte, error) {
	return json.Marshal(Envelope{
		EventType: eventType,
		Payload:   payload,
		Timestamp: now,
		NodeID:    nodeID,
		MessageID: uuid.NewString(),
	})
}

// UnmarshalEnvelope parses a relayed message.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &env, nil
}

// RelayConfig tunes the relay's circuit breaker.
type RelayConfig struct {
	NodeID      string
	SendTimeout time.Duration
	// MaxFailures consecutive send errors open the circuit for Cooldown.
	MaxFailures int
	Cooldown    time.Duration
}

// DefaultRelayConfig returns default relay settings.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		SendTimeout: 2 * time.Second,
		MaxFailures: 5,
		Cooldown:    30 * time.Second,
	}
}

// Relay forwards every playback event published on a bus to a sink.
type Relay struct {
	bus    *events.Bus
	sink   Sink
	cfg    RelayConfig
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	failCount int
	openUntil time.Time
	sent      int
	dropped   int

	stop func()
	done chan struct{}
}

// NewRelay creates a relay. Call Start to begin forwarding.
func NewRelay(bus *events.Bus, sink Sink, cfg RelayConfig, logger zerolog.Logger) *Relay {
	def := DefaultRelayConfig()
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	return &Relay{
		bus:    bus,
		sink:   sink,
		cfg:    cfg,
		logger: logger.With().Str("component", "relay").Str("sink", sink.Name()).Logger(),
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// Start subscribes to every event type and forwards until ctx is cancelled
// or Close is called.
func (r *Relay) Start(ctx context.Context) {
	merged, stop := r.bus.Merge(events.AllEventTypes...)
	r.stop = stop

	go func() {
		defer close(r.done)
		for {
			select {
			case <-ctx.Done():
				stop()
				for range merged {
				}
				return
			case ev, ok := <-merged:
				if !ok {
					return
				}
				r.forward(ctx, ev)
			}
		}
	}()
	r.logger.Info().Str("node_id", r.cfg.NodeID).Msg("event relay started")
}

func (r *Relay) forward(ctx context.Context, ev events.Event) {
	if r.circuitOpen() {
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		return
	}

	data, err := marshalEnvelope(ev.Type, ev.Payload, r.cfg.NodeID, r.now())
	if err != nil {
		r.logger.Error().Err(err).Str("event_type", string(ev.Type)).Msg("failed to marshal event")
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	defer cancel()
	if err := r.sink.Send(sendCtx, ev.Type, data); err != nil {
		telemetry.RelayPublishErrorsTotal.WithLabelValues(r.sink.Name()).Inc()
		r.logger.Error().Err(err).Str("event_type", string(ev.Type)).Msg("failed to relay event")
		r.recordFailure()
		return
	}

	r.mu.Lock()
	r.failCount = 0
	r.sent++
	r.mu.Unlock()
}

func (r *Relay) circuitOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.openUntil.IsZero() && r.now().Before(r.openUntil)
}

// recordFailure opens the circuit once the failure threshold is reached.
// After the cooldown the next event is tried again; one more failure
// reopens it immediately.
func (r *Relay) recordFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failCount++
	if r.failCount >= r.cfg.MaxFailures {
		r.openUntil = r.now().Add(r.cfg.Cooldown)
		r.failCount = r.cfg.MaxFailures - 1
		r.logger.Warn().
			Dur("cooldown", r.cfg.Cooldown).
			Msg("relay failure threshold reached, dropping events during cooldown")
	}
}

// RelayStats reports delivery counters.
type RelayStats struct {
	Sink    string `json:"sink"`
	Sent    int    `json:"sent"`
	Dropped int    `json:"dropped"`
	Open    bool   `json:"circuit_open"`
}

func (r *Relay) Stats() RelayStats {
	open := r.circuitOpen()
	r.mu.Lock()
	defer r.mu.Unlock()
	return RelayStats{Sink: r.sink.Name(), Sent: r.sent, Dropped: r.dropped, Open: open}
}

// Close stops forwarding and closes the sink.
func (r *Relay) Close() error {
	if r.stop != nil {
		r.stop()
		<-r.done
	}
	if err := r.sink.Close(); err != nil {
		return fmt.Errorf("close %s sink: %w", r.sink.Name(), err)
	}
	r.logger.Info().Msg("event relay closed")
	return nil
}
