/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	// Playback lifecycle
	EventPlaybackStarted   EventType = "playback.started"
	EventPlaybackPaused    EventType = "playback.paused"
	EventPlaybackEvicted   EventType = "playback.evicted"
	EventPlaybackExhausted EventType = "playback.exhausted"

	// Debounced visibility
	EventSessionVisible EventType = "session.visible"
	EventSessionHidden  EventType = "session.hidden"

	// Feed connections
	EventFeedConnected    EventType = "feed.connected"
	EventFeedDisconnected EventType = "feed.disconnected"
)

// AllEventTypes lists every type published by this module, for relays.
var AllEventTypes = []EventType{
	EventPlaybackStarted,
	EventPlaybackPaused,
	EventPlaybackEvicted,
	EventPlaybackExhausted,
	EventSessionVisible,
	EventSessionHidden,
	EventFeedConnected,
	EventFeedDisconnected,
}

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Bus implements a simple in-process pubsub.
// Publish never blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[EventType][]Subscriber
	bufSize int
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return NewBusWithBuffer(64)
}

// NewBusWithBuffer creates an event bus whose subscriber channels hold size payloads.
func NewBusWithBuffer(size int) *Bus {
	if size <= 0 {
		size = 1
	}
	return &Bus{subs: make(map[EventType][]Subscriber), bufSize: size}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, b.bufSize)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers. Sends happen under the read lock so
// Unsubscribe cannot close a channel mid-send.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[eventType] {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	b.subs[eventType] = subs
}

// Event pairs a payload with its type, as delivered by Merge.
type Event struct {
	Type    EventType
	Payload Payload
}

// Merge subscribes to every listed type and fans the payloads into one channel.
// The returned stop function unsubscribes and closes the merged channel once
// all forwarders have drained.
func (b *Bus) Merge(types ...EventType) (<-chan Event, func()) {
	out := make(chan Event, b.bufSize)
	done := make(chan struct{})
	var wg sync.WaitGroup
	subs := make(map[EventType]Subscriber, len(types))
	for _, t := range types {
		sub := b.Subscribe(t)
		subs[t] = sub
		wg.Add(1)
		go func(t EventType, sub Subscriber) {
			defer wg.Done()
			for payload := range sub {
				select {
				case out <- Event{Type: t, Payload: payload}:
				case <-done:
					return
				}
			}
		}(t, sub)
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			for t, sub := range subs {
				b.Unsubscribe(t, sub)
			}
			go func() {
				wg.Wait()
				close(out)
			}()
		})
	}
	return out, stop
}
