/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package feedws

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/friendsincode/feedplay/internal/config"
	"github.com/friendsincode/feedplay/internal/playback"
)

// Hub indexes the schedulers of connected feeds for the debug endpoints.
type Hub struct {
	mu    sync.RWMutex
	feeds map[string]*feedEntry
}

type feedEntry struct {
	scheduler   *playback.Scheduler
	profile     config.Profile
	viewerID    string
	connectedAt time.Time
	cancel      context.CancelFunc
}

// FeedStatus is the debug view of one connected feed.
type FeedStatus struct {
	FeedID      string            `json:"feed_id"`
	Profile     string            `json:"profile"`
	ViewerID    string            `json:"viewer_id,omitempty"`
	ConnectedAt time.Time         `json:"connected_at"`
	State       playback.Snapshot `json:"state"`
}

func NewHub() *Hub {
	return &Hub{feeds: make(map[string]*feedEntry)}
}

func (h *Hub) add(s *playback.Scheduler, profile config.Profile, viewerID string, cancel context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.feeds[s.ID()] = &feedEntry{
		scheduler:   s,
		profile:     profile,
		viewerID:    viewerID,
		connectedAt: time.Now(),
		cancel:      cancel,
	}
}

func (h *Hub) remove(feedID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.feeds, feedID)
}

// CloseAll disconnects every feed. Hijacked websocket requests are not
// cancelled by http.Server.Shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, e := range h.feeds {
		if e.cancel != nil {
			e.cancel()
		}
	}
}

// Count returns the number of connected feeds.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.feeds)
}

// Feeds snapshots every connected feed, oldest connection first.
func (h *Hub) Feeds() []FeedStatus {
	h.mu.RLock()
	entries := lo.Values(h.feeds)
	h.mu.RUnlock()

	out := lo.Map(entries, func(e *feedEntry, _ int) FeedStatus {
		return FeedStatus{
			FeedID:      e.scheduler.ID(),
			Profile:     string(e.profile),
			ViewerID:    e.viewerID,
			ConnectedAt: e.connectedAt,
			State:       e.scheduler.Snapshot(),
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// Feed returns the snapshot of one feed.
func (h *Hub) Feed(feedID string) (FeedStatus, bool) {
	h.mu.RLock()
	e, ok := h.feeds[feedID]
	h.mu.RUnlock()
	if !ok {
		return FeedStatus{}, false
	}
	return FeedStatus{
		FeedID:      feedID,
		Profile:     string(e.profile),
		ViewerID:    e.viewerID,
		ConnectedAt: e.connectedAt,
		State:       e.scheduler.Snapshot(),
	}, true
}
