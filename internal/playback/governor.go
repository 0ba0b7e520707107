/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

import (
	"sort"

	"github.com/samber/lo"

	"github.com/friendsincode/feedplay/internal/events"
	"github.com/friendsincode/feedplay/internal/telemetry"
)

func (s *Scheduler) isActive(id SessionID) bool {
	_, ok := s.active[id]
	return ok
}

// touch inserts or refreshes id with the newest activation sequence.
func (s *Scheduler) touch(id SessionID) {
	s.activeSeq++
	if _, ok := s.active[id]; !ok {
		telemetry.ActiveSessions.Inc()
		s.statusDirty = true
	}
	s.active[id] = s.activeSeq
}

func (s *Scheduler) removeActive(id SessionID) bool {
	if _, ok := s.active[id]; !ok {
		return false
	}
	delete(s.active, id)
	telemetry.ActiveSessions.Dec()
	s.statusDirty = true
	return true
}

// activeOrder returns the active set, least recently activated first.
func (s *Scheduler) activeOrder() []SessionID {
	ids := lo.Keys(s.active)
	sort.Slice(ids, func(i, j int) bool { return s.active[ids[i]] < s.active[ids[j]] })
	return ids
}

// selectVictim picks the least recently activated member that is off screen,
// falling back to the least recently activated member other than requester.
func (s *Scheduler) selectVictim(requester SessionID) (SessionID, bool) {
	members := lo.Filter(lo.Keys(s.active), func(id SessionID, _ int) bool {
		return id != requester
	})
	if len(members) == 0 {
		return "", false
	}
	hidden := lo.Filter(members, func(id SessionID, _ int) bool {
		sess := s.sessions[id]
		return sess == nil || !sess.visible
	})
	if len(hidden) > 0 {
		members = hidden
	}
	return lo.MinBy(members, func(a, b SessionID) bool {
		return s.active[a] < s.active[b]
	}), true
}

// makeRoom evicts until requester fits under the concurrency limit.
func (s *Scheduler) makeRoom(requester SessionID) {
	for len(s.active) >= s.cfg.MaxConcurrent {
		victim, ok := s.selectVictim(requester)
		if !ok {
			return
		}
		s.evict(victim, requester)
	}
}

func (s *Scheduler) evict(id, requester SessionID) {
	sess := s.sessions[id]
	if sess == nil {
		s.removeActive(id)
		return
	}
	reason := "visible"
	if !sess.visible {
		reason = "hidden"
	}
	sess.pendingPlayIntent = false
	s.deactivate(sess)
	telemetry.EvictionsTotal.WithLabelValues(reason).Inc()

	s.logger.Debug().
		Str("session_id", string(id)).
		Str("requester", string(requester)).
		Str("reason", reason).
		Msg("evicted active session")
	s.publish(events.EventPlaybackEvicted, sess, events.Payload{
		"requester": string(requester),
		"reason":    reason,
	})
}

// activate starts playback for a visible session, evicting if the active set
// is full. Loading sessions only record the intent.
func (s *Scheduler) activate(sess *session, attempt int) {
	if !sess.visible || sess.media == nil {
		return
	}
	if sess.state == StateNone || sess.state == StateLoading {
		sess.pendingPlayIntent = true
		return
	}
	if s.isActive(sess.id) {
		s.touch(sess.id)
		sess.pendingPlayIntent = false
		return
	}
	if sess.inFlight {
		return
	}
	if attempt <= 1 {
		s.cancelRetry(sess.id)
	}
	s.makeRoom(sess.id)
	s.startPlaybackSequence(sess, attempt)
}

// admit records a confirmed play in the active set. Only visible sessions
// may evict to get in.
func (s *Scheduler) admit(sess *session) bool {
	if s.isActive(sess.id) {
		return false
	}
	if sess.visible {
		s.makeRoom(sess.id)
	}
	s.touch(sess.id)
	telemetry.ActivationsTotal.Inc()
	return true
}

// deactivate pauses the media, cancels its retry and drops it from the active
// set. The pause is issued even for inactive sessions since a play may be in
// flight; bumping the token makes that sequence stale.
func (s *Scheduler) deactivate(sess *session) {
	if sess.media != nil {
		sess.media.Pause()
	}
	s.cancelRetry(sess.id)
	wasActive := s.removeActive(sess.id)
	sess.token++
	sess.inFlight = false
	s.markPaused(sess)
	if wasActive {
		s.publish(events.EventPlaybackPaused, sess, nil)
	}
}
