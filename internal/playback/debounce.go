/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

import (
	"math"
	"time"

	"github.com/friendsincode/feedplay/internal/events"
	"github.com/friendsincode/feedplay/internal/telemetry"
)

// velocitySmoothing weights the newest scroll sample against the running value.
const velocitySmoothing = 0.5

// velocityMeter tracks scroll speed in pixels per millisecond.
type velocityMeter struct {
	lastPos  float64
	lastAt   time.Time
	smoothed float64
	primed   bool
}

func (v *velocityMeter) sample(pos float64, at time.Time) {
	if !v.primed {
		v.lastPos, v.lastAt, v.primed = pos, at, true
		return
	}
	elapsed := at.Sub(v.lastAt)
	if elapsed <= 0 {
		v.lastPos = pos
		return
	}
	instant := math.Abs(pos-v.lastPos) / (float64(elapsed) / float64(time.Millisecond))
	v.smoothed = velocitySmoothing*instant + (1-velocitySmoothing)*v.smoothed
	v.lastPos, v.lastAt = pos, at
}

// current returns the smoothed velocity, or zero once the last sample is
// older than window.
func (v *velocityMeter) current(now time.Time, window time.Duration) float64 {
	if !v.primed || now.Sub(v.lastAt) > window {
		return 0
	}
	return v.smoothed
}

// computeDelay returns the debounce delay for a transition. Entering uses the
// short base, exiting the long one; both grow with scroll velocity up to
// MaxDelayScale times the base.
func computeDelay(cfg Config, entering bool, velocity float64) time.Duration {
	base := cfg.ExitDelay
	if entering {
		base = cfg.EnterDelay
	}
	scale := 1 + velocity*cfg.VelocityScale
	if scale > cfg.MaxDelayScale {
		scale = cfg.MaxDelayScale
	}
	if scale < 1 {
		scale = 1
	}
	return time.Duration(float64(base) * scale)
}

// HandleIntersection feeds one raw viewport report into the debouncer.
// Reports for unknown elements are ignored.
func (s *Scheduler) HandleIntersection(ev IntersectionEvent) {
	s.post(func() { s.onIntersection(ev) })
}

// ReportScroll records the scroll position of the feed container.
func (s *Scheduler) ReportScroll(position float64) {
	s.post(func() { s.velocity.sample(position, s.clock.Now()) })
}

func (s *Scheduler) onIntersection(ev IntersectionEvent) {
	id, ok := s.elements[ev.Element]
	if !ok {
		return
	}
	sess := s.sessions[id]
	if sess == nil {
		return
	}

	verdict := ev.Intersecting && ev.Ratio >= s.cfg.VisibleThreshold
	if verdict == sess.reported {
		return
	}
	sess.reported = verdict

	now := s.clock.Now()
	sess.transitionAt = now
	delay := computeDelay(s.cfg, verdict, s.velocity.current(now, s.cfg.VelocityWindow))
	s.startTimer(s.debounce, id, delay, 0, s.fireDebounce)
}

// fireDebounce applies the latest tracker verdict if it still disagrees with
// the stable visibility.
func (s *Scheduler) fireDebounce(id SessionID, seq uint64, _ int) {
	if !s.takeTimer(s.debounce, id, seq) {
		return
	}
	sess := s.sessions[id]
	if sess == nil || sess.reported == sess.visible {
		return
	}

	sess.visible = sess.reported
	if sess.visible {
		telemetry.DebounceTransitionsTotal.WithLabelValues("enter").Inc()
		s.publish(events.EventSessionVisible, sess, nil)
		s.requestActivation(sess)
		return
	}
	telemetry.DebounceTransitionsTotal.WithLabelValues("exit").Inc()
	s.publish(events.EventSessionHidden, sess, nil)
	s.requestDeactivation(sess)
}
