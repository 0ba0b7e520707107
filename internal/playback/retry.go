/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

import (
	"errors"
	"time"

	"github.com/friendsincode/feedplay/internal/events"
	"github.com/friendsincode/feedplay/internal/telemetry"
)

const tracerName = "feedplay/playback"

// backoffDelay returns min(base * 2^(attempt-1), cap).
func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// startPlaybackSequence awaits readiness and issues play. Both steps run off
// the loop; their results come back through resumeAfterReady and
// handlePlayResult, which drop anything carrying an outdated token.
func (s *Scheduler) startPlaybackSequence(sess *session, attempt int) {
	if !sess.visible || !s.autoplay || sess.media == nil {
		return
	}
	sess.token++
	sess.inFlight = true

	id, token, media, ctx := sess.id, sess.token, sess.media, sess.ctx
	started := s.clock.Now()
	timeout := s.cfg.ReadyTimeout

	s.spawn(func() {
		spanCtx, span := telemetry.StartSpan(ctx, tracerName, "playback.await_ready")
		telemetry.AddSpanAttributes(span, map[string]any{
			"session_id": string(id),
			"attempt":    attempt,
		})
		err := media.AwaitReady(spanCtx, timeout)
		telemetry.RecordError(span, err)
		span.End()
		s.post(func() { s.resumeAfterReady(id, token, attempt, started, err) })
	})
}

func (s *Scheduler) resumeAfterReady(id SessionID, token uint64, attempt int, started time.Time, readyErr error) {
	sess := s.sessions[id]
	if sess == nil || sess.token != token {
		return
	}
	if !sess.visible {
		sess.inFlight = false
		return
	}
	if !s.autoplay {
		sess.inFlight = false
		sess.pendingPlayIntent = true
		return
	}
	if readyErr != nil && !errors.Is(readyErr, ErrReadyTimeout) {
		s.logger.Debug().Err(readyErr).Str("session_id", string(id)).Msg("readiness wait failed, attempting play anyway")
	}
	s.markReady(sess)

	media, ctx := sess.media, sess.ctx
	s.spawn(func() {
		spanCtx, span := telemetry.StartSpan(ctx, tracerName, "playback.play")
		telemetry.AddSpanAttributes(span, map[string]any{
			"session_id": string(id),
			"attempt":    attempt,
		})
		err := media.Play(spanCtx)
		telemetry.RecordError(span, err)
		span.End()
		s.post(func() { s.handlePlayResult(id, token, media, attempt, started, err) })
	})
}

func (s *Scheduler) handlePlayResult(id SessionID, token uint64, media MediaSession, attempt int, started time.Time, playErr error) {
	result := "ok"
	if playErr != nil {
		result = "failed"
	}
	telemetry.PlayAttemptsTotal.WithLabelValues(result).Inc()

	sess := s.sessions[id]
	if sess == nil {
		return
	}
	if sess.token != token {
		if playErr == nil {
			s.settleStalePlay(sess, media)
		}
		return
	}
	sess.inFlight = false

	if playErr == nil {
		if !sess.visible {
			media.Pause()
			return
		}
		s.cancelRetry(id)
		sess.pendingPlayIntent = false
		sess.exhausted = false
		admitted := s.admit(sess)
		s.markPlaying(sess)
		telemetry.PlaybackStartSeconds.Observe(s.clock.Now().Sub(started).Seconds())
		if admitted {
			s.publish(events.EventPlaybackStarted, sess, events.Payload{"attempt": attempt})
		}
		return
	}

	// A hidden session's failure is a superseded intent, not a failure.
	if !sess.visible {
		return
	}

	if attempt >= s.cfg.MaxAttempts {
		s.cancelRetry(id)
		sess.pendingPlayIntent = false
		sess.exhausted = true
		s.transition(sess, StatePaused)
		telemetry.RetriesExhaustedTotal.Inc()
		s.logger.Warn().
			Err(playErr).
			Str("session_id", string(id)).
			Int("attempts", attempt).
			Msg("playback retries exhausted")
		s.publish(events.EventPlaybackExhausted, sess, events.Payload{
			"attempts": attempt,
			"error":    playErr.Error(),
		})
		return
	}

	delay := backoffDelay(s.cfg.RetryBase, s.cfg.RetryCap, attempt)
	sess.pendingPlayIntent = true
	s.startTimer(s.retries, id, delay, attempt+1, s.fireRetry)
	telemetry.RetriesScheduledTotal.Inc()
	s.logger.Debug().
		Err(playErr).
		Str("session_id", string(id)).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("play failed, retry scheduled")
}

// settleStalePlay handles a play that succeeded after its sequence was
// superseded: the media may now be playing when nothing wants it to.
func (s *Scheduler) settleStalePlay(sess *session, media MediaSession) {
	switch {
	case media != sess.media:
		media.Pause()
	case !sess.visible:
		s.deactivate(sess)
	case !sess.inFlight && !s.isActive(sess.id):
		media.Pause()
	}
}

// fireRetry re-validates everything from scratch before the next attempt.
func (s *Scheduler) fireRetry(id SessionID, seq uint64, attempt int) {
	if !s.takeTimer(s.retries, id, seq) {
		return
	}
	sess := s.sessions[id]
	if sess == nil || !sess.visible {
		return
	}
	if sess.state == StateNone || sess.state == StateLoading || !s.autoplay {
		sess.pendingPlayIntent = true
		return
	}
	s.activate(sess, attempt)
}

func (s *Scheduler) cancelRetry(id SessionID) {
	s.stopTimer(s.retries, id)
}
