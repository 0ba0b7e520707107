/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

// validTransitions lists the readiness edges. Registration is the only way
// back to Loading and is applied directly, not through transition.
var validTransitions = map[ReadinessState][]ReadinessState{
	StateNone:    {StateLoading},
	StateLoading: {StateReady},
	StateReady:   {StatePlaying, StatePaused},
	StatePlaying: {StatePaused, StateReady},
	StatePaused:  {StatePlaying, StateReady},
}

func isValidTransition(from, to ReadinessState) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, state := range allowed {
		if state == to {
			return true
		}
	}
	return false
}

// transition moves a session along a valid edge. Invalid edges are logged at
// debug level and ignored.
func (s *Scheduler) transition(sess *session, to ReadinessState) bool {
	if sess.state == to {
		return true
	}
	if !isValidTransition(sess.state, to) {
		s.logger.Debug().
			Err(ErrInvalidTransition).
			Str("session_id", string(sess.id)).
			Str("from", string(sess.state)).
			Str("to", string(to)).
			Msg("transition ignored")
		return false
	}
	sess.state = to
	return true
}

// markReady promotes a Loading session once its media reported readiness.
func (s *Scheduler) markReady(sess *session) {
	if sess.state == StateLoading {
		s.transition(sess, StateReady)
	}
}

// markPlaying records a confirmed play from any post-loading state.
func (s *Scheduler) markPlaying(sess *session) {
	s.markReady(sess)
	s.transition(sess, StatePlaying)
}

// markPaused records a pause. Only Playing sessions change state; a Ready
// session that never played stays Ready.
func (s *Scheduler) markPaused(sess *session) {
	if sess.state == StatePlaying {
		s.transition(sess, StatePaused)
	}
}
