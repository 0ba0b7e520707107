/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/feedplay/internal/events"
)

// Scheduler owns the session records, the active set and the debounce and
// retry tables for one feed. Its public methods are safe for concurrent use
// and never block on media I/O.
type Scheduler struct {
	id        string
	cfg       Config
	autoplay  bool
	clock     Clock
	tracker   ViewportTracker
	publisher Publisher
	logger    zerolog.Logger
	onStatus  func(Snapshot)
	spawn     func(func())

	sessions  map[SessionID]*session
	elements  map[ElementKey]SessionID
	active    map[SessionID]uint64
	activeSeq uint64

	debounce map[SessionID]pendingTimer
	retries  map[SessionID]pendingTimer
	timerSeq uint64

	velocity    velocityMeter
	statusDirty bool

	ctx     context.Context
	cancel  context.CancelFunc
	mbox    *mailbox
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithPublisher sends lifecycle events to p.
func WithPublisher(p Publisher) Option {
	return func(s *Scheduler) { s.publisher = p }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithID sets the feed id used in logs, events and snapshots.
func WithID(id string) Option {
	return func(s *Scheduler) { s.id = id }
}

// WithStatusHook registers fn to receive a snapshot whenever the active set
// or concurrency limit changes. fn runs on the scheduler goroutine and must
// not call back into the Scheduler synchronously.
func WithStatusHook(fn func(Snapshot)) Option {
	return func(s *Scheduler) { s.onStatus = fn }
}

// WithSpawner runs media calls (readiness waits and play) through spawn
// instead of plain goroutines. spawn must not run fn synchronously.
func WithSpawner(spawn func(fn func())) Option {
	return func(s *Scheduler) { s.spawn = spawn }
}

func goSpawn(fn func()) { go fn() }

type nopTracker struct{}

func (nopTracker) Track(ElementKey)   {}
func (nopTracker) Untrack(ElementKey) {}

// New creates a scheduler and starts its event loop. Call Close to stop it.
func New(cfg Config, tracker ViewportTracker, opts ...Option) *Scheduler {
	cfg = cfg.normalized()
	if tracker == nil {
		tracker = nopTracker{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		id:       uuid.NewString(),
		cfg:      cfg,
		autoplay: cfg.Autoplay,
		clock:    SystemClock{},
		tracker:  tracker,
		logger:   zerolog.Nop(),
		spawn:    goSpawn,
		sessions: make(map[SessionID]*session),
		elements: make(map[ElementKey]SessionID),
		active:   make(map[SessionID]uint64),
		debounce: make(map[SessionID]pendingTimer),
		retries:  make(map[SessionID]pendingTimer),
		ctx:      ctx,
		cancel:   cancel,
		mbox:     newMailbox(),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "playback").Str("feed_id", s.id).Logger()

	go s.run()
	return s
}

// ID returns the feed id.
func (s *Scheduler) ID() string { return s.id }

func (s *Scheduler) lookup(id SessionID) *session {
	sess := s.sessions[id]
	if sess == nil {
		ctx, cancel := context.WithCancel(s.ctx)
		sess = &session{id: id, ctx: ctx, cancel: cancel}
		s.sessions[id] = sess
	}
	return sess
}

// Observe creates the session record if needed and starts viewport tracking.
// Re-observing a tracked session is a no-op.
func (s *Scheduler) Observe(id SessionID, element ElementKey) {
	s.post(func() {
		sess := s.lookup(id)
		if sess.element != "" {
			return
		}
		if other, taken := s.elements[element]; taken && other != id {
			s.logger.Warn().
				Str("session_id", string(id)).
				Str("element", string(element)).
				Str("owner", string(other)).
				Msg("element already observed by another session")
			return
		}
		sess.element = element
		s.elements[element] = id
		s.tracker.Track(element)
	})
}

// Register attaches media to a session, installs its state callback and waits
// for initial readiness in the background. Registering the same media again
// is a no-op; a different instance replaces the previous one.
func (s *Scheduler) Register(id SessionID, media MediaSession) {
	if media == nil {
		return
	}
	s.post(func() {
		sess := s.lookup(id)
		if sess.media == media {
			return
		}
		if old := sess.media; old != nil {
			old.OnStateChange(nil)
			old.Pause()
			s.cancelRetry(id)
			if s.removeActive(id) {
				s.publish(events.EventPlaybackPaused, sess, nil)
			}
			sess.token++
			sess.inFlight = false
		}

		sess.media = media
		sess.mediaGen++
		sess.state = StateLoading
		sess.exhausted = false
		if sess.visible {
			sess.pendingPlayIntent = true
		}

		gen, ctx, timeout := sess.mediaGen, sess.ctx, s.cfg.ReadyTimeout
		media.OnStateChange(func(playing bool) {
			s.post(func() { s.handleStateChange(id, gen, playing) })
		})
		s.spawn(func() {
			err := media.AwaitReady(ctx, timeout)
			s.post(func() { s.handleInitialReady(id, gen, err) })
		})
	})
}

func (s *Scheduler) handleInitialReady(id SessionID, gen uint64, err error) {
	sess := s.sessions[id]
	if sess == nil || sess.mediaGen != gen {
		return
	}
	if err != nil {
		s.logger.Debug().Err(err).Str("session_id", string(id)).Msg("initial readiness wait ended, assuming ready")
	}
	s.markReady(sess)
	s.evaluateIntent(sess)
}

// evaluateIntent turns a recorded play intent into an activation once the
// session can actually be activated.
func (s *Scheduler) evaluateIntent(sess *session) {
	if !sess.pendingPlayIntent || !sess.visible || !s.autoplay {
		return
	}
	if sess.state == StateNone || sess.state == StateLoading {
		return
	}
	s.activate(sess, 1)
}

// handleStateChange mirrors playing/paused reports from the media into the
// readiness state and the active set.
func (s *Scheduler) handleStateChange(id SessionID, gen uint64, playing bool) {
	sess := s.sessions[id]
	if sess == nil || sess.mediaGen != gen {
		return
	}
	if playing {
		s.cancelRetry(id)
		sess.pendingPlayIntent = false
		if sess.inFlight || s.isActive(id) {
			s.markPlaying(sess)
			return
		}
		// Off-screen playback only takes spare capacity.
		if !sess.visible && len(s.active) >= s.cfg.MaxConcurrent {
			s.logger.Debug().
				Str("session_id", string(id)).
				Msg("pausing off-screen playback, active set full")
			sess.media.Pause()
			return
		}
		s.markPlaying(sess)
		if s.admit(sess) {
			s.publish(events.EventPlaybackStarted, sess, events.Payload{"source": "media"})
		}
		return
	}
	s.markPaused(sess)
	if s.removeActive(id) {
		s.publish(events.EventPlaybackPaused, sess, events.Payload{"source": "media"})
	}
}

// Unobserve cancels all timers for the session, stops tracking it, disposes
// its media and forgets it. Unknown ids are ignored.
func (s *Scheduler) Unobserve(id SessionID) {
	s.post(func() { s.drop(id) })
}

func (s *Scheduler) drop(id SessionID) {
	sess := s.sessions[id]
	if sess == nil {
		return
	}
	s.stopTimer(s.debounce, id)
	s.stopTimer(s.retries, id)
	s.removeActive(id)
	if sess.element != "" {
		s.tracker.Untrack(sess.element)
		delete(s.elements, sess.element)
	}
	if sess.media != nil {
		sess.media.OnStateChange(nil)
		sess.media.Dispose()
	}
	sess.token++
	sess.cancel()
	delete(s.sessions, id)
}

// RetryAll re-evaluates every visible, post-loading session that is not
// already playing or mid-attempt, most recently shown first, up to the free
// capacity. Exhausted sessions get a fresh attempt budget.
func (s *Scheduler) RetryAll() {
	s.post(func() {
		var candidates []*session
		for _, sess := range s.sessions {
			if !sess.visible || sess.media == nil {
				continue
			}
			sess.exhausted = false
			if sess.state == StateNone || sess.state == StateLoading {
				sess.pendingPlayIntent = true
				continue
			}
			if !s.isActive(sess.id) && !sess.inFlight {
				candidates = append(candidates, sess)
			}
		}
		s.logger.Debug().Int("candidates", len(candidates)).Msg("retrying visible sessions")
		s.activateWithinCapacity(candidates)
	})
}

// activateWithinCapacity activates candidates, most recently shown first,
// until the free capacity is used up. The rest keep a pending intent.
func (s *Scheduler) activateWithinCapacity(candidates []*session) {
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].transitionAt.After(candidates[j].transitionAt)
	})
	// Off-screen members count as free since activation evicts them first.
	free := s.cfg.MaxConcurrent - len(s.active)
	for id := range s.active {
		if sess := s.sessions[id]; sess == nil || !sess.visible {
			free++
		}
	}
	for _, sess := range s.sessions {
		if sess.inFlight {
			free--
		}
	}
	for i, sess := range candidates {
		if !s.autoplay || i >= free {
			sess.pendingPlayIntent = true
			continue
		}
		s.cancelRetry(sess.id)
		s.activate(sess, 1)
	}
}

// SetConcurrencyLimit changes the cap for future activations. Values below
// one are clamped. Current members are not evicted.
func (s *Scheduler) SetConcurrencyLimit(n int) {
	if n < 1 {
		n = 1
	}
	s.post(func() {
		s.cfg.MaxConcurrent = n
		s.statusDirty = true
	})
}

// SetAutoplayEnabled toggles autoplay. Enabling it activates visible sessions
// that were waiting on the policy.
func (s *Scheduler) SetAutoplayEnabled(enabled bool) {
	s.post(func() {
		if s.autoplay == enabled {
			return
		}
		s.autoplay = enabled
		s.statusDirty = true
		if !enabled {
			return
		}
		var waiting []*session
		for _, sess := range s.sessions {
			if !sess.visible || !sess.pendingPlayIntent || sess.media == nil {
				continue
			}
			if sess.state == StateNone || sess.state == StateLoading {
				continue
			}
			if !s.isActive(sess.id) && !sess.inFlight {
				waiting = append(waiting, sess)
			}
		}
		s.activateWithinCapacity(waiting)
	})
}

// requestActivation is the debouncer's "entered" side effect.
func (s *Scheduler) requestActivation(sess *session) {
	if !sess.visible {
		return
	}
	sess.exhausted = false
	if sess.media == nil || sess.state == StateNone || sess.state == StateLoading || !s.autoplay {
		sess.pendingPlayIntent = true
		return
	}
	s.activate(sess, 1)
}

// requestDeactivation is the debouncer's "exited" side effect.
func (s *Scheduler) requestDeactivation(sess *session) {
	if sess.visible {
		return
	}
	sess.pendingPlayIntent = false
	s.deactivate(sess)
}

// Snapshot returns a consistent copy of the scheduler state. It must not be
// called from a status hook.
func (s *Scheduler) Snapshot() Snapshot {
	var snap Snapshot
	if !s.call(func() { snap = s.snapshot() }) {
		return Snapshot{FeedID: s.id, Sessions: map[SessionID]SessionSnapshot{}}
	}
	return snap
}

// Flush waits until everything posted before the call has been processed.
func (s *Scheduler) Flush() {
	s.call(func() {})
}

func (s *Scheduler) snapshot() Snapshot {
	snap := Snapshot{
		FeedID:        s.id,
		MaxConcurrent: s.cfg.MaxConcurrent,
		Autoplay:      s.autoplay,
		Active:        s.activeOrder(),
		Sessions:      make(map[SessionID]SessionSnapshot, len(s.sessions)),
	}
	for id, sess := range s.sessions {
		_, debouncing := s.debounce[id]
		_, retrying := s.retries[id]
		snap.Sessions[id] = SessionSnapshot{
			ID:                id,
			Element:           sess.element,
			Registered:        sess.media != nil,
			Visible:           sess.visible,
			PendingPlayIntent: sess.pendingPlayIntent,
			State:             sess.state,
			Exhausted:         sess.exhausted,
			InFlight:          sess.inFlight,
			DebouncePending:   debouncing,
			RetryPending:      retrying,
		}
	}
	return snap
}

// Close cancels all timers, disposes every registered media session and
// stops the event loop. It is safe to call more than once.
func (s *Scheduler) Close() {
	s.once.Do(func() {
		s.call(func() {
			for id := range s.sessions {
				s.drop(id)
			}
		})
		s.cancel()
		s.mbox.close()
		close(s.quit)
		<-s.stopped
		s.logger.Debug().Msg("scheduler closed")
	})
}

func (s *Scheduler) publish(eventType events.EventType, sess *session, extra events.Payload) {
	if s.publisher == nil {
		return
	}
	payload := events.Payload{
		"feed_id":    s.id,
		"session_id": string(sess.id),
		"state":      string(sess.state),
		"visible":    sess.visible,
	}
	for k, v := range extra {
		payload[k] = v
	}
	s.publisher.Publish(eventType, payload)
}

func (s *Scheduler) notifyStatus() {
	if !s.statusDirty {
		return
	}
	s.statusDirty = false
	if s.onStatus != nil {
		s.onStatus(s.snapshot())
	}
}

// startTimer replaces the pending timer for id in table. The fired callback
// is posted to the loop and carries a sequence number so a timer that was
// stopped too late is recognised and ignored.
func (s *Scheduler) startTimer(table map[SessionID]pendingTimer, id SessionID, d time.Duration, attempt int, fire func(SessionID, uint64, int)) {
	s.stopTimer(table, id)
	s.timerSeq++
	seq := s.timerSeq
	t := s.clock.AfterFunc(d, func() {
		s.post(func() { fire(id, seq, attempt) })
	})
	table[id] = pendingTimer{timer: t, seq: seq, attempt: attempt}
}

func (s *Scheduler) stopTimer(table map[SessionID]pendingTimer, id SessionID) {
	if p, ok := table[id]; ok {
		p.timer.Stop()
		delete(table, id)
	}
}

// takeTimer removes the entry for id if it is still the one identified by seq.
func (s *Scheduler) takeTimer(table map[SessionID]pendingTimer, id SessionID, seq uint64) bool {
	p, ok := table[id]
	if !ok || p.seq != seq {
		return false
	}
	delete(table, id)
	return true
}
