/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback_test

import (
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/friendsincode/feedplay/internal/events"
	"github.com/friendsincode/feedplay/internal/playback"
	"github.com/friendsincode/feedplay/internal/playback/playbacktest"
)

var errAutoplayBlocked = errors.New("autoplay blocked")

type harness struct {
	t       *testing.T
	cfg     playback.Config
	clock   *playbacktest.ManualClock
	tracker *playbacktest.Tracker
	bus     *events.Bus
	sched   *playback.Scheduler

	mu        sync.Mutex
	maxActive int
}

func newHarness(t *testing.T, mutate func(*playback.Config)) *harness {
	t.Helper()
	cfg := playback.DefaultConfig()
	// Real readiness timeouts never fire in these tests.
	cfg.ReadyTimeout = time.Minute
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{
		t:       t,
		cfg:     cfg,
		clock:   playbacktest.NewManualClock(time.Unix(1_700_000_000, 0)),
		tracker: playbacktest.NewTracker(),
		bus:     events.NewBus(),
	}
	h.sched = playback.New(cfg, h.tracker,
		playback.WithClock(h.clock),
		playback.WithPublisher(h.bus),
		playback.WithID("feed-test"),
		playback.WithStatusHook(func(s playback.Snapshot) {
			h.mu.Lock()
			if len(s.Active) > h.maxActive {
				h.maxActive = len(s.Active)
			}
			h.mu.Unlock()
		}),
	)
	t.Cleanup(h.sched.Close)
	return h
}

func element(id playback.SessionID) playback.ElementKey {
	return playback.ElementKey("el-" + string(id))
}

// add observes and registers id, then waits for the initial readiness wait
// to resolve when the media is already buffered.
func (h *harness) add(id playback.SessionID, media *playbacktest.Media) {
	h.t.Helper()
	h.sched.Observe(id, element(id))
	h.sched.Register(id, media)
	h.sched.Flush()
}

// addReady registers already buffered media for every id.
func (h *harness) addReady(ids ...playback.SessionID) map[playback.SessionID]*playbacktest.Media {
	h.t.Helper()
	media := make(map[playback.SessionID]*playbacktest.Media, len(ids))
	for _, id := range ids {
		media[id] = playbacktest.NewMedia(true)
		h.add(id, media[id])
		h.waitState(id, playback.StateReady)
	}
	return media
}

func (h *harness) intersect(id playback.SessionID, visible bool) {
	ratio := 0.0
	if visible {
		ratio = 1
	}
	h.sched.HandleIntersection(playback.IntersectionEvent{Element: element(id), Intersecting: visible, Ratio: ratio})
	h.sched.Flush()
}

func (h *harness) show(id playback.SessionID) {
	h.t.Helper()
	h.intersect(id, true)
	h.advance(h.cfg.EnterDelay)
}

func (h *harness) hide(id playback.SessionID) {
	h.t.Helper()
	h.intersect(id, false)
	h.advance(h.cfg.ExitDelay)
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.sched.Flush()
}

func (h *harness) session(id playback.SessionID) playback.SessionSnapshot {
	return h.sched.Snapshot().Sessions[id]
}

func (h *harness) active() []playback.SessionID {
	return h.sched.Snapshot().Active
}

func (h *harness) waitFor(msg string, cond func(playback.Snapshot) bool) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond(h.sched.Snapshot()) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s", msg)
}

func (h *harness) waitState(id playback.SessionID, state playback.ReadinessState) {
	h.t.Helper()
	h.waitFor(string(id)+" to reach "+string(state), func(s playback.Snapshot) bool {
		return s.Sessions[id].State == state
	})
}

func (h *harness) waitPlaying(id playback.SessionID) {
	h.t.Helper()
	h.waitFor(string(id)+" to play", func(s playback.Snapshot) bool {
		return s.Sessions[id].State == playback.StatePlaying && slices.Contains(s.Active, id)
	})
}

// holds fails the test if cond stops holding within d.
func holds(t *testing.T, d time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if !cond() {
			t.Fatalf("%s no longer holds", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func expectActive(t *testing.T, h *harness, want ...playback.SessionID) {
	t.Helper()
	if got := h.active(); !slices.Equal(got, want) {
		t.Fatalf("expected active set %v, got %v", want, got)
	}
}

func expectPending(t *testing.T, h *harness, want ...time.Duration) {
	t.Helper()
	if got := h.clock.Pending(); !slices.Equal(got, want) {
		t.Fatalf("expected pending timers %v, got %v", want, got)
	}
}

func receive(t *testing.T, ch <-chan events.Payload, what string) events.Payload {
	t.Helper()
	select {
	case payload := <-ch:
		return payload
	case <-time.After(time.Second):
		t.Fatalf("no %s event published", what)
		return nil
	}
}

func TestEvictsLeastRecentlyActivated(t *testing.T) {
	h := newHarness(t, func(c *playback.Config) { c.MaxConcurrent = 2 })
	evicted := h.bus.Subscribe(events.EventPlaybackEvicted)
	media := h.addReady("s1", "s2", "s3")

	h.show("s1")
	h.waitPlaying("s1")
	h.show("s2")
	h.waitPlaying("s2")
	h.show("s3")
	h.waitPlaying("s3")

	expectActive(t, h, "s2", "s3")
	snap := h.session("s1")
	if snap.State != playback.StatePaused {
		t.Errorf("expected s1 paused, got %s", snap.State)
	}
	if snap.PendingPlayIntent {
		t.Error("expected eviction to clear the play intent")
	}
	if media["s1"].IsPlaying() {
		t.Error("expected s1 media paused")
	}
	if !media["s2"].IsPlaying() {
		t.Error("expected s2 media still playing")
	}

	payload := receive(t, evicted, "eviction")
	if payload["session_id"] != "s1" || payload["requester"] != "s3" {
		t.Errorf("unexpected eviction payload %v", payload)
	}
}

func TestRetriesWithExponentialBackoff(t *testing.T) {
	h := newHarness(t, func(c *playback.Config) {
		c.RetryBase = 100 * time.Millisecond
		c.RetryCap = 5 * time.Second
	})
	media := playbacktest.NewMedia(true)
	media.FailNext(3, errAutoplayBlocked)
	h.add("s1", media)
	h.waitState("s1", playback.StateReady)

	h.show("s1")
	for _, delay := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond} {
		h.waitFor("retry to be scheduled", func(s playback.Snapshot) bool {
			return s.Sessions["s1"].RetryPending
		})
		expectPending(t, h, delay)
		if !h.session("s1").PendingPlayIntent {
			t.Fatal("expected play intent kept while a retry is pending")
		}
		h.advance(delay)
	}

	h.waitPlaying("s1")
	snap := h.session("s1")
	if snap.RetryPending || snap.PendingPlayIntent {
		t.Errorf("expected retry and intent cleared, got %+v", snap)
	}
	if got := media.PlayCalls(); got != 4 {
		t.Errorf("expected 4 play calls, got %d", got)
	}
	expectPending(t, h)
}

func TestDebounceCancelsFlicker(t *testing.T) {
	h := newHarness(t, nil)
	media := h.addReady("s1")["s1"]

	h.intersect("s1", true)
	expectPending(t, h, h.cfg.EnterDelay)

	h.advance(h.cfg.EnterDelay / 2)
	h.intersect("s1", false)
	expectPending(t, h, h.cfg.ExitDelay)
	if !h.session("s1").DebouncePending {
		t.Fatal("expected a pending debounce")
	}

	h.advance(time.Second)
	snap := h.session("s1")
	if snap.Visible || snap.DebouncePending {
		t.Errorf("expected flicker to settle hidden, got %+v", snap)
	}
	if media.PlayCalls() != 0 {
		t.Errorf("expected no play calls, got %d", media.PlayCalls())
	}
	expectActive(t, h)
}

func TestLoadingSessionPlaysOnceReady(t *testing.T) {
	h := newHarness(t, nil)
	media := playbacktest.NewMedia(false)
	h.add("s1", media)

	h.show("s1")
	snap := h.session("s1")
	if snap.State != playback.StateLoading {
		t.Fatalf("expected loading, got %s", snap.State)
	}
	if !snap.Visible || !snap.PendingPlayIntent {
		t.Fatalf("expected visible with a play intent, got %+v", snap)
	}
	if media.PlayCalls() != 0 {
		t.Fatalf("expected no play while loading, got %d", media.PlayCalls())
	}

	media.MarkReady()
	h.waitPlaying("s1")
	holds(t, 50*time.Millisecond, "a single play call", func() bool { return media.PlayCalls() == 1 })
}

func TestReadyTimeoutStillPlays(t *testing.T) {
	h := newHarness(t, func(c *playback.Config) { c.ReadyTimeout = 20 * time.Millisecond })
	media := playbacktest.NewMedia(false)
	h.add("s1", media)

	// The media never reports ready; the timed out wait still moves it on.
	h.waitState("s1", playback.StateReady)
	if media.PlayCalls() != 0 {
		t.Fatalf("expected no play before the session is visible, got %d", media.PlayCalls())
	}

	h.show("s1")
	h.waitPlaying("s1")
	holds(t, 100*time.Millisecond, "a single play call", func() bool { return media.PlayCalls() == 1 })
}

func TestRepeatedVerdictDoesNotRetrigger(t *testing.T) {
	h := newHarness(t, nil)
	media := h.addReady("s1")["s1"]
	h.show("s1")
	h.waitPlaying("s1")

	for i := 0; i < 5; i++ {
		h.intersect("s1", true)
	}
	expectPending(t, h)
	h.advance(time.Second)
	if media.PlayCalls() != 1 || media.PauseCalls() != 0 {
		t.Errorf("expected 1 play and 0 pauses, got %d and %d", media.PlayCalls(), media.PauseCalls())
	}
}

func TestBelowThresholdCountsAsHidden(t *testing.T) {
	h := newHarness(t, nil)
	h.add("s1", playbacktest.NewMedia(true))

	h.sched.HandleIntersection(playback.IntersectionEvent{Element: element("s1"), Intersecting: true, Ratio: 0.3})
	h.sched.Flush()
	expectPending(t, h)

	h.sched.HandleIntersection(playback.IntersectionEvent{Element: "unknown", Intersecting: true, Ratio: 1})
	h.sched.Flush()
	expectPending(t, h)
}

func TestHidingCancelsPendingRetry(t *testing.T) {
	h := newHarness(t, nil)
	media := playbacktest.NewMedia(true)
	media.FailAlways(errAutoplayBlocked)
	h.add("s1", media)
	h.waitState("s1", playback.StateReady)

	h.show("s1")
	h.waitFor("retry to be scheduled", func(s playback.Snapshot) bool {
		return s.Sessions["s1"].RetryPending
	})

	// The exit delay is shorter than the first backoff, so the retry is
	// still pending when the session is hidden.
	h.hide("s1")
	snap := h.session("s1")
	if snap.Visible || snap.RetryPending || snap.PendingPlayIntent {
		t.Fatalf("expected hidden session with nothing pending, got %+v", snap)
	}

	h.advance(time.Minute)
	if media.PlayCalls() != 1 {
		t.Errorf("expected 1 play call, got %d", media.PlayCalls())
	}
}

func TestMediaPlayCancelsPendingRetry(t *testing.T) {
	h := newHarness(t, nil)
	media := playbacktest.NewMedia(true)
	media.FailNext(1, errAutoplayBlocked)
	h.add("s1", media)
	h.waitState("s1", playback.StateReady)

	h.show("s1")
	h.waitFor("retry to be scheduled", func(s playback.Snapshot) bool {
		return s.Sessions["s1"].RetryPending
	})

	// The user starts the video by hand before the retry fires.
	media.EmitState(true)
	h.waitPlaying("s1")
	if h.session("s1").RetryPending {
		t.Fatal("expected the retry to be cancelled")
	}
	expectPending(t, h)

	h.advance(time.Minute)
	if media.PlayCalls() != 1 {
		t.Errorf("expected no further play calls, got %d", media.PlayCalls())
	}
}

func TestEvictionPrefersHiddenMember(t *testing.T) {
	h := newHarness(t, func(c *playback.Config) { c.MaxConcurrent = 2 })
	media := h.addReady("visible", "offscreen", "new")

	h.show("visible")
	h.waitPlaying("visible")

	// Started by the application while off screen, with capacity to spare.
	media["offscreen"].EmitState(true)
	h.waitPlaying("offscreen")
	expectActive(t, h, "visible", "offscreen")

	h.show("new")
	h.waitPlaying("new")

	expectActive(t, h, "visible", "new")
	if media["offscreen"].IsPlaying() {
		t.Error("expected offscreen media paused")
	}
	if !media["visible"].IsPlaying() {
		t.Error("expected visible media still playing")
	}
}

func TestOffscreenPlaybackDoesNotEvictVisible(t *testing.T) {
	h := newHarness(t, func(c *playback.Config) { c.MaxConcurrent = 1 })
	media := h.addReady("visible", "offscreen")

	h.show("visible")
	h.waitPlaying("visible")

	media["offscreen"].EmitState(true)
	h.sched.Flush()
	h.waitFor("offscreen to be paused", func(s playback.Snapshot) bool {
		return !media["offscreen"].IsPlaying() && media["offscreen"].PauseCalls() == 1
	})

	expectActive(t, h, "visible")
	if got := h.session("offscreen").State; got == playback.StatePlaying {
		t.Error("expected offscreen session not recorded as playing")
	}
	if !media["visible"].IsPlaying() {
		t.Error("expected visible media still playing")
	}
	if got := h.session("visible").State; got != playback.StatePlaying {
		t.Errorf("expected visible session playing, got %s", got)
	}
}

func TestLatePlayAfterScrollAwayKeepsVisiblePlaying(t *testing.T) {
	h := newHarness(t, func(c *playback.Config) { c.MaxConcurrent = 2 })
	media := h.addReady("a", "b", "c")

	h.show("a")
	h.waitPlaying("a")

	media["b"].HoldPlay()
	h.show("b")
	h.waitFor("b to issue play", func(playback.Snapshot) bool { return media["b"].PlayCalls() == 1 })
	h.hide("b")

	h.show("c")
	h.waitPlaying("c")

	// b's play resolves after it scrolled away and c took its place.
	media["b"].ReleasePlay()
	h.waitFor("late play to be settled", func(s playback.Snapshot) bool {
		return !media["b"].IsPlaying() && media["b"].PauseCalls() >= 3 && s.Sessions["b"].State != playback.StatePlaying
	})
	h.sched.Flush()

	expectActive(t, h, "a", "c")
	if !media["a"].IsPlaying() || !media["c"].IsPlaying() {
		t.Errorf("expected a and c playing, got a=%v c=%v", media["a"].IsPlaying(), media["c"].IsPlaying())
	}
	if got := h.session("a").State; got != playback.StatePlaying {
		t.Errorf("expected a playing, got %s", got)
	}
}

func TestActiveSetNeverExceedsLimit(t *testing.T) {
	h := newHarness(t, func(c *playback.Config) { c.MaxConcurrent = 2 })
	ids := []playback.SessionID{"a", "b", "c", "d", "e"}
	h.addReady(ids...)
	for _, id := range ids {
		h.show(id)
		h.waitPlaying(id)
		if n := len(h.active()); n > 2 {
			t.Fatalf("active set grew to %d", n)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.maxActive != 2 {
		t.Errorf("expected a peak of 2 active sessions, got %d", h.maxActive)
	}
}

func TestRetryExhaustion(t *testing.T) {
	h := newHarness(t, func(c *playback.Config) {
		c.RetryBase = 10 * time.Millisecond
		c.RetryCap = 40 * time.Millisecond
	})
	exhausted := h.bus.Subscribe(events.EventPlaybackExhausted)
	media := playbacktest.NewMedia(true)
	media.FailAlways(errAutoplayBlocked)
	h.add("s1", media)
	h.waitState("s1", playback.StateReady)

	h.show("s1")
	for {
		h.waitFor("retry or exhaustion", func(s playback.Snapshot) bool {
			return s.Sessions["s1"].RetryPending || s.Sessions["s1"].Exhausted
		})
		if h.session("s1").Exhausted {
			break
		}
		h.advance(time.Second)
	}

	snap := h.session("s1")
	if snap.State != playback.StatePaused || snap.RetryPending {
		t.Fatalf("expected paused with no retry, got %+v", snap)
	}
	if media.PlayCalls() != 5 {
		t.Fatalf("expected 5 play calls, got %d", media.PlayCalls())
	}
	expectPending(t, h)

	h.advance(time.Minute)
	if media.PlayCalls() != 5 {
		t.Fatalf("expected no play after exhaustion, got %d", media.PlayCalls())
	}

	if payload := receive(t, exhausted, "exhaustion"); payload["attempts"] != 5 {
		t.Errorf("expected 5 attempts in payload, got %v", payload["attempts"])
	}

	// RetryAll grants a fresh budget once the platform restriction is lifted.
	media.FailAlways(nil)
	h.sched.RetryAll()
	h.waitPlaying("s1")
	if h.session("s1").Exhausted {
		t.Error("expected exhausted flag cleared")
	}
}

func TestRetryAllRespectsFreeCapacity(t *testing.T) {
	h := newHarness(t, func(c *playback.Config) {
		c.MaxConcurrent = 1
		c.Autoplay = false
	})
	for _, id := range []playback.SessionID{"older", "newer"} {
		h.addReady(id)
		h.show(id)
	}
	expectActive(t, h)

	h.sched.SetAutoplayEnabled(true)
	h.waitPlaying("newer")
	expectActive(t, h, "newer")

	h.sched.RetryAll()
	h.sched.Flush()
	holds(t, 50*time.Millisecond, "older staying inactive", func() bool {
		return !slices.Contains(h.active(), "older")
	})
}

func TestRetryAllReclaimsOffscreenMember(t *testing.T) {
	h := newHarness(t, func(c *playback.Config) {
		c.MaxConcurrent = 1
		c.MaxAttempts = 1
	})
	media := h.addReady("s1", "offscreen")
	media["s1"].FailAlways(errAutoplayBlocked)

	h.show("s1")
	h.waitFor("s1 to exhaust its attempts", func(s playback.Snapshot) bool {
		return s.Sessions["s1"].Exhausted
	})

	media["offscreen"].EmitState(true)
	h.waitPlaying("offscreen")
	expectActive(t, h, "offscreen")

	media["s1"].FailAlways(nil)
	h.sched.RetryAll()
	h.waitPlaying("s1")
	expectActive(t, h, "s1")
	if media["offscreen"].IsPlaying() {
		t.Error("expected offscreen media evicted")
	}
}

func TestAutoplayDisabledRecordsIntent(t *testing.T) {
	h := newHarness(t, func(c *playback.Config) { c.Autoplay = false })
	media := h.addReady("s1")["s1"]

	h.show("s1")
	if !h.session("s1").PendingPlayIntent {
		t.Fatal("expected a recorded play intent")
	}
	if media.PlayCalls() != 0 {
		t.Fatalf("expected no play with autoplay off, got %d", media.PlayCalls())
	}

	h.sched.SetAutoplayEnabled(true)
	h.waitPlaying("s1")
	if media.PlayCalls() != 1 {
		t.Errorf("expected 1 play call, got %d", media.PlayCalls())
	}
}

func TestLoweringLimitDoesNotEvict(t *testing.T) {
	h := newHarness(t, func(c *playback.Config) { c.MaxConcurrent = 3 })
	h.addReady("a", "b", "c", "d")
	for _, id := range []playback.SessionID{"a", "b", "c"} {
		h.show(id)
		h.waitPlaying(id)
	}

	h.sched.SetConcurrencyLimit(0)
	h.sched.Flush()
	snap := h.sched.Snapshot()
	if snap.MaxConcurrent != 1 {
		t.Errorf("expected limit clamped to 1, got %d", snap.MaxConcurrent)
	}
	if len(snap.Active) != 3 {
		t.Errorf("expected 3 members kept, got %v", snap.Active)
	}

	h.show("d")
	h.waitPlaying("d")
	expectActive(t, h, "d")
}

func TestObserveIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.sched.Observe("s1", element("s1"))
	h.sched.Observe("s1", element("s1"))
	h.sched.Flush()

	if n := h.tracker.Count(element("s1")); n != 1 {
		t.Errorf("expected element tracked once, got %d", n)
	}
	if h.session("s1").Registered {
		t.Error("expected session without media")
	}
}

func TestUnobserveDisposesMedia(t *testing.T) {
	h := newHarness(t, nil)
	media := h.addReady("s1")["s1"]
	h.show("s1")
	h.waitPlaying("s1")

	h.sched.Unobserve("s1")
	h.sched.Unobserve("s1")
	h.sched.Unobserve("never-seen")
	h.sched.Flush()

	snap := h.sched.Snapshot()
	if _, ok := snap.Sessions["s1"]; ok {
		t.Error("expected s1 forgotten")
	}
	if len(snap.Active) != 0 {
		t.Errorf("expected empty active set, got %v", snap.Active)
	}
	if !media.Disposed() || media.HasCallback() {
		t.Error("expected media disposed without a state callback")
	}
	if n := h.tracker.Count(element("s1")); n != 0 {
		t.Errorf("expected element untracked, got %d", n)
	}
}

func TestUnobserveBeforeRegistration(t *testing.T) {
	h := newHarness(t, nil)
	h.sched.Observe("s1", element("s1"))
	h.intersect("s1", true)
	h.sched.Unobserve("s1")
	h.sched.Flush()

	expectPending(t, h)
	if n := len(h.sched.Snapshot().Sessions); n != 0 {
		t.Errorf("expected no sessions, got %d", n)
	}
}

func TestRegisterReplacesMedia(t *testing.T) {
	h := newHarness(t, nil)
	first := h.addReady("s1")["s1"]
	h.show("s1")
	h.waitPlaying("s1")

	second := playbacktest.NewMedia(false)
	h.sched.Register("s1", second)
	h.sched.Flush()

	snap := h.session("s1")
	if snap.State != playback.StateLoading || !snap.PendingPlayIntent {
		t.Fatalf("expected loading with a play intent, got %+v", snap)
	}
	if first.HasCallback() || first.IsPlaying() || first.Disposed() {
		t.Error("expected old media detached and paused but not disposed")
	}

	second.MarkReady()
	h.waitPlaying("s1")
	if second.PlayCalls() != 1 {
		t.Errorf("expected 1 play on the new media, got %d", second.PlayCalls())
	}
}

func TestCloseDisposesEverything(t *testing.T) {
	h := newHarness(t, nil)
	a, b := playbacktest.NewMedia(true), playbacktest.NewMedia(false)
	h.add("a", a)
	h.add("b", b)
	h.intersect("a", true)

	h.sched.Close()
	h.sched.Close()

	if !a.Disposed() || !b.Disposed() {
		t.Error("expected all media disposed")
	}
	if n := len(h.sched.Snapshot().Sessions); n != 0 {
		t.Errorf("expected empty snapshot after close, got %d sessions", n)
	}
	if a.PlayCalls() != 0 {
		t.Errorf("expected no play after close, got %d", a.PlayCalls())
	}
}

func TestScrollVelocityStretchesDelay(t *testing.T) {
	h := newHarness(t, nil)
	h.addReady("s1")

	h.sched.ReportScroll(0)
	h.sched.Flush()
	h.advance(10 * time.Millisecond)
	h.sched.ReportScroll(100)
	h.sched.Flush()

	h.intersect("s1", true)
	expectPending(t, h, time.Duration(float64(h.cfg.EnterDelay)*h.cfg.MaxDelayScale))
}
