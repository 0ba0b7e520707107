/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package simulate

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/friendsincode/feedplay/internal/events"
	"github.com/friendsincode/feedplay/internal/playback"
	"github.com/friendsincode/feedplay/internal/playback/playbacktest"
)

// Report summarises one simulation run.
type Report struct {
	Scenario      string        `yaml:"scenario"`
	Profile       string        `yaml:"profile"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	Duration      time.Duration `yaml:"duration"`

	PlayAttempts int `yaml:"play_attempts"`
	PlayFailures int `yaml:"play_failures"`
	Started      int `yaml:"started"`
	Paused       int `yaml:"paused"`
	Evictions    int `yaml:"evictions"`
	Exhausted    int `yaml:"exhausted"`
	Visible      int `yaml:"visible_transitions"`
	Hidden       int `yaml:"hidden_transitions"`
	MaxActive    int `yaml:"max_active"`

	Timeline []Sample `yaml:"timeline,omitempty"`
}

// Sample is the active set at one point of the run.
type Sample struct {
	At       time.Duration `yaml:"at"`
	Position float64       `yaml:"position"`
	Active   []int         `yaml:"active"`
}

// recorder counts lifecycle events as the scheduler publishes them.
type recorder struct {
	mu     sync.Mutex
	counts map[events.EventType]int
}

func (r *recorder) Publish(eventType events.EventType, _ events.Payload) {
	r.mu.Lock()
	r.counts[eventType]++
	r.mu.Unlock()
}

func (r *recorder) count(eventType events.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[eventType]
}

// SessionID derives a stable id for item i of a scenario.
func SessionID(scenario string, i int) playback.SessionID {
	return playback.SessionID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("feedplay-sim/%s/%d", scenario, i))).String())
}

func elementKey(i int) playback.ElementKey {
	return playback.ElementKey(fmt.Sprintf("item-%d", i))
}

// Run plays sc against a scheduler configured with cfg. Virtual time only
// moves between ticks, so a run takes far less wall time than it simulates.
func Run(ctx context.Context, sc Scenario, cfg playback.Config, logger zerolog.Logger) (*Report, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	if sc.MaxConcurrent > 0 {
		cfg.MaxConcurrent = sc.MaxConcurrent
	}
	base := logger
	logger = logger.With().Str("component", "simulate").Str("scenario", sc.Name).Logger()

	clock := playbacktest.NewManualClock(time.Unix(0, 0))
	start := clock.Now()
	rec := &recorder{counts: make(map[events.EventType]int)}
	d := newDice(sc.Seed)
	work := newWorkQueue()

	ids := make([]playback.SessionID, sc.Items)
	index := make(map[playback.SessionID]int, sc.Items)
	for i := range ids {
		ids[i] = SessionID(sc.Name, i)
		index[ids[i]] = i
	}

	sched := playback.New(cfg, nil,
		playback.WithClock(clock),
		playback.WithPublisher(rec),
		playback.WithLogger(base),
		playback.WithID("sim-"+sc.Name),
		playback.WithSpawner(work.spawn),
	)
	defer sched.Close()
	defer work.stop()

	// settle processes everything the scheduler and the media calls have
	// queued until only virtual timers remain, then samples the active set.
	var (
		active    []int
		maxActive int
	)
	settle := func() {
		for {
			sched.Flush()
			if !work.runQueued() {
				break
			}
		}
		items := lo.Map(sched.Snapshot().Active, func(id playback.SessionID, _ int) int { return index[id] })
		if !slices.Equal(items, active) {
			logger.Debug().
				Dur("at", clock.Now().Sub(start)).
				Ints("active", items).
				Msg("active set changed")
		}
		active = items
		maxActive = max(maxActive, len(items))
	}

	media := make([]*simMedia, sc.Items)
	for i, id := range ids {
		latency := time.Duration(float64(sc.ReadyLatency) * (0.5 + d.float()))
		media[i] = newSimMedia(clock, work, d, latency, sc.FailureRate)
		sched.Observe(id, elementKey(i))
		sched.Register(id, media[i])
	}
	settle()

	view := newViewport(sc)
	script := newScroller(sc)
	var timeline []Sample
	nextSample := time.Duration(0)

	for !script.done() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pos := script.step(sc.Tick)
		sched.ReportScroll(pos)
		for _, ev := range view.update(pos) {
			sched.HandleIntersection(ev)
		}
		settle()
		clock.Advance(sc.Tick)
		settle()

		elapsed := clock.Now().Sub(start)
		if sc.SampleEvery > 0 && elapsed >= nextSample {
			timeline = append(timeline, Sample{At: elapsed, Position: pos, Active: active})
			nextSample = elapsed + sc.SampleEvery
		}
	}

	report := &Report{
		Scenario:      sc.Name,
		Profile:       sc.Profile,
		MaxConcurrent: cfg.MaxConcurrent,
		Duration:      clock.Now().Sub(start),
		Started:       rec.count(events.EventPlaybackStarted),
		Paused:        rec.count(events.EventPlaybackPaused),
		Evictions:     rec.count(events.EventPlaybackEvicted),
		Exhausted:     rec.count(events.EventPlaybackExhausted),
		Visible:       rec.count(events.EventSessionVisible),
		Hidden:        rec.count(events.EventSessionHidden),
		Timeline:      timeline,
	}
	for _, m := range media {
		attempts, failures := m.stats()
		report.PlayAttempts += attempts
		report.PlayFailures += failures
	}
	report.MaxActive = maxActive

	logger.Info().
		Int("started", report.Started).
		Int("evictions", report.Evictions).
		Int("play_failures", report.PlayFailures).
		Int("exhausted", report.Exhausted).
		Int("max_active", report.MaxActive).
		Msg("simulation finished")

	return report, nil
}

// viewport turns a scroll position into intersection reports, emitting one
// only when an item's intersection changes by at least a tenth, the way an
// IntersectionObserver with ten thresholds would.
type viewport struct {
	sc      Scenario
	buckets []int
}

func newViewport(sc Scenario) *viewport {
	b := make([]int, sc.Items)
	for i := range b {
		b[i] = math.MinInt
	}
	return &viewport{sc: sc, buckets: b}
}

func (v *viewport) update(pos float64) []playback.IntersectionEvent {
	var out []playback.IntersectionEvent
	bottom := pos + v.sc.ViewportHeight
	for i := range v.buckets {
		top := float64(i) * v.sc.ItemHeight
		overlap := math.Min(top+v.sc.ItemHeight, bottom) - math.Max(top, pos)
		intersecting := overlap > 0
		ratio := math.Max(0, overlap) / v.sc.ItemHeight

		bucket := -1
		if intersecting {
			bucket = int(math.Floor(ratio * 10))
		}
		if bucket == v.buckets[i] {
			continue
		}
		v.buckets[i] = bucket
		out = append(out, playback.IntersectionEvent{
			Element:      elementKey(i),
			Intersecting: intersecting,
			Ratio:        ratio,
		})
	}
	return out
}

// scroller walks the scroll script one tick at a time.
type scroller struct {
	steps  []Step
	maxPos float64
	settle time.Duration

	pos     float64
	current int
	paused  time.Duration
}

func newScroller(sc Scenario) *scroller {
	return &scroller{
		steps:  sc.Steps,
		maxPos: math.Max(0, sc.feedHeight()-sc.ViewportHeight),
		settle: sc.Settle,
	}
}

func (s *scroller) done() bool {
	return s.current >= len(s.steps) && s.settle <= 0
}

func (s *scroller) step(tick time.Duration) float64 {
	if s.current >= len(s.steps) {
		s.settle -= tick
		return s.pos
	}

	st := s.steps[s.current]
	if st.To == nil {
		s.paused += tick
		if s.paused >= st.Pause {
			s.paused = 0
			s.current++
		}
		return s.pos
	}

	target := math.Min(math.Max(*st.To, 0), s.maxPos)
	move := st.Speed * float64(tick) / float64(time.Millisecond)
	switch {
	case math.Abs(target-s.pos) <= move:
		s.pos = target
		s.current++
	case target > s.pos:
		s.pos += move
	default:
		s.pos -= move
	}
	return s.pos
}
