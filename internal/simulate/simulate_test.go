package simulate

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/friendsincode/feedplay/internal/playback"
)

func run(t *testing.T, sc Scenario, cfg playback.Config) *Report {
	t.Helper()
	report, err := Run(context.Background(), sc, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return report
}

func TestRunDefaultScenario(t *testing.T) {
	sc := DefaultScenario()
	sc.FailureRate = 0

	report := run(t, sc, playback.DefaultConfig())

	if report.Started == 0 {
		t.Error("expected playback to start")
	}
	if report.Visible == 0 {
		t.Error("expected visibility transitions")
	}
	if report.MaxActive > 3 {
		t.Errorf("expected at most 3 active, got %d", report.MaxActive)
	}
	if report.PlayFailures != 0 || report.Exhausted != 0 {
		t.Errorf("expected no failures, got %d failures and %d exhausted", report.PlayFailures, report.Exhausted)
	}
	if len(report.Timeline) == 0 {
		t.Error("expected a sampled timeline")
	}
	if report.Duration <= 10*time.Second {
		t.Errorf("expected the script to run past 10s, got %v", report.Duration)
	}
}

func TestRunIsReproducible(t *testing.T) {
	first := run(t, DefaultScenario(), playback.DefaultConfig())
	second := run(t, DefaultScenario(), playback.DefaultConfig())

	if first.Started == 0 {
		t.Fatal("expected playback to start")
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("expected identical reports for the same seed\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestRunRespectsScenarioLimit(t *testing.T) {
	sc := DefaultScenario()
	sc.MaxConcurrent = 1
	sc.ViewportHeight = 2000

	report := run(t, sc, playback.DefaultConfig())

	if report.MaxConcurrent != 1 {
		t.Errorf("expected limit 1, got %d", report.MaxConcurrent)
	}
	if report.MaxActive > 1 {
		t.Errorf("expected at most 1 active, got %d", report.MaxActive)
	}
	for _, s := range report.Timeline {
		if len(s.Active) > 1 {
			t.Fatalf("at %v: %d active", s.At, len(s.Active))
		}
	}
}

func TestRunCountsFailures(t *testing.T) {
	sc := DefaultScenario()
	sc.FailureRate = 1

	cfg := playback.DefaultConfig()
	cfg.MaxAttempts = 2

	report := run(t, sc, cfg)

	if report.Started != 0 {
		t.Errorf("expected nothing started, got %d", report.Started)
	}
	if report.PlayAttempts == 0 || report.PlayAttempts != report.PlayFailures {
		t.Errorf("expected every attempt to fail, got %d attempts and %d failures", report.PlayAttempts, report.PlayFailures)
	}
	if report.Exhausted == 0 {
		t.Error("expected exhausted sessions")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, DefaultScenario(), playback.DefaultConfig(), zerolog.Nop())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestParseScenario(t *testing.T) {
	sc, err := ParseScenario([]byte(`
name: fling
profile: mobile
items: 12
ready_latency: 150ms
steps:
  - pause: 500ms
  - to: 3000
    speed: 5
`))
	if err != nil {
		t.Fatalf("ParseScenario: %v", err)
	}

	if sc.Name != "fling" || sc.Profile != "mobile" || sc.Items != 12 {
		t.Errorf("unexpected header fields %+v", sc)
	}
	if sc.ReadyLatency != 150*time.Millisecond {
		t.Errorf("expected 150ms latency, got %v", sc.ReadyLatency)
	}
	if sc.ItemHeight != DefaultScenario().ItemHeight {
		t.Errorf("expected default item height, got %v", sc.ItemHeight)
	}
	if len(sc.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(sc.Steps))
	}
	if sc.Steps[0].Pause != 500*time.Millisecond {
		t.Errorf("expected 500ms pause, got %v", sc.Steps[0].Pause)
	}
	if sc.Steps[1].To == nil || *sc.Steps[1].To != 3000 {
		t.Errorf("expected scroll to 3000, got %v", sc.Steps[1].To)
	}
}

func TestParseScenarioKeepsDefaultSteps(t *testing.T) {
	sc, err := ParseScenario([]byte("items: 5\n"))
	if err != nil {
		t.Fatalf("ParseScenario: %v", err)
	}
	if !reflect.DeepEqual(sc.Steps, DefaultScenario().Steps) {
		t.Errorf("expected default steps, got %+v", sc.Steps)
	}
}

func TestScenarioValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Scenario)
	}{
		{"no items", func(sc *Scenario) { sc.Items = 0 }},
		{"zero viewport", func(sc *Scenario) { sc.ViewportHeight = 0 }},
		{"failure rate", func(sc *Scenario) { sc.FailureRate = 1.5 }},
		{"zero tick", func(sc *Scenario) { sc.Tick = 0 }},
		{"empty step", func(sc *Scenario) { sc.Steps = []Step{{}} }},
		{"scroll without speed", func(sc *Scenario) { sc.Steps = []Step{{To: to(100)}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := DefaultScenario()
			tt.mutate(&sc)
			if err := sc.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestViewportReportsOnlyChanges(t *testing.T) {
	sc := DefaultScenario()
	sc.Items = 4
	sc.ViewportHeight = 900
	sc.ItemHeight = 480
	v := newViewport(sc)

	first := v.update(0)
	if len(first) != 4 {
		t.Fatalf("expected a report per item, got %d", len(first))
	}
	if !first[0].Intersecting || first[0].Ratio != 1 {
		t.Errorf("expected item 0 fully visible, got %+v", first[0])
	}
	if !first[1].Intersecting || first[1].Ratio < 0.874 || first[1].Ratio > 0.876 {
		t.Errorf("expected item 1 at 0.875, got %+v", first[1])
	}
	if first[2].Intersecting {
		t.Errorf("expected item 2 off screen, got %+v", first[2])
	}

	if got := v.update(0); len(got) != 0 {
		t.Errorf("expected no reports without movement, got %v", got)
	}
	if got := v.update(10); len(got) == 0 {
		t.Error("expected a report after crossing a threshold")
	}
	if got := v.update(11); len(got) != 0 {
		t.Errorf("expected movement within a threshold band to be quiet, got %v", got)
	}

	moved := v.update(480)
	if len(moved) == 0 {
		t.Fatal("expected reports after scrolling an item away")
	}
	if moved[0].Element != elementKey(0) || moved[0].Intersecting {
		t.Errorf("expected item 0 to leave, got %+v", moved[0])
	}
}

func TestScrollerFollowsScript(t *testing.T) {
	sc := DefaultScenario()
	sc.Settle = 20 * time.Millisecond
	sc.Steps = []Step{{Pause: 20 * time.Millisecond}, {To: to(100), Speed: 5}}
	s := newScroller(sc)

	for i, want := range []float64{0, 0, 50, 100} {
		if got := s.step(10 * time.Millisecond); got != want {
			t.Fatalf("step %d: expected %v, got %v", i, want, got)
		}
	}
	if s.done() {
		t.Fatal("expected the settle period still to run")
	}
	s.step(10 * time.Millisecond)
	s.step(10 * time.Millisecond)
	if !s.done() {
		t.Error("expected the script to be done")
	}
}

func TestSessionIDIsStable(t *testing.T) {
	if SessionID("a", 1) != SessionID("a", 1) {
		t.Error("expected the same id for the same item")
	}
	if SessionID("a", 1) == SessionID("a", 2) || SessionID("a", 1) == SessionID("b", 1) {
		t.Error("expected distinct ids across items and scenarios")
	}
}

func TestReportMarshalsToYAML(t *testing.T) {
	out, err := yaml.Marshal(&Report{Scenario: "default", Duration: 1500 * time.Millisecond, Started: 2})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for _, want := range []string{"duration: 1.5s", "started: 2"} {
		if !strings.Contains(string(out), want) {
			t.Errorf("expected %q in\n%s", want, out)
		}
	}
}
