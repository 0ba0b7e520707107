/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package simulate replays a scripted scroll over a synthetic feed against a
// playback scheduler running on virtual time. It is used to tune profile
// knobs without a browser.
package simulate

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario describes the feed and the scroll script.
type Scenario struct {
	Name    string `yaml:"name"`
	Profile string `yaml:"profile"`
	Seed    int64  `yaml:"seed"`

	Items          int     `yaml:"items"`
	ViewportHeight float64 `yaml:"viewport_height"`
	ItemHeight     float64 `yaml:"item_height"`

	// FailureRate is the chance a single play attempt is rejected.
	FailureRate float64 `yaml:"failure_rate"`
	// ReadyLatency is the mean time an item takes to buffer; each item
	// gets between half and one and a half times this.
	ReadyLatency time.Duration `yaml:"ready_latency"`

	// MaxConcurrent overrides the profile limit when set.
	MaxConcurrent int `yaml:"max_concurrent,omitempty"`

	Tick   time.Duration `yaml:"tick"`
	Settle time.Duration `yaml:"settle"`
	// SampleEvery controls how often the active set is recorded in the report.
	SampleEvery time.Duration `yaml:"sample_every"`

	Steps []Step `yaml:"steps"`
}

// Step is one leg of the scroll script: either scroll to a position at a
// given speed, or hold still.
type Step struct {
	To *float64 `yaml:"to,omitempty"`
	// Speed in px/ms.
	Speed float64       `yaml:"speed,omitempty"`
	Pause time.Duration `yaml:"pause,omitempty"`
}

func to(px float64) *float64 { return &px }

// DefaultScenario scrolls slowly down a long feed, flings back up and
// comes to rest at the third item.
func DefaultScenario() Scenario {
	return Scenario{
		Name:           "default",
		Profile:        "desktop",
		Seed:           42,
		Items:          30,
		ViewportHeight: 900,
		ItemHeight:     480,
		FailureRate:    0.15,
		ReadyLatency:   400 * time.Millisecond,
		Tick:           16 * time.Millisecond,
		Settle:         2 * time.Second,
		SampleEvery:    250 * time.Millisecond,
		Steps: []Step{
			{Pause: time.Second},
			{To: to(2400), Speed: 0.6},
			{Pause: 1500 * time.Millisecond},
			{To: to(9000), Speed: 3},
			{Pause: 1500 * time.Millisecond},
			{To: to(960), Speed: 6},
		},
	}
}

// LoadScenario reads a YAML scenario. Fields left out keep their defaults.
func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes YAML on top of DefaultScenario and validates it.
func ParseScenario(data []byte) (Scenario, error) {
	sc := DefaultScenario()
	sc.Steps = nil
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return Scenario{}, fmt.Errorf("parse scenario: %w", err)
	}
	if len(sc.Steps) == 0 {
		sc.Steps = DefaultScenario().Steps
	}
	if err := sc.Validate(); err != nil {
		return Scenario{}, err
	}
	return sc, nil
}

// Validate checks the scenario can be run.
func (sc Scenario) Validate() error {
	switch {
	case sc.Items <= 0:
		return errors.New("scenario needs at least one item")
	case sc.ViewportHeight <= 0 || sc.ItemHeight <= 0:
		return errors.New("viewport_height and item_height must be positive")
	case sc.FailureRate < 0 || sc.FailureRate > 1:
		return fmt.Errorf("failure_rate must be in [0, 1], got %v", sc.FailureRate)
	case sc.ReadyLatency < 0:
		return errors.New("ready_latency must not be negative")
	case sc.Tick <= 0:
		return errors.New("tick must be positive")
	}
	for i, st := range sc.Steps {
		if st.To == nil && st.Pause <= 0 {
			return fmt.Errorf("step %d: needs either to or pause", i)
		}
		if st.To != nil && st.Speed <= 0 {
			return fmt.Errorf("step %d: speed must be positive", i)
		}
	}
	return nil
}

// feedHeight is the scrollable range of the synthetic feed.
func (sc Scenario) feedHeight() float64 {
	return float64(sc.Items) * sc.ItemHeight
}
