/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

import "time"

// Config holds the scheduler knobs. Values are resolved once per feed instance
// from a device profile; see config.Config.Playback.
type Config struct {
	// VisibleThreshold is the minimum intersection ratio counted as visible.
	VisibleThreshold float64

	EnterDelay time.Duration
	ExitDelay  time.Duration
	// VelocityScale is the delay multiplier added per px/ms of scroll velocity.
	VelocityScale float64
	// MaxDelayScale caps the velocity multiplier.
	MaxDelayScale float64
	// VelocityWindow is how long a scroll sample stays relevant.
	VelocityWindow time.Duration

	MaxConcurrent int
	Autoplay      bool

	ReadyTimeout time.Duration
	RetryBase    time.Duration
	RetryCap     time.Duration
	MaxAttempts  int
}

// DefaultConfig returns desktop defaults.
func DefaultConfig() Config {
	return Config{
		VisibleThreshold: 0.5,
		EnterDelay:       50 * time.Millisecond,
		ExitDelay:        175 * time.Millisecond,
		VelocityScale:    0.5,
		MaxDelayScale:    2.5,
		VelocityWindow:   150 * time.Millisecond,
		MaxConcurrent:    3,
		Autoplay:         true,
		ReadyTimeout:     5 * time.Second,
		RetryBase:        300 * time.Millisecond,
		RetryCap:         5 * time.Second,
		MaxAttempts:      5,
	}
}

// normalized replaces out-of-range values with defaults so every timeout stays finite.
func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.VisibleThreshold <= 0 || c.VisibleThreshold > 1 {
		c.VisibleThreshold = def.VisibleThreshold
	}
	if c.EnterDelay < 0 {
		c.EnterDelay = def.EnterDelay
	}
	if c.ExitDelay < 0 {
		c.ExitDelay = def.ExitDelay
	}
	if c.VelocityScale < 0 {
		c.VelocityScale = 0
	}
	if c.MaxDelayScale < 1 {
		c.MaxDelayScale = 1
	}
	if c.VelocityWindow <= 0 {
		c.VelocityWindow = def.VelocityWindow
	}
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = 1
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = def.ReadyTimeout
	}
	if c.RetryBase <= 0 {
		c.RetryBase = def.RetryBase
	}
	if c.RetryCap < c.RetryBase {
		c.RetryCap = c.RetryBase
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = def.MaxAttempts
	}
	return c
}
