/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/friendsincode/feedplay/internal/playback"
)

// Profile names a device class with its own playback limits.
type Profile string

const (
	ProfileDesktop Profile = "desktop"
	ProfileMobile  Profile = "mobile"
)

// ParseProfile maps a query or flag value to a profile; anything unknown is desktop.
func ParseProfile(s string) Profile {
	if strings.EqualFold(strings.TrimSpace(s), string(ProfileMobile)) {
		return ProfileMobile
	}
	return ProfileDesktop
}

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	// JWTSigningKey enables token checks on the feed endpoint when set.
	JWTSigningKey string
	LogBufferSize int

	// Playback knobs shared by both profiles
	VisibleThreshold float64
	EnterDelay       time.Duration
	ExitDelay        time.Duration
	VelocityScale    float64
	MaxDelayScale    float64
	Autoplay         bool
	RetryBase        time.Duration
	RetryAttempts    int

	// Per-profile playback knobs
	MaxConcurrentDesktop int
	MaxConcurrentMobile  int
	ReadyTimeoutDesktop  time.Duration
	ReadyTimeoutMobile   time.Duration
	RetryCapDesktop      time.Duration
	RetryCapMobile       time.Duration

	// Feed websocket
	RequestTimeout time.Duration

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Event relays
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisChannel  string
	NATSEnabled   bool
	NATSURL       string
	NATSSubject   string
	InstanceID    string

	// EnvFile is the dotenv file that was loaded, if any.
	EnvFile string
}

// Load reads an optional .env file and environment variables, applies
// defaults, and validates the result.
func Load() (*Config, error) {
	envFile := getEnv("FEEDPLAY_ENV_FILE", ".env")
	loaded := ""
	if err := godotenv.Load(envFile); err == nil {
		loaded = envFile
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file %s: %w", envFile, err)
	}

	cfg := &Config{
		Environment:   getEnvAny([]string{"FEEDPLAY_ENV"}, "development"),
		HTTPBind:      getEnvAny([]string{"FEEDPLAY_HTTP_BIND"}, "0.0.0.0"),
		HTTPPort:      getEnvIntAny([]string{"FEEDPLAY_HTTP_PORT", "PORT"}, 8080),
		JWTSigningKey: getEnvAny([]string{"FEEDPLAY_JWT_SIGNING_KEY"}, ""),
		LogBufferSize: getEnvIntAny([]string{"FEEDPLAY_LOG_BUFFER_SIZE"}, 2000),

		VisibleThreshold: getEnvFloatAny([]string{"FEEDPLAY_VISIBLE_THRESHOLD"}, 0.5),
		EnterDelay:       getEnvDurationAny([]string{"FEEDPLAY_ENTER_DELAY_MS"}, 50*time.Millisecond),
		ExitDelay:        getEnvDurationAny([]string{"FEEDPLAY_EXIT_DELAY_MS"}, 175*time.Millisecond),
		VelocityScale:    getEnvFloatAny([]string{"FEEDPLAY_VELOCITY_SCALE"}, 0.5),
		MaxDelayScale:    getEnvFloatAny([]string{"FEEDPLAY_MAX_DELAY_SCALE"}, 2.5),
		Autoplay:         getEnvBoolAny([]string{"FEEDPLAY_AUTOPLAY"}, true),
		RetryBase:        getEnvDurationAny([]string{"FEEDPLAY_RETRY_BASE_MS"}, 300*time.Millisecond),
		RetryAttempts:    getEnvIntAny([]string{"FEEDPLAY_RETRY_ATTEMPTS"}, 5),

		MaxConcurrentDesktop: getEnvIntAny([]string{"FEEDPLAY_MAX_CONCURRENT"}, 3),
		MaxConcurrentMobile:  getEnvIntAny([]string{"FEEDPLAY_MAX_CONCURRENT_MOBILE"}, 1),
		ReadyTimeoutDesktop:  getEnvDurationAny([]string{"FEEDPLAY_READY_TIMEOUT_MS"}, 5*time.Second),
		ReadyTimeoutMobile:   getEnvDurationAny([]string{"FEEDPLAY_READY_TIMEOUT_MS_MOBILE"}, 3*time.Second),
		RetryCapDesktop:      getEnvDurationAny([]string{"FEEDPLAY_RETRY_CAP_MS"}, 5*time.Second),
		RetryCapMobile:       getEnvDurationAny([]string{"FEEDPLAY_RETRY_CAP_MS_MOBILE"}, 3*time.Second),

		RequestTimeout: getEnvDurationAny([]string{"FEEDPLAY_REQUEST_TIMEOUT_MS"}, 10*time.Second),

		TracingEnabled:    getEnvBoolAny([]string{"FEEDPLAY_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"FEEDPLAY_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"FEEDPLAY_TRACING_SAMPLE_RATE"}, 1.0),

		RedisEnabled:  getEnvBoolAny([]string{"FEEDPLAY_REDIS_ENABLED"}, false),
		RedisAddr:     getEnvAny([]string{"FEEDPLAY_REDIS_ADDR"}, "localhost:6379"),
		RedisPassword: getEnvAny([]string{"FEEDPLAY_REDIS_PASSWORD"}, ""),
		RedisDB:       getEnvIntAny([]string{"FEEDPLAY_REDIS_DB"}, 0),
		RedisChannel:  getEnvAny([]string{"FEEDPLAY_REDIS_CHANNEL"}, "feedplay:events"),
		NATSEnabled:   getEnvBoolAny([]string{"FEEDPLAY_NATS_ENABLED"}, false),
		NATSURL:       getEnvAny([]string{"FEEDPLAY_NATS_URL"}, "nats://localhost:4222"),
		NATSSubject:   getEnvAny([]string{"FEEDPLAY_NATS_SUBJECT"}, "feedplay.events"),
		InstanceID:    getEnvAny([]string{"FEEDPLAY_INSTANCE_ID", "HOSTNAME"}, ""),

		EnvFile: loaded,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges. Every timeout must be finite and positive so a
// session can never wedge waiting for readiness.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("FEEDPLAY_HTTP_PORT out of range: %d", c.HTTPPort)
	}
	if c.VisibleThreshold <= 0 || c.VisibleThreshold > 1 {
		return fmt.Errorf("FEEDPLAY_VISIBLE_THRESHOLD must be in (0, 1], got %v", c.VisibleThreshold)
	}
	if c.EnterDelay < 0 || c.ExitDelay < 0 {
		return fmt.Errorf("debounce delays must not be negative")
	}
	if c.VelocityScale < 0 {
		return fmt.Errorf("FEEDPLAY_VELOCITY_SCALE must not be negative")
	}
	if c.MaxDelayScale < 1 {
		return fmt.Errorf("FEEDPLAY_MAX_DELAY_SCALE must be at least 1, got %v", c.MaxDelayScale)
	}
	if c.MaxConcurrentDesktop < 1 || c.MaxConcurrentMobile < 1 {
		return fmt.Errorf("max concurrent sessions must be at least 1")
	}
	if c.ReadyTimeoutDesktop <= 0 || c.ReadyTimeoutMobile <= 0 {
		return fmt.Errorf("ready timeouts must be positive")
	}
	if c.RetryBase <= 0 {
		return fmt.Errorf("FEEDPLAY_RETRY_BASE_MS must be positive")
	}
	if c.RetryCapDesktop < c.RetryBase || c.RetryCapMobile < c.RetryBase {
		return fmt.Errorf("retry caps must not be below FEEDPLAY_RETRY_BASE_MS")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("FEEDPLAY_RETRY_ATTEMPTS must be at least 1")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("FEEDPLAY_REQUEST_TIMEOUT_MS must be positive")
	}
	if strings.EqualFold(c.Environment, "production") && c.JWTSigningKey == "" {
		return fmt.Errorf("FEEDPLAY_JWT_SIGNING_KEY must be provided in production")
	}
	return nil
}

// Playback resolves the scheduler configuration for a device profile.
func (c *Config) Playback(profile Profile) playback.Config {
	pc := playback.Config{
		VisibleThreshold: c.VisibleThreshold,
		EnterDelay:       c.EnterDelay,
		ExitDelay:        c.ExitDelay,
		VelocityScale:    c.VelocityScale,
		MaxDelayScale:    c.MaxDelayScale,
		VelocityWindow:   150 * time.Millisecond,
		MaxConcurrent:    c.MaxConcurrentDesktop,
		Autoplay:         c.Autoplay,
		ReadyTimeout:     c.ReadyTimeoutDesktop,
		RetryBase:        c.RetryBase,
		RetryCap:         c.RetryCapDesktop,
		MaxAttempts:      c.RetryAttempts,
	}
	if profile == ProfileMobile {
		pc.MaxConcurrent = c.MaxConcurrentMobile
		pc.ReadyTimeout = c.ReadyTimeoutMobile
		pc.RetryCap = c.RetryCapMobile
	}
	return pc
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTPBind, c.HTTPPort)
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvDurationAny reads a millisecond count; Go duration strings such as
// "250ms" are accepted too.
func getEnvDurationAny(keys []string, def time.Duration) time.Duration {
	for _, k := range keys {
		v := strings.TrimSpace(os.Getenv(k))
		if v == "" {
			continue
		}
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
