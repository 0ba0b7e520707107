/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/feedplay/internal/events"
)

// RedisConfig contains Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Channel is the pub/sub channel prefix; events go to "<Channel>:<type>".
	Channel string

	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Channel:      "feedplay:events",
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// RedisSink publishes relayed events on Redis pub/sub.
type RedisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink connects to Redis and verifies the connection.
func NewRedisSink(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}

	logger.Info().Str("addr", cfg.Addr).Str("channel", cfg.Channel).Msg("Redis event sink connected")
	return &RedisSink{client: client, channel: cfg.Channel}, nil
}

func (s *RedisSink) Name() string { return "redis" }

// Channel returns the pub/sub channel for an event type.
func (s *RedisSink) Channel(eventType events.EventType) string {
	return s.channel + ":" + string(eventType)
}

func (s *RedisSink) Send(ctx context.Context, eventType events.EventType, data []byte) error {
	return s.client.Publish(ctx, s.Channel(eventType), data).Err()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
