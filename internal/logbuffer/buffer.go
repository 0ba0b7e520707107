/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package logbuffer keeps the most recent log lines in memory so feed
// behaviour can be inspected on /debug/logs without shipping logs anywhere.
package logbuffer

import (
	"encoding/json"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
)

// LogEntry represents a single log entry.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Component string         `json:"component,omitempty"`
	FeedID    string         `json:"feed_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Buffer is a thread-safe ring buffer for log entries.
type Buffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	capacity int
	head     int
	count    int
}

// New creates a buffer holding capacity entries.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Buffer{
		entries:  make([]LogEntry, capacity),
		capacity: capacity,
	}
}

// Add adds a log entry to the buffer, overwriting the oldest when full.
func (b *Buffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = entry
	b.head = (b.head + 1) % b.capacity
	if b.count < b.capacity {
		b.count++
	}
}

// All returns all log entries in chronological order.
func (b *Buffer) All() []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]LogEntry, b.count)
	start := 0
	if b.count == b.capacity {
		start = b.head
	}
	for i := 0; i < b.count; i++ {
		result[i] = b.entries[(start+i)%b.capacity]
	}
	return result
}

// Query filters entries. Zero values match everything.
type Query struct {
	Level     string
	Component string
	FeedID    string
	SessionID string
	Search    string
	Limit     int
}

// Find returns entries matching q, newest first.
func (b *Buffer) Find(q Query) []LogEntry {
	search := strings.ToLower(q.Search)
	matched := lo.Filter(b.All(), func(e LogEntry, _ int) bool {
		switch {
		case q.Level != "" && e.Level != q.Level:
			return false
		case q.Component != "" && e.Component != q.Component:
			return false
		case q.FeedID != "" && e.FeedID != q.FeedID:
			return false
		case q.SessionID != "" && e.SessionID != q.SessionID:
			return false
		case search != "" && !strings.Contains(strings.ToLower(e.Message), search):
			return false
		}
		return true
	})
	slices.Reverse(matched)
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched
}

// LevelCounts returns how many buffered entries exist per level.
func (b *Buffer) LevelCounts() map[string]int {
	return lo.CountValuesBy(b.All(), func(e LogEntry) string { return e.Level })
}

// Writer adapts the buffer to io.Writer for zerolog's JSON output.
type Writer struct {
	buffer *Buffer
}

// NewWriter creates a writer that captures logs to the buffer.
func NewWriter(buffer *Buffer) *Writer {
	return &Writer{buffer: buffer}
}

// Write parses one zerolog JSON line. Lines that are not JSON are dropped.
func (w *Writer) Write(p []byte) (int, error) {
	var raw map[string]any
	if err := json.Unmarshal(p, &raw); err != nil {
		return len(p), nil
	}

	entry := LogEntry{Timestamp: time.Now(), Fields: make(map[string]any)}
	entry.Level = takeString(raw, "level")
	entry.Message = takeString(raw, "message")
	entry.Component = takeString(raw, "component")
	entry.FeedID = takeString(raw, "feed_id")
	entry.SessionID = takeString(raw, "session_id")
	if ts, ok := raw["time"]; ok {
		entry.Timestamp = parseTime(ts, entry.Timestamp)
		delete(raw, "time")
	}
	for k, v := range raw {
		entry.Fields[k] = v
	}

	w.buffer.Add(entry)
	return len(p), nil
}

func takeString(raw map[string]any, key string) string {
	v, _ := raw[key].(string)
	delete(raw, key)
	return v
}

// parseTime accepts RFC3339 strings and unix seconds, the two formats zerolog emits.
func parseTime(v any, def time.Time) time.Time {
	switch ts := v.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			return t
		}
		if secs, err := strconv.ParseInt(ts, 10, 64); err == nil {
			return time.Unix(secs, 0)
		}
	case float64:
		return time.Unix(int64(ts), 0)
	}
	return def
}
