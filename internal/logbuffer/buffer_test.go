/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package logbuffer

import (
	"maps"
	"slices"
	"testing"

	"github.com/rs/zerolog"
)

func TestBufferWrapsAround(t *testing.T) {
	buf := New(3)
	for _, msg := range []string{"a", "b", "c", "d"} {
		buf.Add(LogEntry{Message: msg})
	}

	all := buf.All()
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	got := []string{all[0].Message, all[1].Message, all[2].Message}
	if !slices.Equal(got, []string{"b", "c", "d"}) {
		t.Errorf("expected oldest entry dropped, got %v", got)
	}
}

func TestWriterCapturesZerologFields(t *testing.T) {
	buf := New(10)
	logger := zerolog.New(NewWriter(buf)).With().Timestamp().Logger()

	logger.Info().Str("component", "playback").Str("feed_id", "f1").Str("session_id", "s1").Msg("evicted active session")
	logger.Warn().Str("component", "playback").Str("feed_id", "f2").Int("attempts", 5).Msg("playback retries exhausted")
	logger.Debug().Str("component", "feedws").Msg("connection opened")

	got := buf.Find(Query{Component: "playback"})
	if len(got) != 2 {
		t.Fatalf("expected 2 playback entries, got %d", len(got))
	}
	// Newest first.
	if got[0].Message != "playback retries exhausted" || got[0].Level != "warn" {
		t.Errorf("unexpected newest entry %+v", got[0])
	}
	if attempts, _ := got[0].Fields["attempts"].(float64); attempts != 5 {
		t.Errorf("expected attempts field 5, got %v", got[0].Fields["attempts"])
	}

	got = buf.Find(Query{FeedID: "f1", SessionID: "s1"})
	if len(got) != 1 || got[0].Level != "info" {
		t.Fatalf("expected one info entry for f1/s1, got %+v", got)
	}

	got = buf.Find(Query{Search: "CONNECTION", Limit: 1})
	if len(got) != 1 || got[0].Component != "feedws" {
		t.Fatalf("expected case-insensitive search hit, got %+v", got)
	}

	want := map[string]int{"info": 1, "warn": 1, "debug": 1}
	if counts := buf.LevelCounts(); !maps.Equal(counts, want) {
		t.Errorf("expected level counts %v, got %v", want, counts)
	}
}

func TestWriterIgnoresNonJSON(t *testing.T) {
	buf := New(10)
	n, err := NewWriter(buf).Write([]byte("plain text\n"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 11 {
		t.Errorf("expected 11 bytes consumed, got %d", n)
	}
	if len(buf.All()) != 0 {
		t.Error("expected non-JSON lines skipped")
	}
}
