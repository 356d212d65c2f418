// Scorepipe - Daily Check-in Points Ledger
// Copyright 2026 Scorepipe Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scorepipe/scorepipe

package ledger

import (
	"context"
	"testing"

	"github.com/scorepipe/scorepipe/internal/models"
)

func TestRecordDailyCountMonotone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordDailyCount(ctx, testEvent(1, 2, 10), 10); err != nil {
		t.Fatalf("RecordDailyCount() error = %v", err)
	}

	// A replayed event with a lower numb must not regress the row.
	if err := s.RecordDailyCount(ctx, testEvent(1, 1, 0), 10); err != nil {
		t.Fatalf("RecordDailyCount() replay error = %v", err)
	}

	entries, err := s.GetCalendarMonth(ctx, 1, 2026, 9)
	if err != nil {
		t.Fatalf("GetCalendarMonth() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].Numb != 2 {
		t.Errorf("numb = %d, want 2 (stale replay must not lower it)", entries[0].Numb)
	}
}

func TestRecordDailyCountCompletion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordDailyCount(ctx, testEvent(1, 2, 10), 3); err != nil {
		t.Fatalf("RecordDailyCount() error = %v", err)
	}
	entries, _ := s.GetCalendarMonth(ctx, 1, 2026, 9)
	if entries[0].IsComplete {
		t.Error("is_complete = true at numb=2 with quota 3")
	}

	if err := s.RecordDailyCount(ctx, testEvent(1, 3, 20), 3); err != nil {
		t.Fatalf("RecordDailyCount() error = %v", err)
	}
	entries, _ = s.GetCalendarMonth(ctx, 1, 2026, 9)
	if !entries[0].IsComplete {
		t.Error("is_complete = false at numb=3 with quota 3")
	}

	// Zero quota never completes.
	ev := testEvent(2, 5, 0)
	if err := s.RecordDailyCount(ctx, ev, 0); err != nil {
		t.Fatalf("RecordDailyCount() error = %v", err)
	}
	entries, _ = s.GetCalendarMonth(ctx, 2, 2026, 9)
	if entries[0].IsComplete {
		t.Error("is_complete = true with zero quota")
	}
}

func TestRecordDailyCountPerType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordDailyCount(ctx, testEvent(1, 3, 20), 3); err != nil {
		t.Fatalf("RecordDailyCount() error = %v", err)
	}

	// A bonus event the same day lives in its own row with its own count.
	bonus := testEvent(1, 1, 30)
	bonus.Type = models.EventTypeAddScore
	if err := s.RecordDailyCount(ctx, bonus, 2); err != nil {
		t.Fatalf("RecordDailyCount() bonus error = %v", err)
	}

	entries, err := s.GetCalendarMonth(ctx, 1, 2026, 9)
	if err != nil {
		t.Fatalf("GetCalendarMonth() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}

	byType := map[string]int{}
	for _, e := range entries {
		byType[e.Type] = e.Numb
	}
	if byType[models.EventTypeCheckin] != 3 {
		t.Errorf("check_in numb = %d, want 3", byType[models.EventTypeCheckin])
	}
	if byType[models.EventTypeAddScore] != 1 {
		t.Errorf("add_score numb = %d, want 1", byType[models.EventTypeAddScore])
	}
}

func TestGetCalendarMonthEmpty(t *testing.T) {
	s := newTestStore(t)

	entries, err := s.GetCalendarMonth(context.Background(), 9, 2026, 1)
	if err != nil {
		t.Fatalf("GetCalendarMonth() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %d, want 0", len(entries))
	}
}
