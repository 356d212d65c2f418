// Scorepipe - Daily Check-in Points Ledger
// Copyright 2026 Scorepipe Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scorepipe/scorepipe

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/scorepipe/scorepipe/internal/models"
)

// RecordDailyCount advances the check-in calendar for the event's (type,
// day). The stored numb only moves upward: a replayed or out-of-order event
// with a smaller occurrence count leaves the row untouched. is_complete
// flips once numb reaches quota and never flips back within the day.
func (s *Store) RecordDailyCount(ctx context.Context, ev *models.ScoreEvent, quota int) error {
	start := time.Now()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := recordDailyCountTx(ctx, tx, ev, quota); err != nil {
		observe("upsert", "score_calendar", start, err)
		return err
	}

	err = tx.Commit()
	observe("upsert", "score_calendar", start, err)
	return err
}

// recordDailyCountTx is the shared calendar upsert, usable inside a larger
// transaction.
func recordDailyCountTx(ctx context.Context, tx *sql.Tx, ev *models.ScoreEvent, quota int) error {
	var current int
	err := tx.QueryRowContext(ctx, `
		SELECT numb FROM score_calendar
		WHERE user_id = ? AND type = ? AND year = ? AND month = ? AND day = ?`,
		ev.UserID, ev.Type, ev.Year, ev.Month, ev.Day).Scan(&current)

	now := time.Now().Unix()
	complete := quota > 0 && ev.Numb >= quota

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO score_calendar (user_id, type, year, month, day, numb, is_complete, updatetime)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.UserID, ev.Type, ev.Year, ev.Month, ev.Day, ev.Numb, complete, now)
		if err != nil {
			return fmt.Errorf("insert calendar row: %w", err)
		}
	case err != nil:
		return fmt.Errorf("query calendar row: %w", err)
	case ev.Numb > current:
		_, err = tx.ExecContext(ctx, `
			UPDATE score_calendar
			SET numb = ?, is_complete = is_complete OR ?, updatetime = ?
			WHERE user_id = ? AND type = ? AND year = ? AND month = ? AND day = ?`,
			ev.Numb, complete, now, ev.UserID, ev.Type, ev.Year, ev.Month, ev.Day)
		if err != nil {
			return fmt.Errorf("update calendar row: %w", err)
		}
	default:
		// Stale or duplicate occurrence count, keep the higher value.
	}

	return nil
}

// GetCalendarMonth returns the calendar rows for one user month ordered by
// day.
func (s *Store) GetCalendarMonth(ctx context.Context, userID int64, year, month int) ([]models.CalendarDayEntry, error) {
	start := time.Now()

	rows, err := s.conn.QueryContext(ctx, `
		SELECT user_id, type, year, month, day, numb, is_complete, updatetime
		FROM score_calendar
		WHERE user_id = ? AND year = ? AND month = ?
		ORDER BY day, type`,
		userID, year, month)
	observe("select", "score_calendar", start, err)
	if err != nil {
		return nil, fmt.Errorf("query calendar: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []models.CalendarDayEntry
	for rows.Next() {
		var e models.CalendarDayEntry
		if err := rows.Scan(&e.UserID, &e.Type, &e.Year, &e.Month, &e.Day, &e.Numb, &e.IsComplete, &e.UpdateTime); err != nil {
			return nil, fmt.Errorf("scan calendar row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
