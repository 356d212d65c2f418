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

// CommitScoreEvent applies one score event in a single transaction: append
// the score log row, move the user balance, and advance the check-in
// calendar. quota is the daily completion threshold for the event's type.
//
// The insert and the balance update commit or roll back together, so a
// crash mid-commit never leaves a log row without its balance move.
func (s *Store) CommitScoreEvent(ctx context.Context, ev *models.ScoreEvent, quota int) error {
	start := time.Now()
	err := s.commitScoreEvent(ctx, ev, quota)
	observe("commit", "user_score_log", start, err)
	return err
}

func (s *Store) commitScoreEvent(ctx context.Context, ev *models.ScoreEvent, quota int) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_score_log
			(user_id, type, score, numb, before_score, after_score, memo,
			 year, month, day, unique_random, createtime)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.UserID, ev.Type, ev.Score, ev.Numb, ev.Before, ev.After, ev.Memo,
		ev.Year, ev.Month, ev.Day, ev.UniqueRandom, ev.CreateTime)
	if err != nil {
		return fmt.Errorf("insert score log: %w", err)
	}

	now := time.Now().Unix()
	res, err := tx.ExecContext(ctx, `
		UPDATE users SET score = score + ?, updatetime = ? WHERE id = ?`,
		ev.Score, now, ev.UserID)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO users (id, score, updatetime) VALUES (?, ?, ?)`,
			ev.UserID, ev.Score, now)
		if err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
	}

	if err := recordDailyCountTx(ctx, tx, ev, quota); err != nil {
		return err
	}

	return tx.Commit()
}

// GetUserScore returns the durable balance for a user.
func (s *Store) GetUserScore(ctx context.Context, userID int64) (int64, error) {
	start := time.Now()
	var score int64
	err := s.conn.QueryRowContext(ctx,
		`SELECT score FROM users WHERE id = ?`, userID).Scan(&score)
	observe("select", "users", start, err)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return score, nil
}

// InsertOpsLog appends one audit trail row.
func (s *Store) InsertOpsLog(ctx context.Context, entry *models.OpsLogEntry) error {
	start := time.Now()
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO user_log (user_id, action, detail, ip, createtime)
		VALUES (?, ?, ?, ?, ?)`,
		entry.UserID, entry.Action, entry.Detail, entry.IP, entry.CreateTime)
	observe("insert", "user_log", start, err)
	if err != nil {
		return fmt.Errorf("insert ops log: %w", err)
	}
	return nil
}

// UpdateUserScore overwrites the durable balance. Used by replayed update
// operations where the event's after value is authoritative.
func (s *Store) UpdateUserScore(ctx context.Context, userID, score int64) error {
	start := time.Now()
	now := time.Now().Unix()
	res, err := s.conn.ExecContext(ctx, `
		UPDATE users SET score = ?, updatetime = ? WHERE id = ?`,
		score, now, userID)
	observe("update", "users", start, err)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// UpdateOpsLog rewrites the detail of an existing audit row.
func (s *Store) UpdateOpsLog(ctx context.Context, entry *models.OpsLogEntry) error {
	start := time.Now()
	res, err := s.conn.ExecContext(ctx, `
		UPDATE user_log SET action = ?, detail = ?, ip = ? WHERE id = ?`,
		entry.Action, entry.Detail, entry.IP, entry.ID)
	observe("update", "user_log", start, err)
	if err != nil {
		return fmt.Errorf("update ops log: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ops log row %d not found", entry.ID)
	}
	return nil
}

// DeleteOpsLog removes one audit row by ID.
func (s *Store) DeleteOpsLog(ctx context.Context, id int64) error {
	start := time.Now()
	_, err := s.conn.ExecContext(ctx, `DELETE FROM user_log WHERE id = ?`, id)
	observe("delete", "user_log", start, err)
	if err != nil {
		return fmt.Errorf("delete ops log: %w", err)
	}
	return nil
}

// InsertDeviceLog appends one device fingerprint row.
func (s *Store) InsertDeviceLog(ctx context.Context, entry *models.DeviceLogEntry) error {
	start := time.Now()
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO qiandao_log (user_id, device_id, platform, ip, createtime)
		VALUES (?, ?, ?, ?, ?)`,
		entry.UserID, entry.DeviceID, entry.Platform, entry.IP, entry.CreateTime)
	observe("insert", "qiandao_log", start, err)
	if err != nil {
		return fmt.Errorf("insert device log: %w", err)
	}
	return nil
}

// InsertCustomerMessage queues one outbound notification.
func (s *Store) InsertCustomerMessage(ctx context.Context, msg *models.CustomerMessage) error {
	start := time.Now()
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO customer_message (user_id, title, content, is_read, createtime)
		VALUES (?, ?, ?, ?, ?)`,
		msg.UserID, msg.Title, msg.Content, msg.IsRead, msg.CreateTime)
	observe("insert", "customer_message", start, err)
	if err != nil {
		return fmt.Errorf("insert customer message: %w", err)
	}
	return nil
}

// UpdateCustomerMessage rewrites an existing notification, typically to flip
// its read flag.
func (s *Store) UpdateCustomerMessage(ctx context.Context, msg *models.CustomerMessage) error {
	start := time.Now()
	res, err := s.conn.ExecContext(ctx, `
		UPDATE customer_message SET title = ?, content = ?, is_read = ?
		WHERE id = ?`,
		msg.Title, msg.Content, msg.IsRead, msg.ID)
	observe("update", "customer_message", start, err)
	if err != nil {
		return fmt.Errorf("update customer message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("customer message %d not found", msg.ID)
	}
	return nil
}
