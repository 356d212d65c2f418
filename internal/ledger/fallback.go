// Scorepipe - Daily Check-in Points Ledger
// Copyright 2026 Scorepipe Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scorepipe/scorepipe

package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/scorepipe/scorepipe/internal/metrics"
	"github.com/scorepipe/scorepipe/internal/models"
)

// InsertFallback appends a pending fallback record holding an envelope that
// could not reach the event channel. Replayed later in insertion order.
func (s *Store) InsertFallback(ctx context.Context, recordType string, userID int64, payload []byte) error {
	start := time.Now()
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO queue_log (user_id, type, payload, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		userID, recordType, payload, models.FallbackPending, time.Now().Unix())
	observe("insert", "queue_log", start, err)
	if err != nil {
		return fmt.Errorf("insert fallback record: %w", err)
	}

	metrics.FallbackWrites.WithLabelValues(recordType).Inc()
	return nil
}

// PendingFallback returns up to limit pending records in insertion order,
// preserving the original submission order on replay.
func (s *Store) PendingFallback(ctx context.Context, limit int) ([]models.FallbackLogRecord, error) {
	start := time.Now()

	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, user_id, type, payload, status, created_at
		FROM queue_log
		WHERE status = ?
		ORDER BY id
		LIMIT ?`,
		models.FallbackPending, limit)
	observe("select", "queue_log", start, err)
	if err != nil {
		return nil, fmt.Errorf("query pending fallback: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []models.FallbackLogRecord
	for rows.Next() {
		var r models.FallbackLogRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.Type, &r.Payload, &r.Status, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fallback record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// MarkFallbackProcessed flips one record to processed after a successful
// republish.
func (s *Store) MarkFallbackProcessed(ctx context.Context, id int64) error {
	start := time.Now()
	_, err := s.conn.ExecContext(ctx, `
		UPDATE queue_log SET status = ? WHERE id = ?`,
		models.FallbackProcessed, id)
	observe("update", "queue_log", start, err)
	if err != nil {
		return fmt.Errorf("mark fallback processed: %w", err)
	}
	return nil
}

// CountPendingFallback returns the size of the pending backlog.
func (s *Store) CountPendingFallback(ctx context.Context) (int64, error) {
	start := time.Now()
	var count int64
	err := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_log WHERE status = ?`,
		models.FallbackPending).Scan(&count)
	observe("select", "queue_log", start, err)
	if err != nil {
		return 0, fmt.Errorf("count pending fallback: %w", err)
	}
	return count, nil
}
