// Scorepipe - Daily Check-in Points Ledger
// Copyright 2026 Scorepipe Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scorepipe/scorepipe

// Package idempotency implements the time-bucketed submission window that
// collapses duplicate score submissions.
//
// A submission for (subject, user) at time t maps to the token
// subject_user_bucket, where bucket = t truncated to the window size. The
// first claim of a token wins; every later claim inside the same bucket is
// rejected as a duplicate. Claims are atomic: the check and the store happen
// in one BadgerDB transaction, so two racing submissions can never both win.
//
// The store fails closed. When the token store is unreachable the submission
// is rejected rather than risking a double credit.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/scorepipe/scorepipe/internal/logging"
	"github.com/scorepipe/scorepipe/internal/metrics"
)

// Window errors.
var (
	// ErrDuplicate indicates the token was already claimed inside the
	// current bucket.
	ErrDuplicate = errors.New("duplicate submission inside idempotency window")

	// ErrStoreClosed indicates the window store has been closed.
	ErrStoreClosed = errors.New("idempotency store is closed")
)

// Window is the BadgerDB-backed idempotency window.
type Window struct {
	db     *badger.DB
	size   time.Duration
	prefix []byte

	// now is swappable for tests.
	now func() time.Time
}

// Open creates a Window backed by a BadgerDB at path. An empty path opens an
// in-memory store for tests; tokens then do not survive a restart.
func Open(path string, size time.Duration) (*Window, error) {
	if size <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %v", size)
	}

	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open idempotency store: %w", err)
	}

	return &Window{
		db:     db,
		size:   size,
		prefix: []byte("idem:"),
		now:    time.Now,
	}, nil
}

// Token returns the window token for (subject, user) at time t. The bucket
// component is the unix timestamp truncated to the window size, so every
// instant inside one bucket yields the same token.
func (w *Window) Token(subject string, userID int64, t time.Time) string {
	sec := int64(w.size / time.Second)
	if sec < 1 {
		sec = 1
	}
	bucket := t.Unix() - t.Unix()%sec
	return fmt.Sprintf("%s_%d_%d", subject, userID, bucket)
}

// Admit claims the current window token for (subject, user). Returns the
// claimed token on success, ErrDuplicate when the bucket was already
// claimed, and the store error otherwise. Callers must treat any error as a
// rejection.
func (w *Window) Admit(ctx context.Context, subject string, userID int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	token := w.Token(subject, userID, w.now())
	key := append(w.prefix, []byte(token)...)

	err := w.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return ErrDuplicate
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		// Keep the token twice the window size so a claim near the bucket
		// edge still blocks stragglers, then let Badger expire it.
		entry := badger.NewEntry(key, []byte{1}).WithTTL(2 * w.size)
		return txn.SetEntry(entry)
	})

	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			metrics.IdempotencyRejections.WithLabelValues(subject).Inc()
			logging.Debug().
				Str("subject", subject).
				Int64("user_id", userID).
				Str("token", token).
				Msg("duplicate submission rejected")
			return "", ErrDuplicate
		}
		if errors.Is(err, badger.ErrDBClosed) {
			return "", ErrStoreClosed
		}
		logging.Error().Err(err).
			Str("subject", subject).
			Int64("user_id", userID).
			Msg("idempotency store error, rejecting submission")
		return "", fmt.Errorf("claim window token: %w", err)
	}

	return token, nil
}

// Close closes the underlying store.
func (w *Window) Close() error {
	return w.db.Close()
}
