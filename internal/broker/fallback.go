// Scorepipe - Daily Check-in Points Ledger
// Copyright 2026 Scorepipe Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scorepipe/scorepipe

package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/scorepipe/scorepipe/internal/logging"
	"github.com/scorepipe/scorepipe/internal/metrics"
	"github.com/scorepipe/scorepipe/internal/models"
)

// EnvelopePublisher publishes envelopes to the durable channel.
type EnvelopePublisher interface {
	PublishEnvelope(ctx context.Context, env *models.QueueEnvelope, msgID string) error
}

// FallbackStore is the ledger surface used for fallback records.
type FallbackStore interface {
	InsertFallback(ctx context.Context, recordType string, userID int64, payload []byte) error
	PendingFallback(ctx context.Context, limit int) ([]models.FallbackLogRecord, error)
	MarkFallbackProcessed(ctx context.Context, id int64) error
	CountPendingFallback(ctx context.Context) (int64, error)
}

// FallbackPublisher wraps a publisher with durable spill-over: when the
// channel rejects an envelope (outage, open circuit breaker), the envelope
// lands in the ledger's fallback log instead of being lost. The accepting
// response to the client is unchanged either way.
type FallbackPublisher struct {
	publisher EnvelopePublisher
	store     FallbackStore
}

// NewFallbackPublisher creates a publisher with fallback log spill-over.
func NewFallbackPublisher(publisher EnvelopePublisher, store FallbackStore) *FallbackPublisher {
	return &FallbackPublisher{
		publisher: publisher,
		store:     store,
	}
}

// PublishEnvelope attempts the publish and spills to the fallback log on
// failure. Returns an error only when both the channel and the fallback log
// are unavailable; that is the one case the caller must surface.
func (f *FallbackPublisher) PublishEnvelope(ctx context.Context, env *models.QueueEnvelope, msgID string) error {
	_, err := f.PublishOrSpill(ctx, env, msgID)
	return err
}

// PublishOrSpill is PublishEnvelope reporting whether the envelope landed
// in the fallback log instead of the channel. Callers surface spilled
// submissions as accepted but not yet durable.
func (f *FallbackPublisher) PublishOrSpill(ctx context.Context, env *models.QueueEnvelope, msgID string) (spilled bool, _ error) {
	err := f.publisher.PublishEnvelope(ctx, env, msgID)
	if err == nil {
		return false, nil
	}

	subject := SubjectForTable(env.Table)
	logging.Warn().Err(err).
		Str("subject", subject).
		Int64("user_id", env.UserID).
		Msg("publish failed, writing fallback record")

	payload, marshalErr := env.Marshal()
	if marshalErr != nil {
		return false, fmt.Errorf("serialize envelope for fallback: %w", marshalErr)
	}

	if insertErr := f.store.InsertFallback(ctx, subject, env.UserID, payload); insertErr != nil {
		return false, fmt.Errorf("publish failed (%w) and fallback write failed: %w", err, insertErr)
	}

	return true, nil
}

// FallbackRetrier periodically replays pending fallback records back into
// the channel, in insertion order, marking each processed once the publish
// succeeds. A record that still fails stays pending for the next pass.
type FallbackRetrier struct {
	publisher EnvelopePublisher
	store     FallbackStore
	interval  time.Duration
	batch     int
}

// NewFallbackRetrier creates a retrier draining up to batch records every
// interval.
func NewFallbackRetrier(publisher EnvelopePublisher, store FallbackStore, interval time.Duration, batch int) *FallbackRetrier {
	return &FallbackRetrier{
		publisher: publisher,
		store:     store,
		interval:  interval,
		batch:     batch,
	}
}

// Run drains the backlog until the context is canceled.
func (r *FallbackRetrier) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.DrainOnce(ctx); err != nil {
				logging.Warn().Err(err).Msg("fallback drain pass failed")
			}
		}
	}
}

// DrainOnce replays one batch of pending records. Stops at the first record
// that still cannot be published, preserving replay order.
func (r *FallbackRetrier) DrainOnce(ctx context.Context) error {
	records, err := r.store.PendingFallback(ctx, r.batch)
	if err != nil {
		return fmt.Errorf("read pending fallback: %w", err)
	}

	for _, record := range records {
		env, err := models.UnmarshalEnvelope(record.Payload)
		if err != nil {
			// Unreadable record, mark processed so it does not wedge the
			// queue forever.
			logging.Error().Err(err).Int64("record_id", record.ID).
				Msg("fallback record unreadable, skipping")
			if markErr := r.store.MarkFallbackProcessed(ctx, record.ID); markErr != nil {
				return markErr
			}
			continue
		}

		msgID := fmt.Sprintf("fallback-%d", record.ID)
		if err := r.publisher.PublishEnvelope(ctx, env, msgID); err != nil {
			r.updateGauge(ctx)
			return fmt.Errorf("republish record %d: %w", record.ID, err)
		}

		if err := r.store.MarkFallbackProcessed(ctx, record.ID); err != nil {
			return fmt.Errorf("mark record %d processed: %w", record.ID, err)
		}
		metrics.FallbackReplayed.Inc()
	}

	r.updateGauge(ctx)
	return nil
}

func (r *FallbackRetrier) updateGauge(ctx context.Context) {
	if count, err := r.store.CountPendingFallback(ctx); err == nil {
		metrics.FallbackPending.Set(float64(count))
	}
}
