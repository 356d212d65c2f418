// Scorepipe - Daily Check-in Points Ledger
// Copyright 2026 Scorepipe Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scorepipe/scorepipe

// Package worker implements the ledger writers: long-running consumers that
// drain the durable event channel and commit envelopes to the ledger.
//
// Delivery is at least once. A transient commit failure requeues the
// envelope with exponential backoff and a bumped retry count; past the
// retry ceiling the envelope is dropped with a logged, counted failure. A
// structurally invalid envelope is acked and discarded immediately, since
// redelivery can never fix it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/scorepipe/scorepipe/internal/broker"
	"github.com/scorepipe/scorepipe/internal/logging"
	"github.com/scorepipe/scorepipe/internal/metrics"
	"github.com/scorepipe/scorepipe/internal/models"
)

// PermanentError marks a failure that redelivery cannot fix. The writer
// drops the envelope without retrying.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanentError wraps err as non-retryable.
func NewPermanentError(reason string, err error) *PermanentError {
	return &PermanentError{Reason: reason, Err: err}
}

// IsPermanent reports whether err is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// MessageSource delivers messages for one subject.
type MessageSource interface {
	Subscribe(ctx context.Context, subject string) (<-chan *message.Message, error)
}

// Handler commits one envelope to the ledger.
type Handler interface {
	Handle(ctx context.Context, env *models.QueueEnvelope) error
}

// WriterConfig holds the settings for one writer instance.
type WriterConfig struct {
	// Queue names the writer kind, used for logging and metrics.
	Queue string

	// Subject is the stream subject the writer consumes.
	Subject string

	// MaxRetries is the requeue ceiling per envelope.
	MaxRetries int

	// BackoffBase is the unit for requeue backoff: base * 2^retry_count.
	BackoffBase time.Duration
}

// Writer consumes one subject and commits envelopes through its handler.
type Writer struct {
	source    MessageSource
	publisher broker.EnvelopePublisher
	handler   Handler
	cfg       WriterConfig
}

// NewWriter creates a writer. The publisher is used to requeue envelopes
// after transient failures.
func NewWriter(source MessageSource, publisher broker.EnvelopePublisher, handler Handler, cfg WriterConfig) (*Writer, error) {
	if source == nil {
		return nil, fmt.Errorf("message source required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler required")
	}
	if cfg.Queue == "" || cfg.Subject == "" {
		return nil, fmt.Errorf("queue and subject required")
	}

	return &Writer{
		source:    source,
		publisher: publisher,
		handler:   handler,
		cfg:       cfg,
	}, nil
}

// Run consumes until the context is canceled. Shutdown happens at a message
// boundary: the in-flight envelope finishes (ack or requeue) before Run
// returns, and unacked messages are redelivered elsewhere.
func (w *Writer) Run(ctx context.Context) error {
	messages, err := w.source.Subscribe(ctx, w.cfg.Subject)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", w.cfg.Subject, err)
	}

	logging.Info().
		Str("queue", w.cfg.Queue).
		Str("subject", w.cfg.Subject).
		Msg("ledger writer started")

	for {
		select {
		case <-ctx.Done():
			logging.Info().Str("queue", w.cfg.Queue).Msg("ledger writer stopped")
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				logging.Info().Str("queue", w.cfg.Queue).Msg("message channel closed")
				return nil
			}
			w.processMessage(ctx, msg)
		}
	}
}

// processMessage handles one delivery end to end. Every path ends in an
// ack: a successful commit, a drop, and a requeue (the retry is a fresh
// publish, not a redelivery of this message).
func (w *Writer) processMessage(ctx context.Context, msg *message.Message) {
	start := time.Now()

	env, err := models.UnmarshalEnvelope(msg.Payload)
	if err != nil {
		w.dropInvalid(msg, fmt.Errorf("unmarshal envelope: %w", err))
		return
	}
	if err := env.Validate(); err != nil {
		w.dropInvalid(msg, err)
		return
	}

	err = w.handler.Handle(ctx, env)
	switch {
	case err == nil:
		metrics.RecordWorkerProcessed(w.cfg.Queue, time.Since(start))
		msg.Ack()

	case IsPermanent(err):
		w.dropInvalid(msg, err)

	case env.RetryCount >= w.cfg.MaxRetries:
		metrics.WorkerDropped.WithLabelValues(w.cfg.Queue).Inc()
		logging.Error().Err(err).
			Str("queue", w.cfg.Queue).
			Int64("user_id", env.UserID).
			Int("retry_count", env.RetryCount).
			Msg("envelope dropped after retry ceiling")
		msg.Ack()

	default:
		w.requeue(ctx, msg, env, err)
	}
}

// requeue republishes the envelope with a bumped retry count after backoff,
// then acks the original delivery.
func (w *Writer) requeue(ctx context.Context, msg *message.Message, env *models.QueueEnvelope, cause error) {
	env.RetryCount++
	backoff := w.cfg.BackoffBase * time.Duration(1<<uint(env.RetryCount))

	logging.Warn().Err(cause).
		Str("queue", w.cfg.Queue).
		Int64("user_id", env.UserID).
		Int("retry_count", env.RetryCount).
		Dur("backoff", backoff).
		Msg("transient failure, requeueing envelope")

	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		// Shutting down: leave the message unacked for redelivery.
		msg.Nack()
		return
	}

	// A fresh message ID keeps the stream's dedup window from swallowing
	// the retry.
	msgID := fmt.Sprintf("%s-retry-%d", msg.UUID, env.RetryCount)
	if err := w.publisher.PublishEnvelope(ctx, env, msgID); err != nil {
		logging.Error().Err(err).
			Str("queue", w.cfg.Queue).
			Msg("requeue publish failed, nacking for redelivery")
		msg.Nack()
		return
	}

	metrics.WorkerRetries.WithLabelValues(w.cfg.Queue).Inc()
	msg.Ack()
}

func (w *Writer) dropInvalid(msg *message.Message, err error) {
	metrics.WorkerInvalid.WithLabelValues(w.cfg.Queue).Inc()
	logging.Warn().Err(err).
		Str("queue", w.cfg.Queue).
		Str("message_uuid", msg.UUID).
		Msg("invalid envelope discarded")
	msg.Ack()
}
