// Scorepipe - Daily Check-in Points Ledger
// Copyright 2026 Scorepipe Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scorepipe/scorepipe

package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/scorepipe/scorepipe/internal/metrics"
	"github.com/scorepipe/scorepipe/internal/models"
)

// Publisher wraps the Watermill NATS publisher with a circuit breaker and
// reconnection handling. The envelope's idempotency token doubles as the
// Nats-Msg-Id, so the stream's deduplication window absorbs publish retries.
type Publisher struct {
	publisher      message.Publisher
	circuitBreaker *gobreaker.CircuitBreaker[interface{}]
	mu             sync.RWMutex
	closed         bool
	logger         watermill.LoggerAdapter
}

// NewPublisher creates a JetStream publisher with message ID tracking.
func NewPublisher(cfg PublisherConfig, logger watermill.LoggerAdapter) (*Publisher, error) {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.ReconnectBufSize(cfg.ReconnectBuffer),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{
				"url": nc.ConnectedUrl(),
			})
		}),
	}

	wmConfig := wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: false, // stream is pre-created by StreamInitializer
			TrackMsgId:    cfg.EnableTrackMsgID,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}

	pub, err := wmNats.NewPublisher(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill publisher: %w", err)
	}

	return &Publisher{
		publisher: pub,
		logger:    logger,
	}, nil
}

// SetCircuitBreaker configures the circuit breaker for publish operations.
func (p *Publisher) SetCircuitBreaker(cb *gobreaker.CircuitBreaker[interface{}]) {
	p.circuitBreaker = cb
}

// NewPublishBreaker returns a circuit breaker tuned for publish calls: open
// after 5 consecutive failures, probe again after 10 seconds.
func NewPublishBreaker() *gobreaker.CircuitBreaker[interface{}] {
	return gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:    "broker-publish",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

// Publish sends a message to the given subject with circuit breaker
// protection. The message UUID becomes the Nats-Msg-Id unless already set.
func (p *Publisher) Publish(ctx context.Context, subject string, msg *message.Message) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("publisher is closed")
	}
	p.mu.RUnlock()

	if msg.Metadata.Get(natsgo.MsgIdHdr) == "" {
		msg.Metadata.Set(natsgo.MsgIdHdr, msg.UUID)
	}

	var err error
	if p.circuitBreaker != nil {
		_, err = p.circuitBreaker.Execute(func() (interface{}, error) {
			return nil, p.publisher.Publish(subject, msg)
		})
	} else {
		err = p.publisher.Publish(subject, msg)
	}

	if err == nil {
		metrics.RecordPublish(subject)
	} else {
		metrics.RecordPublishFailure(subject)
	}

	return err
}

// PublishEnvelope serializes an envelope and publishes it to the subject of
// its destination table. msgID carries the idempotency token so the stream
// deduplicates replays of the same submission.
func (p *Publisher) PublishEnvelope(ctx context.Context, env *models.QueueEnvelope, msgID string) error {
	subject := SubjectForTable(env.Table)
	if subject == "" {
		return fmt.Errorf("no subject for table %q", env.Table)
	}

	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("serialize envelope: %w", err)
	}

	msg := message.NewMessage(msgID, data)
	msg.Metadata.Set("table", env.Table)
	msg.Metadata.Set("operation", env.Operation)
	msg.Metadata.Set("user_id", fmt.Sprintf("%d", env.UserID))

	return p.Publish(ctx, subject, msg)
}

// Close gracefully shuts down the publisher.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	return p.publisher.Close()
}

// WatermillPublisher returns the underlying Watermill publisher.
func (p *Publisher) WatermillPublisher() message.Publisher {
	return p.publisher
}
