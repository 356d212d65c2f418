// Scorepipe - Daily Check-in Points Ledger
// Copyright 2026 Scorepipe Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scorepipe/scorepipe

// Command worker runs one ledger writer as a standalone process against an
// external NATS server. Writer kinds scale independently: run several
// processes with the same -queue to widen one table's write path.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/scorepipe/scorepipe/internal/broker"
	"github.com/scorepipe/scorepipe/internal/config"
	"github.com/scorepipe/scorepipe/internal/ledger"
	"github.com/scorepipe/scorepipe/internal/logging"
	"github.com/scorepipe/scorepipe/internal/worker"
)

func main() {
	queue := flag.String("queue", broker.QueueScoreWriter,
		"writer kind: score-writer, ops-writer, device-writer, or message-writer")
	flag.Parse()

	if err := run(*queue); err != nil {
		logging.Fatal().Err(err).Msg("worker exited with error")
	}
}

func run(queue string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Timestamp: true,
	})

	subject, handlerFor, err := writerKind(queue)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := ledger.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	publisher, err := broker.NewPublisher(broker.DefaultPublisherConfig(cfg.NATS.URL), nil)
	if err != nil {
		return fmt.Errorf("create publisher: %w", err)
	}
	defer publisher.Close()
	publisher.SetCircuitBreaker(broker.NewPublishBreaker())

	streamName := cfg.NATS.StreamName
	if streamName == "" {
		streamName = broker.DefaultStreamConfig().Name
	}

	subCfg := broker.SubscriberConfig{
		URL:              cfg.NATS.URL,
		StreamName:       streamName,
		DurableName:      cfg.NATS.DurableName + "-" + queue,
		QueueGroup:       queue,
		SubscribersCount: 1,
		AckWaitTimeout:   cfg.NATS.AckWaitTimeout,
		MaxDeliver:       cfg.Worker.MaxRetries + 1,
		MaxAckPending:    1000,
		CloseTimeout:     10 * time.Second,
		MaxReconnects:    cfg.NATS.MaxReconnects,
		ReconnectWait:    cfg.NATS.ReconnectWait,
	}
	sub, err := broker.NewSubscriber(&subCfg, nil)
	if err != nil {
		return fmt.Errorf("create subscriber: %w", err)
	}
	defer sub.Close()

	w, err := worker.NewWriter(sub, publisher, handlerFor(store, cfg), worker.WriterConfig{
		Queue:       queue,
		Subject:     subject,
		MaxRetries:  cfg.Worker.MaxRetries,
		BackoffBase: cfg.Worker.BackoffBase,
	})
	if err != nil {
		return fmt.Errorf("create writer: %w", err)
	}

	logging.Info().
		Str("queue", queue).
		Str("subject", subject).
		Str("nats_url", cfg.NATS.URL).
		Msg("ledger writer starting")

	err = w.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logging.Info().Str("queue", queue).Msg("ledger writer stopped")
	return nil
}

type handlerFactory func(store *ledger.Store, cfg *config.Config) worker.Handler

// writerKind resolves a queue name to its subject and handler factory.
func writerKind(queue string) (string, handlerFactory, error) {
	switch queue {
	case broker.QueueScoreWriter:
		return broker.SubjectScoreEvents, func(store *ledger.Store, cfg *config.Config) worker.Handler {
			return worker.NewScoreHandler(store, cfg.QuotaFor)
		}, nil
	case broker.QueueOpsWriter:
		return broker.SubjectOpsLog, func(store *ledger.Store, _ *config.Config) worker.Handler {
			return worker.NewOpsHandler(store)
		}, nil
	case broker.QueueDeviceWriter:
		return broker.SubjectDeviceLog, func(store *ledger.Store, _ *config.Config) worker.Handler {
			return worker.NewDeviceHandler(store)
		}, nil
	case broker.QueueMessageWriter:
		return broker.SubjectCustomerMessage, func(store *ledger.Store, _ *config.Config) worker.Handler {
			return worker.NewMessageHandler(store)
		}, nil
	default:
		return "", nil, fmt.Errorf("unknown queue %q", queue)
	}
}
