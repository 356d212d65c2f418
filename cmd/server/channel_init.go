// Scorepipe - Daily Check-in Points Ledger
// Copyright 2026 Scorepipe Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scorepipe/scorepipe

package main

import (
	"context"
	"fmt"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/scorepipe/scorepipe/internal/broker"
	"github.com/scorepipe/scorepipe/internal/config"
	"github.com/scorepipe/scorepipe/internal/ledger"
	"github.com/scorepipe/scorepipe/internal/logging"
	"github.com/scorepipe/scorepipe/internal/worker"
)

// ChannelComponents holds the durable event channel: the embedded server
// (when enabled), the stream, the publisher with its fallback spill-over,
// and one subscriber plus writer per destination table.
type ChannelComponents struct {
	Server    *broker.EmbeddedServer
	Publisher *broker.Publisher
	Fallback  *broker.FallbackPublisher
	Retrier   *broker.FallbackRetrier

	natsConn    *natsgo.Conn
	subscribers []*broker.Subscriber
	Writers     []*worker.Writer
	WriterNames []string
}

// writerSpec binds one subject to its queue group and ledger handler.
type writerSpec struct {
	subject string
	queue   string
	handler worker.Handler
}

// InitChannel brings up the event channel and builds the four ledger
// writers. The caller runs the writers and retrier under supervision.
func InitChannel(ctx context.Context, cfg *config.Config, store *ledger.Store) (*ChannelComponents, error) {
	components := &ChannelComponents{}

	// Step 1: embedded NATS server, or an external one from config.
	var natsURL string
	if cfg.NATS.EmbeddedServer {
		serverCfg := broker.ServerConfig{
			Host:              "127.0.0.1",
			Port:              4222,
			StoreDir:          cfg.NATS.StoreDir,
			JetStreamMaxMem:   cfg.NATS.MaxMemory,
			JetStreamMaxStore: cfg.NATS.MaxStore,
		}
		server, err := broker.NewEmbeddedServer(&serverCfg)
		if err != nil {
			return nil, err
		}
		components.Server = server
		natsURL = server.ClientURL()
		logging.Info().Str("url", natsURL).Msg("embedded NATS server started")
	} else {
		natsURL = cfg.NATS.URL
		logging.Info().Str("url", natsURL).Msg("using external NATS server")
	}

	// Step 2: connect and ensure the stream exists.
	nc, err := natsgo.Connect(natsURL,
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.NATS.MaxReconnects),
		natsgo.ReconnectWait(cfg.NATS.ReconnectWait),
	)
	if err != nil {
		components.Shutdown(context.Background())
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	components.natsConn = nc

	js, err := jetstream.New(nc)
	if err != nil {
		components.Shutdown(context.Background())
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	streamCfg := broker.DefaultStreamConfig()
	if cfg.NATS.StreamName != "" {
		streamCfg.Name = cfg.NATS.StreamName
	}
	if cfg.NATS.RetentionDays > 0 {
		streamCfg.MaxAge = time.Duration(cfg.NATS.RetentionDays) * 24 * time.Hour
	}
	if cfg.NATS.DedupWindow > 0 {
		streamCfg.DuplicateWindow = cfg.NATS.DedupWindow
	}

	initializer, err := broker.NewStreamInitializer(js, &streamCfg)
	if err != nil {
		components.Shutdown(context.Background())
		return nil, fmt.Errorf("create stream initializer: %w", err)
	}
	stream, err := initializer.EnsureStream(ctx)
	if err != nil {
		components.Shutdown(context.Background())
		return nil, fmt.Errorf("ensure stream exists: %w", err)
	}
	info := stream.CachedInfo()
	logging.Info().
		Str("name", info.Config.Name).
		Strs("subjects", info.Config.Subjects).
		Dur("max_age", info.Config.MaxAge).
		Msg("JetStream stream ready")

	// Step 3: publisher with circuit breaker and fallback spill-over.
	publisher, err := broker.NewPublisher(broker.DefaultPublisherConfig(natsURL), nil)
	if err != nil {
		components.Shutdown(context.Background())
		return nil, err
	}
	publisher.SetCircuitBreaker(broker.NewPublishBreaker())
	components.Publisher = publisher
	components.Fallback = broker.NewFallbackPublisher(publisher, store)
	components.Retrier = broker.NewFallbackRetrier(publisher, store,
		cfg.Fallback.RetryInterval, cfg.Fallback.BatchLimit)

	// Step 4: one writer per destination table.
	specs := []writerSpec{
		{broker.SubjectScoreEvents, broker.QueueScoreWriter, worker.NewScoreHandler(store, cfg.QuotaFor)},
		{broker.SubjectOpsLog, broker.QueueOpsWriter, worker.NewOpsHandler(store)},
		{broker.SubjectDeviceLog, broker.QueueDeviceWriter, worker.NewDeviceHandler(store)},
		{broker.SubjectCustomerMessage, broker.QueueMessageWriter, worker.NewMessageHandler(store)},
	}

	for _, spec := range specs {
		w, sub, err := buildWriter(cfg, natsURL, streamCfg.Name, publisher, spec)
		if err != nil {
			components.Shutdown(context.Background())
			return nil, err
		}
		components.subscribers = append(components.subscribers, sub)
		components.Writers = append(components.Writers, w)
		components.WriterNames = append(components.WriterNames, spec.queue)
	}

	logging.Info().Int("writers", len(components.Writers)).Msg("event channel initialized")
	return components, nil
}

func buildWriter(cfg *config.Config, natsURL, streamName string, publisher broker.EnvelopePublisher, spec writerSpec) (*worker.Writer, *broker.Subscriber, error) {
	subCfg := broker.SubscriberConfig{
		URL:              natsURL,
		StreamName:       streamName,
		DurableName:      cfg.NATS.DurableName + "-" + spec.queue,
		QueueGroup:       spec.queue,
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
		return nil, nil, fmt.Errorf("create %s subscriber: %w", spec.queue, err)
	}

	w, err := worker.NewWriter(sub, publisher, spec.handler, worker.WriterConfig{
		Queue:       spec.queue,
		Subject:     spec.subject,
		MaxRetries:  cfg.Worker.MaxRetries,
		BackoffBase: cfg.Worker.BackoffBase,
	})
	if err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("create %s writer: %w", spec.queue, err)
	}
	return w, sub, nil
}

// Shutdown stops channel components in dependency order: subscribers,
// publisher, connection, then the embedded server.
func (c *ChannelComponents) Shutdown(ctx context.Context) {
	for _, sub := range c.subscribers {
		if err := sub.Close(); err != nil {
			logging.Error().Err(err).Msg("error closing subscriber")
		}
	}
	if c.Publisher != nil {
		if err := c.Publisher.Close(); err != nil {
			logging.Error().Err(err).Msg("error closing publisher")
		}
	}
	if c.natsConn != nil {
		c.natsConn.Close()
	}
	if c.Server != nil {
		if err := c.Server.Shutdown(ctx); err != nil {
			logging.Error().Err(err).Msg("error shutting down NATS server")
		}
	}
}
