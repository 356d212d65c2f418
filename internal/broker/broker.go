// Scorepipe - Daily Check-in Points Ledger
// Copyright 2026 Scorepipe Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scorepipe/scorepipe

// Package broker is the durable event channel between the request path and
// the ledger writers. It wraps Watermill over NATS JetStream: the request
// path publishes envelopes to per-table subjects, queue-group subscribers
// deliver them at least once to the writers, and a circuit breaker plus the
// fallback log cover channel outages.
package broker

import (
	"time"

	"github.com/scorepipe/scorepipe/internal/models"
)

// Subjects carried by the stream. One subject per destination table keeps
// writer kinds independently scalable.
const (
	SubjectScoreEvents     = "score.events"
	SubjectOpsLog          = "ops.log"
	SubjectDeviceLog       = "device.log"
	SubjectCustomerMessage = "customer.message"
)

// Queue groups, one per writer kind. Instances of a kind share its group so
// each message reaches exactly one instance.
const (
	QueueScoreWriter   = "score-writer"
	QueueOpsWriter     = "ops-writer"
	QueueDeviceWriter  = "device-writer"
	QueueMessageWriter = "message-writer"
)

// SubjectForTable maps an envelope's destination table to its subject.
// Unknown tables return empty.
func SubjectForTable(table string) string {
	switch table {
	case models.TableScoreLog:
		return SubjectScoreEvents
	case models.TableUserLog:
		return SubjectOpsLog
	case models.TableDeviceLog:
		return SubjectDeviceLog
	case models.TableCustomerMessage:
		return SubjectCustomerMessage
	default:
		return ""
	}
}

// AllSubjects lists every subject in the stream.
func AllSubjects() []string {
	return []string{
		SubjectScoreEvents,
		SubjectOpsLog,
		SubjectDeviceLog,
		SubjectCustomerMessage,
	}
}

// PublisherConfig holds publisher connection settings.
type PublisherConfig struct {
	URL              string
	MaxReconnects    int
	ReconnectWait    time.Duration
	ReconnectBuffer  int
	EnableTrackMsgID bool
}

// DefaultPublisherConfig returns publisher settings for the given server URL.
func DefaultPublisherConfig(url string) PublisherConfig {
	return PublisherConfig{
		URL:              url,
		MaxReconnects:    -1,
		ReconnectWait:    2 * time.Second,
		ReconnectBuffer:  8 * 1024 * 1024,
		EnableTrackMsgID: true,
	}
}

// SubscriberConfig holds durable subscriber settings for one writer kind.
type SubscriberConfig struct {
	URL              string
	StreamName       string
	DurableName      string
	QueueGroup       string
	SubscribersCount int
	AckWaitTimeout   time.Duration
	MaxDeliver       int
	MaxAckPending    int
	CloseTimeout     time.Duration
	MaxReconnects    int
	ReconnectWait    time.Duration
}

// StreamConfig holds JetStream stream settings.
type StreamConfig struct {
	Name            string
	Subjects        []string
	MaxAge          time.Duration
	MaxBytes        int64
	MaxMsgs         int64
	DuplicateWindow time.Duration
	Replicas        int
}

// DefaultStreamConfig returns the stream configuration for the pipeline.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Name:            "SCOREPIPE",
		Subjects:        AllSubjects(),
		MaxAge:          7 * 24 * time.Hour,
		MaxBytes:        10 << 30,
		MaxMsgs:         -1,
		DuplicateWindow: 2 * time.Minute,
		Replicas:        1,
	}
}

// ServerConfig holds embedded NATS server settings.
type ServerConfig struct {
	Host              string
	Port              int
	StoreDir          string
	JetStreamMaxMem   int64
	JetStreamMaxStore int64
}
