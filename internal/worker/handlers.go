// Scorepipe - Daily Check-in Points Ledger
// Copyright 2026 Scorepipe Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scorepipe/scorepipe

package worker

import (
	"context"
	"fmt"

	"github.com/scorepipe/scorepipe/internal/models"
)

// ScoreStore is the ledger surface the score writer commits through.
type ScoreStore interface {
	CommitScoreEvent(ctx context.Context, ev *models.ScoreEvent, quota int) error
	UpdateUserScore(ctx context.Context, userID, score int64) error
}

// OpsStore is the ledger surface for audit trail rows.
type OpsStore interface {
	InsertOpsLog(ctx context.Context, entry *models.OpsLogEntry) error
	UpdateOpsLog(ctx context.Context, entry *models.OpsLogEntry) error
	DeleteOpsLog(ctx context.Context, id int64) error
}

// DeviceStore is the ledger surface for device fingerprint rows.
type DeviceStore interface {
	InsertDeviceLog(ctx context.Context, entry *models.DeviceLogEntry) error
}

// MessageStore is the ledger surface for outbound notifications.
type MessageStore interface {
	InsertCustomerMessage(ctx context.Context, msg *models.CustomerMessage) error
	UpdateCustomerMessage(ctx context.Context, msg *models.CustomerMessage) error
}

// QuotaFunc returns the daily completion quota for an event type. Read at
// handle time so a config change applies to the next commit.
type QuotaFunc func(eventType string) int

// ScoreHandler commits score events: log row, balance move, and calendar
// advance in one transaction.
type ScoreHandler struct {
	store ScoreStore
	quota QuotaFunc
}

// NewScoreHandler creates the score event handler.
func NewScoreHandler(store ScoreStore, quota QuotaFunc) *ScoreHandler {
	return &ScoreHandler{store: store, quota: quota}
}

// Handle decodes and commits one score event. An update operation rewrites
// the balance from the event's after value instead of appending a log row.
func (h *ScoreHandler) Handle(ctx context.Context, env *models.QueueEnvelope) error {
	var ev models.ScoreEvent
	if err := env.DecodePayload(&ev); err != nil {
		return NewPermanentError("decode score event", err)
	}

	switch env.Operation {
	case models.OperationInsert:
		if err := ev.Validate(); err != nil {
			return NewPermanentError("invalid score event", err)
		}
		if err := h.store.CommitScoreEvent(ctx, &ev, h.quota(ev.Type)); err != nil {
			return fmt.Errorf("commit score event: %w", err)
		}
	case models.OperationUpdate:
		if ev.UserID == 0 {
			return NewPermanentError("score update missing user", nil)
		}
		if err := h.store.UpdateUserScore(ctx, ev.UserID, ev.After); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
	default:
		return NewPermanentError("unsupported score operation "+env.Operation, nil)
	}
	return nil
}

// OpsHandler appends audit trail rows.
type OpsHandler struct {
	store OpsStore
}

// NewOpsHandler creates the audit trail handler.
func NewOpsHandler(store OpsStore) *OpsHandler {
	return &OpsHandler{store: store}
}

// Handle applies one audit trail operation.
func (h *OpsHandler) Handle(ctx context.Context, env *models.QueueEnvelope) error {
	var entry models.OpsLogEntry
	if err := env.DecodePayload(&entry); err != nil {
		return NewPermanentError("decode ops log entry", err)
	}

	switch env.Operation {
	case models.OperationInsert:
		if entry.UserID == 0 || entry.Action == "" {
			return NewPermanentError("ops log entry missing user or action", nil)
		}
		if err := h.store.InsertOpsLog(ctx, &entry); err != nil {
			return fmt.Errorf("insert ops log: %w", err)
		}
	case models.OperationUpdate:
		if entry.ID == 0 {
			return NewPermanentError("ops log update missing id", nil)
		}
		if err := h.store.UpdateOpsLog(ctx, &entry); err != nil {
			return fmt.Errorf("update ops log: %w", err)
		}
	case models.OperationDelete:
		if entry.ID == 0 {
			return NewPermanentError("ops log delete missing id", nil)
		}
		if err := h.store.DeleteOpsLog(ctx, entry.ID); err != nil {
			return fmt.Errorf("delete ops log: %w", err)
		}
	default:
		return NewPermanentError("unsupported ops operation "+env.Operation, nil)
	}
	return nil
}

// DeviceHandler appends device fingerprint rows.
type DeviceHandler struct {
	store DeviceStore
}

// NewDeviceHandler creates the device log handler.
func NewDeviceHandler(store DeviceStore) *DeviceHandler {
	return &DeviceHandler{store: store}
}

// Handle decodes and inserts one device row.
func (h *DeviceHandler) Handle(ctx context.Context, env *models.QueueEnvelope) error {
	var entry models.DeviceLogEntry
	if err := env.DecodePayload(&entry); err != nil {
		return NewPermanentError("decode device log entry", err)
	}
	if entry.UserID == 0 {
		return NewPermanentError("device log entry missing user", nil)
	}

	if err := h.store.InsertDeviceLog(ctx, &entry); err != nil {
		return fmt.Errorf("insert device log: %w", err)
	}
	return nil
}

// MessageHandler queues outbound notifications.
type MessageHandler struct {
	store MessageStore
}

// NewMessageHandler creates the customer message handler.
func NewMessageHandler(store MessageStore) *MessageHandler {
	return &MessageHandler{store: store}
}

// Handle applies one notification operation.
func (h *MessageHandler) Handle(ctx context.Context, env *models.QueueEnvelope) error {
	var msg models.CustomerMessage
	if err := env.DecodePayload(&msg); err != nil {
		return NewPermanentError("decode customer message", err)
	}

	switch env.Operation {
	case models.OperationInsert:
		if msg.UserID == 0 || msg.Title == "" {
			return NewPermanentError("customer message missing user or title", nil)
		}
		if err := h.store.InsertCustomerMessage(ctx, &msg); err != nil {
			return fmt.Errorf("insert customer message: %w", err)
		}
	case models.OperationUpdate:
		if msg.ID == 0 {
			return NewPermanentError("customer message update missing id", nil)
		}
		if err := h.store.UpdateCustomerMessage(ctx, &msg); err != nil {
			return fmt.Errorf("update customer message: %w", err)
		}
	default:
		return NewPermanentError("unsupported message operation "+env.Operation, nil)
	}
	return nil
}
