// Scorepipe - Daily Check-in Points Ledger
// Copyright 2026 Scorepipe Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scorepipe/scorepipe

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// Ledger operations carried by an envelope.
const (
	OperationInsert = "insert"
	OperationUpdate = "update"
	OperationDelete = "delete"
)

// Destination tables. Each maps to one durable subject and one writer kind.
const (
	TableScoreLog        = "user_score_log"
	TableUserLog         = "user_log"
	TableDeviceLog       = "qiandao_log"
	TableCustomerMessage = "customer_message"
)

// QueueEnvelope is the wire format for every record crossing the durable
// event channel. Data holds the table-specific payload verbatim so one
// envelope shape serves all writer kinds.
type QueueEnvelope struct {
	Operation string          `json:"operation"`
	Table     string          `json:"table"`
	Data      json.RawMessage `json:"data"`
	UserID    int64           `json:"user_id"`
	Timestamp int64           `json:"timestamp"`

	// RetryCount is incremented on each requeue. Writers drop the message
	// once it passes the configured ceiling.
	RetryCount int `json:"retry_count"`
}

// NewEnvelope wraps a payload for the given table, marshalling it into Data
// and stamping the current time.
func NewEnvelope(operation, table string, userID int64, payload any) (*QueueEnvelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &QueueEnvelope{
		Operation: operation,
		Table:     table,
		Data:      data,
		UserID:    userID,
		Timestamp: time.Now().Unix(),
	}, nil
}

// Validate checks the structural invariants a writer requires before it will
// attempt a ledger transaction. A failure here is fatal-invalid: the message
// is acked and discarded, never requeued.
func (e *QueueEnvelope) Validate() error {
	switch e.Operation {
	case OperationInsert, OperationUpdate, OperationDelete:
	default:
		return &ValidationError{Field: "operation", Message: "unknown operation " + e.Operation}
	}
	if e.Table == "" {
		return &ValidationError{Field: "table", Message: "required"}
	}
	if len(e.Data) == 0 {
		return &ValidationError{Field: "data", Message: "required"}
	}
	if e.UserID == 0 {
		return &ValidationError{Field: "user_id", Message: "required"}
	}
	if e.RetryCount < 0 {
		return &ValidationError{Field: "retry_count", Message: "must not be negative"}
	}
	return nil
}

// DecodePayload unmarshals Data into out.
func (e *QueueEnvelope) DecodePayload(out any) error {
	return json.Unmarshal(e.Data, out)
}

// Marshal serializes the envelope for publishing.
func (e *QueueEnvelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope decodes a wire payload into a QueueEnvelope.
func UnmarshalEnvelope(data []byte) (*QueueEnvelope, error) {
	var e QueueEnvelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
