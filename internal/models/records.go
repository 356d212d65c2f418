// Scorepipe - Daily Check-in Points Ledger
// Copyright 2026 Scorepipe Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scorepipe/scorepipe

package models

import (
	"time"
)

// CalendarDayEntry is one (user, type, day) row of the check-in calendar.
type CalendarDayEntry struct {
	UserID int64  `json:"user_id"`
	Type   string `json:"type"`
	Year   int    `json:"year"`
	Month  int    `json:"month"`
	Day    int    `json:"day"`

	// Numb is the highest occurrence count recorded for the day. It only
	// ever moves upward; a late or replayed event never lowers it.
	Numb int `json:"numb"`

	// IsComplete flips to true once Numb reaches the daily quota for the
	// event type that drove the update.
	IsComplete bool  `json:"is_complete"`
	UpdateTime int64 `json:"updatetime"`
}

// FallbackLogRecord is one pending row of the fallback log, written when the
// durable channel rejects a publish. Replay is ordered by ID so records
// reach the ledger in their original submission order.
type FallbackLogRecord struct {
	ID        int64  `json:"id"`
	UserID    int64  `json:"user_id"`
	Type      string `json:"type"`
	Payload   []byte `json:"payload"`
	Status    int    `json:"status"`
	CreatedAt int64  `json:"created_at"`
}

// Fallback log statuses.
const (
	FallbackPending   = 0
	FallbackProcessed = 1
)

// UserAggregate is the cached live view of one user's score state. It is a
// read-optimized projection, not the ledger: the ledger writers remain the
// source of truth.
type UserAggregate struct {
	UserID  int64 `json:"user_id"`
	Score   int64 `json:"score"`
	Version int64 `json:"version"`

	// UpdatedAt is the wall time of the last delta applied.
	UpdatedAt time.Time `json:"updated_at"`
}

// OpsLogEntry records a user-facing operation for the audit trail.
type OpsLogEntry struct {
	// ID targets an existing row for update and delete operations; zero on
	// insert (the store assigns one).
	ID         int64  `json:"id,omitempty"`
	UserID     int64  `json:"user_id"`
	Action     string `json:"action"`
	Detail     string `json:"detail"`
	IP         string `json:"ip"`
	CreateTime int64  `json:"createtime"`
}

// DeviceLogEntry records the device fingerprint attached to a check-in.
type DeviceLogEntry struct {
	UserID     int64  `json:"user_id"`
	DeviceID   string `json:"device_id"`
	Platform   string `json:"platform"`
	IP         string `json:"ip"`
	CreateTime int64  `json:"createtime"`
}

// CustomerMessage is an outbound notification queued for a user.
type CustomerMessage struct {
	// ID targets an existing row for update operations; zero on insert.
	ID         int64  `json:"id,omitempty"`
	UserID     int64  `json:"user_id"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	IsRead     bool   `json:"is_read"`
	CreateTime int64  `json:"createtime"`
}
