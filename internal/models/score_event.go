// Scorepipe - Daily Check-in Points Ledger
// Copyright 2026 Scorepipe Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scorepipe/scorepipe

// Package models defines the typed records flowing through the score
// pipeline: the immutable ScoreEvent, the QueueEnvelope wire format, the
// calendar and fallback-log rows, and the cached user aggregate.
//
// Records are constructed through factories that apply defaults, replacing
// the associative-array models of the system this pipeline descends from.
package models

import (
	"time"
)

// Event types recognized by the pipeline.
const (
	// EventTypeCheckin is the daily check-in reward.
	EventTypeCheckin = "check_in"
	// EventTypeAddScore is the bonus "earn more" reward.
	EventTypeAddScore = "add_score"
)

// ScoreEvent is one point-changing action. Immutable once persisted: the
// ledger writer inserts it as-is and never rewrites history.
type ScoreEvent struct {
	UserID int64  `json:"user_id"`
	Type   string `json:"type"`

	// Score is the points delta for this event.
	Score int `json:"score"`

	// Numb is the occurrence count for the day (1 for the first check-in,
	// 2 for the second, ...).
	Numb int `json:"numb"`

	// Before and After snapshot the balance around this event as seen by the
	// aggregate cache at submission time.
	Before int64 `json:"before"`
	After  int64 `json:"after"`

	Memo  string `json:"memo"`
	Year  int    `json:"year"`
	Month int    `json:"month"`
	Day   int    `json:"day"`

	// UniqueRandom is the idempotency window token issued at admission.
	UniqueRandom string `json:"unique_random"`

	CreateTime int64 `json:"createtime"`
}

// NewScoreEvent builds a ScoreEvent with date and timestamp defaults taken
// from now.
func NewScoreEvent(userID int64, eventType string, now time.Time) *ScoreEvent {
	return &ScoreEvent{
		UserID:     userID,
		Type:       eventType,
		Year:       now.Year(),
		Month:      int(now.Month()),
		Day:        now.Day(),
		CreateTime: now.Unix(),
	}
}

// Validate checks required fields.
func (e *ScoreEvent) Validate() error {
	if e.UserID == 0 {
		return &ValidationError{Field: "user_id", Message: "required"}
	}
	if e.Type == "" {
		return &ValidationError{Field: "type", Message: "required"}
	}
	if e.Numb <= 0 {
		return &ValidationError{Field: "numb", Message: "must be positive"}
	}
	if e.Year == 0 || e.Month == 0 || e.Day == 0 {
		return &ValidationError{Field: "date", Message: "required"}
	}
	if e.After != e.Before+int64(e.Score) {
		return &ValidationError{Field: "after", Message: "balance mismatch"}
	}
	return nil
}

// ValidationError represents a field validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
