// Scorepipe - Daily Check-in Points Ledger
// Copyright 2026 Scorepipe Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scorepipe/scorepipe

package models

import (
	"time"
)

// APIResponse is the standard response wrapper for all HTTP endpoints.
//
// Status is "success" or "error". Data carries the payload on success;
// Error carries the failure on error.
type APIResponse struct {
	Status   string      `json:"status"`
	Data     interface{} `json:"data,omitempty"`
	Metadata Metadata    `json:"metadata"`
	Error    *APIError   `json:"error,omitempty"`
}

// Metadata is attached to every API response.
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
}

// APIError describes a failed request.
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// NewSuccessResponse wraps data in a success envelope.
func NewSuccessResponse(data interface{}) *APIResponse {
	return &APIResponse{
		Status:   "success",
		Data:     data,
		Metadata: Metadata{Timestamp: time.Now().UTC()},
	}
}

// NewErrorResponse wraps an error code and message in an error envelope.
func NewErrorResponse(code, message string) *APIResponse {
	return &APIResponse{
		Status:   "error",
		Metadata: Metadata{Timestamp: time.Now().UTC()},
		Error:    &APIError{Code: code, Message: message},
	}
}
