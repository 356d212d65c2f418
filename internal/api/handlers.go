// Scorepipe - Daily Check-in Points Ledger
// Copyright 2026 Scorepipe Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scorepipe/scorepipe

// Package api exposes the score pipeline over HTTP: submission endpoints
// for check-in and bonus score, read endpoints for live state and the
// check-in calendar, plus health and metrics.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/scorepipe/scorepipe/internal/logging"
	"github.com/scorepipe/scorepipe/internal/models"
	"github.com/scorepipe/scorepipe/internal/service"
)

// Handler carries the service dependencies for all endpoints.
type Handler struct {
	svc      *service.Service
	validate *validator.Validate
}

// NewHandler creates the API handler.
func NewHandler(svc *service.Service) *Handler {
	return &Handler{
		svc:      svc,
		validate: validator.New(),
	}
}

type submitRequest struct {
	UserID   int64  `json:"user_id" validate:"required,gt=0"`
	DeviceID string `json:"device_id" validate:"omitempty,max=128"`
	Platform string `json:"platform" validate:"omitempty,max=32"`

	// Type is accepted on the score endpoint; only the bonus event type is
	// served there.
	Type string `json:"type" validate:"omitempty,oneof=add_score"`
}

type submitResponse struct {
	Outcome   string `json:"outcome"`
	Score     int    `json:"score"`
	Balance   int64  `json:"balance"`
	Numb      int    `json:"numb"`
	Completed bool   `json:"completed"`
}

type submitFunc func(ctx context.Context, req *service.SubmitRequest) (*service.SubmitResult, error)

// CheckIn handles POST /api/v1/checkin.
func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, h.svc.CheckIn)
}

// AddScore handles POST /api/v1/score.
func (h *Handler) AddScore(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, h.svc.AddScore)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, fn submitFunc) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, models.NewErrorResponse("INVALID_BODY", "request body is not valid JSON"))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, models.NewErrorResponse("VALIDATION_ERROR", err.Error()))
		return
	}

	result, err := fn(r.Context(), &service.SubmitRequest{
		UserID:   req.UserID,
		DeviceID: req.DeviceID,
		Platform: req.Platform,
		IP:       clientIP(r),
	})
	if err != nil {
		logger := logging.Ctx(r.Context())
		logger.Error().Err(err).Int64("user_id", req.UserID).Msg("submission failed")
		respondJSON(w, http.StatusServiceUnavailable, models.NewErrorResponse("SUBMISSION_FAILED", "submission could not be processed"))
		return
	}

	status, code := statusForOutcome(result.Outcome)
	body := &submitResponse{
		Outcome:   string(result.Outcome),
		Score:     result.Score,
		Balance:   result.Balance,
		Numb:      result.Numb,
		Completed: result.Completed,
	}

	if code == "" {
		respondJSON(w, status, models.NewSuccessResponse(body))
		return
	}
	resp := models.NewErrorResponse(code, string(result.Outcome))
	resp.Data = body
	respondJSON(w, status, resp)
}

// statusForOutcome maps a submission outcome to an HTTP status and error
// code. Accepted outcomes carry no error code.
func statusForOutcome(outcome service.Outcome) (int, string) {
	switch outcome {
	case service.OutcomeAccepted:
		return http.StatusOK, ""
	case service.OutcomeAcceptedPending:
		return http.StatusAccepted, ""
	case service.OutcomeDuplicate:
		return http.StatusConflict, "DUPLICATE_SUBMISSION"
	case service.OutcomeCapped:
		return http.StatusTooManyRequests, "DAILY_CAP_REACHED"
	case service.OutcomeChallenged:
		return http.StatusPreconditionRequired, "CHALLENGE_REQUIRED"
	default:
		return http.StatusInternalServerError, "UNKNOWN_OUTCOME"
	}
}

// State handles GET /api/v1/state.
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryInt64(w, r, "user_id")
	if !ok {
		return
	}

	agg, err := h.svc.State(r.Context(), userID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models.NewSuccessResponse(agg))
}

// Calendar handles GET /api/v1/calendar. Year and month default to the
// current month.
func (h *Handler) Calendar(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryInt64(w, r, "user_id")
	if !ok {
		return
	}

	now := time.Now()
	year := queryIntDefault(r, "year", now.Year())
	month := queryIntDefault(r, "month", int(now.Month()))

	entries, err := h.svc.Calendar(r.Context(), userID, year, month)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.CalendarDayEntry{}
	}
	respondJSON(w, http.StatusOK, models.NewSuccessResponse(entries))
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, models.NewSuccessResponse(map[string]string{"status": "ok"}))
}

// respondError maps a read-path failure: invalid input is the client's
// fault, anything else means the store could not serve the query.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		respondJSON(w, http.StatusBadRequest, models.NewErrorResponse("VALIDATION_ERROR", verr.Error()))
		return
	}
	logger := logging.Ctx(r.Context())
	logger.Error().Err(err).Msg("read query failed")
	respondJSON(w, http.StatusServiceUnavailable, models.NewErrorResponse("QUERY_FAILED", "request could not be served"))
}

func respondJSON(w http.ResponseWriter, status int, response *models.APIResponse) {
	w.Header().Set("Content-Type", "application/json")

	data, err := json.Marshal(response)
	if err != nil {
		logging.Error().Err(err).Msg("failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("failed to write JSON response")
	}
}

func queryInt64(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	raw := r.URL.Query().Get(key)
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val <= 0 {
		respondJSON(w, http.StatusBadRequest, models.NewErrorResponse("VALIDATION_ERROR", key+" must be a positive integer"))
		return 0, false
	}
	return val, true
}

func queryIntDefault(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return val
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
