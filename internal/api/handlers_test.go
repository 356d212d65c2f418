// Scorepipe - Daily Check-in Points Ledger
// Copyright 2026 Scorepipe Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scorepipe/scorepipe

package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/scorepipe/scorepipe/internal/abuse"
	"github.com/scorepipe/scorepipe/internal/cache"
	"github.com/scorepipe/scorepipe/internal/config"
	"github.com/scorepipe/scorepipe/internal/idempotency"
	"github.com/scorepipe/scorepipe/internal/ledger"
	"github.com/scorepipe/scorepipe/internal/models"
	"github.com/scorepipe/scorepipe/internal/service"
)

type fakeWindow struct {
	// alwaysAdmit disables duplicate detection so tests can drive
	// repeated submissions through later pipeline stages.
	alwaysAdmit bool
	seen        map[string]int
}

func (w *fakeWindow) Admit(_ context.Context, subject string, userID int64) (string, error) {
	if w.seen == nil {
		w.seen = make(map[string]int)
	}
	key := fmt.Sprintf("%s_%d", subject, userID)
	w.seen[key]++
	if !w.alwaysAdmit && w.seen[key] > 1 {
		return "", idempotency.ErrDuplicate
	}
	return fmt.Sprintf("%s_%d", key, w.seen[key]), nil
}

type fakeSink struct {
	envelopes []*models.QueueEnvelope
}

func (s *fakeSink) PublishOrSpill(_ context.Context, env *models.QueueEnvelope, _ string) (bool, error) {
	s.envelopes = append(s.envelopes, env)
	return false, nil
}

type fakeReader struct {
	scores      map[int64]int64
	calendar    []models.CalendarDayEntry
	calendarErr error
}

func (r *fakeReader) GetUserScore(_ context.Context, userID int64) (int64, error) {
	score, ok := r.scores[userID]
	if !ok {
		return 0, ledger.ErrUserNotFound
	}
	return score, nil
}

func (r *fakeReader) GetCalendarMonth(_ context.Context, _ int64, _, _ int) ([]models.CalendarDayEntry, error) {
	if r.calendarErr != nil {
		return nil, r.calendarErr
	}
	return r.calendar, nil
}

func newTestServer(t *testing.T, window *fakeWindow) (*httptest.Server, *fakeSink) {
	t.Helper()

	cfg := config.Default()
	cfg.Score.MaxCheckinPerDay = 3
	cfg.Score.ScorePerCheckin = 10

	c := cache.New(time.Hour)
	t.Cleanup(c.Close)

	sink := &fakeSink{}
	svc := service.New(cfg, window, c, abuse.NewEvaluator(nil), sink, &fakeReader{
		scores: map[int64]int64{7: 120},
	})

	srv := httptest.NewServer(NewRouter(NewHandler(svc), cfg.Server))
	t.Cleanup(srv.Close)
	return srv, sink
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response) *models.APIResponse {
	t.Helper()
	defer resp.Body.Close()
	var out models.APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &out
}

func TestCheckInEndpoint(t *testing.T) {
	srv, sink := newTestServer(t, &fakeWindow{})

	resp := postJSON(t, srv.URL+"/api/v1/checkin", map[string]any{"user_id": 42, "device_id": "dev-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	out := decodeResponse(t, resp)
	if out.Status != "success" {
		t.Errorf("status = %q, want success", out.Status)
	}
	body, ok := out.Data.(map[string]any)
	if !ok {
		t.Fatalf("data type = %T, want object", out.Data)
	}
	if body["outcome"] != "accepted" {
		t.Errorf("outcome = %v, want accepted", body["outcome"])
	}
	if body["balance"] != float64(10) {
		t.Errorf("balance = %v, want 10", body["balance"])
	}
	if body["numb"] != float64(1) {
		t.Errorf("numb = %v, want 1", body["numb"])
	}

	// One score envelope plus one ops log and one device log.
	if len(sink.envelopes) != 3 {
		t.Fatalf("envelopes = %d, want 3", len(sink.envelopes))
	}
	if sink.envelopes[0].Table != models.TableScoreLog {
		t.Errorf("first envelope table = %q, want %q", sink.envelopes[0].Table, models.TableScoreLog)
	}
}

func TestCheckInDuplicateConflict(t *testing.T) {
	srv, _ := newTestServer(t, &fakeWindow{})

	req := map[string]any{"user_id": 42}
	resp := postJSON(t, srv.URL+"/api/v1/checkin", req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d, want 200", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/api/v1/checkin", req)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second status = %d, want 409", resp.StatusCode)
	}
	out := decodeResponse(t, resp)
	if out.Error == nil || out.Error.Code != "DUPLICATE_SUBMISSION" {
		t.Errorf("error = %+v, want DUPLICATE_SUBMISSION", out.Error)
	}
}

func TestCheckInValidation(t *testing.T) {
	srv, _ := newTestServer(t, &fakeWindow{})

	tests := []struct {
		name string
		body string
	}{
		{"missing user", `{}`},
		{"zero user", `{"user_id": 0}`},
		{"negative user", `{"user_id": -3}`},
		{"malformed", `{"user_id":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/v1/checkin", "application/json", bytes.NewReader([]byte(tt.body)))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestStateEndpointSeedsFromLedger(t *testing.T) {
	srv, _ := newTestServer(t, &fakeWindow{})

	resp, err := http.Get(srv.URL + "/api/v1/state?user_id=7")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	out := decodeResponse(t, resp)
	body, ok := out.Data.(map[string]any)
	if !ok {
		t.Fatalf("data type = %T, want object", out.Data)
	}
	if body["score"] != float64(120) {
		t.Errorf("score = %v, want 120", body["score"])
	}
}

func TestStateEndpointRejectsBadUser(t *testing.T) {
	srv, _ := newTestServer(t, &fakeWindow{})

	for _, query := range []string{"", "?user_id=abc", "?user_id=0"} {
		resp, err := http.Get(srv.URL + "/api/v1/state" + query)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("query %q status = %d, want 400", query, resp.StatusCode)
		}
	}
}

func TestCalendarEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &fakeWindow{})

	resp, err := http.Get(srv.URL + "/api/v1/calendar?user_id=7&year=2026&month=9")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	out := decodeResponse(t, resp)
	if out.Status != "success" {
		t.Errorf("status = %q, want success", out.Status)
	}
	// Empty month serializes as an empty array, not null.
	if _, ok := out.Data.([]any); !ok {
		t.Errorf("data type = %T, want array", out.Data)
	}
}

func TestCalendarRejectsBadMonth(t *testing.T) {
	srv, _ := newTestServer(t, &fakeWindow{})

	resp, err := http.Get(srv.URL + "/api/v1/calendar?user_id=7&month=13")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &fakeWindow{})

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestCalendarStoreFailure(t *testing.T) {
	cfg := config.Default()
	c := cache.New(time.Hour)
	t.Cleanup(c.Close)

	svc := service.New(cfg, &fakeWindow{}, c, abuse.NewEvaluator(nil), &fakeSink{},
		&fakeReader{calendarErr: errors.New("connection refused")})
	srv := httptest.NewServer(NewRouter(NewHandler(svc), cfg.Server))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/api/v1/calendar?user_id=7&year=2026&month=9")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	out := decodeResponse(t, resp)
	if out.Error == nil || out.Error.Code != "QUERY_FAILED" {
		t.Errorf("error = %+v, want QUERY_FAILED", out.Error)
	}
}

func TestCorrelationIDHeader(t *testing.T) {
	srv, _ := newTestServer(t, &fakeWindow{})

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Correlation-ID") == "" {
		t.Error("response missing X-Correlation-ID header")
	}

	// An upstream-supplied ID is echoed back unchanged.
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("X-Correlation-ID", "upstream-1")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Correlation-ID"); got != "upstream-1" {
		t.Errorf("X-Correlation-ID = %q, want upstream-1", got)
	}
}

func TestDailyCapReturns429(t *testing.T) {
	srv, _ := newTestServer(t, &fakeWindow{alwaysAdmit: true})

	req := map[string]any{"user_id": 9}
	for i := 1; i <= 3; i++ {
		resp := postJSON(t, srv.URL+"/api/v1/checkin", req)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("attempt %d status = %d, want 200", i, resp.StatusCode)
		}
	}

	resp := postJSON(t, srv.URL+"/api/v1/checkin", req)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("capped status = %d, want 429", resp.StatusCode)
	}
	out := decodeResponse(t, resp)
	if out.Error == nil || out.Error.Code != "DAILY_CAP_REACHED" {
		t.Errorf("error = %+v, want DAILY_CAP_REACHED", out.Error)
	}
}
