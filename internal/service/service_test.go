// Scorepipe - Daily Check-in Points Ledger
// Copyright 2026 Scorepipe Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scorepipe/scorepipe

package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/scorepipe/scorepipe/internal/abuse"
	"github.com/scorepipe/scorepipe/internal/cache"
	"github.com/scorepipe/scorepipe/internal/config"
	"github.com/scorepipe/scorepipe/internal/idempotency"
	"github.com/scorepipe/scorepipe/internal/ledger"
	"github.com/scorepipe/scorepipe/internal/models"
)

// fakeWindow admits by unique (subject, user, bucket) like the real window,
// with a controllable clock.
type fakeWindow struct {
	mu     sync.Mutex
	seen   map[string]bool
	err    error
	bucket int64
}

func newFakeWindow() *fakeWindow {
	return &fakeWindow{seen: make(map[string]bool)}
}

func (w *fakeWindow) Admit(_ context.Context, subject string, userID int64) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return "", w.err
	}
	token := fmt.Sprintf("%s_%d_%d", subject, userID, w.bucket)
	if w.seen[token] {
		return "", idempotency.ErrDuplicate
	}
	w.seen[token] = true
	return token, nil
}

type fakeSink struct {
	mu        sync.Mutex
	envelopes []*models.QueueEnvelope
	spill     bool
	err       error
}

func (s *fakeSink) PublishOrSpill(_ context.Context, env *models.QueueEnvelope, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	s.envelopes = append(s.envelopes, env)
	return s.spill, nil
}

func (s *fakeSink) byTable(table string) []*models.QueueEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.QueueEnvelope
	for _, env := range s.envelopes {
		if env.Table == table {
			out = append(out, env)
		}
	}
	return out
}

type fakeReader struct {
	scores   map[int64]int64
	calendar []models.CalendarDayEntry
}

func (r *fakeReader) GetUserScore(_ context.Context, userID int64) (int64, error) {
	score, ok := r.scores[userID]
	if !ok {
		return 0, ledger.ErrUserNotFound
	}
	return score, nil
}

func (r *fakeReader) GetCalendarMonth(_ context.Context, _ int64, _, _ int) ([]models.CalendarDayEntry, error) {
	return r.calendar, nil
}

type harness struct {
	svc    *Service
	window *fakeWindow
	sink   *fakeSink
	reader *fakeReader
	cache  *cache.AggregateCache
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := &config.Config{
		Score: config.ScoreConfig{
			MaxCheckinPerDay:  3,
			ScorePerCheckin:   10,
			MaxAddScorePerDay: 2,
			ScorePerAddScore:  5,
			DailyCounterTTL:   time.Hour,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	c := cache.New(cfg.Score.DailyCounterTTL)
	t.Cleanup(c.Close)

	h := &harness{
		window: newFakeWindow(),
		sink:   &fakeSink{},
		reader: &fakeReader{scores: make(map[int64]int64)},
		cache:  c,
	}
	h.svc = New(cfg, h.window, c, abuse.NewEvaluator(cfg.Score.SuspiciousPositions), h.sink, h.reader)
	return h
}

func checkIn(t *testing.T, h *harness, userID int64) *SubmitResult {
	t.Helper()
	h.window.bucket++ // each call lands in a fresh window bucket
	res, err := h.svc.CheckIn(context.Background(), &SubmitRequest{UserID: userID, IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("CheckIn() error = %v", err)
	}
	return res
}

func TestCheckInAccumulates(t *testing.T) {
	h := newHarness(t, nil)

	for i := 1; i <= 3; i++ {
		res := checkIn(t, h, 1)
		if res.Outcome != OutcomeAccepted {
			t.Fatalf("check-in #%d outcome = %s", i, res.Outcome)
		}
		if res.Numb != i {
			t.Errorf("check-in #%d numb = %d", i, res.Numb)
		}
		if res.Balance != int64(10*i) {
			t.Errorf("check-in #%d balance = %d, want %d", i, res.Balance, 10*i)
		}
		wantComplete := i == 3
		if res.Completed != wantComplete {
			t.Errorf("check-in #%d completed = %v, want %v", i, res.Completed, wantComplete)
		}
	}

	// One score envelope per accepted check-in, numbs in order.
	events := h.sink.byTable(models.TableScoreLog)
	if len(events) != 3 {
		t.Fatalf("score envelopes = %d, want 3", len(events))
	}
	for i, env := range events {
		var ev models.ScoreEvent
		if err := env.DecodePayload(&ev); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if ev.Numb != i+1 {
			t.Errorf("event[%d].Numb = %d, want %d", i, ev.Numb, i+1)
		}
		if ev.After != ev.Before+int64(ev.Score) {
			t.Errorf("event[%d] balance mismatch", i)
		}
	}

	// Completion produces a customer message.
	if msgs := h.sink.byTable(models.TableCustomerMessage); len(msgs) != 1 {
		t.Errorf("completion messages = %d, want 1", len(msgs))
	}
}

func TestCheckInDuplicateWindow(t *testing.T) {
	h := newHarness(t, nil)

	h.window.bucket = 1
	res, err := h.svc.CheckIn(context.Background(), &SubmitRequest{UserID: 1})
	if err != nil || res.Outcome != OutcomeAccepted {
		t.Fatalf("first check-in = %v, %v", res, err)
	}

	// Same bucket: duplicate, no credit, no envelope.
	res, err = h.svc.CheckIn(context.Background(), &SubmitRequest{UserID: 1})
	if err != nil {
		t.Fatalf("duplicate CheckIn() error = %v", err)
	}
	if res.Outcome != OutcomeDuplicate {
		t.Errorf("outcome = %s, want duplicate", res.Outcome)
	}

	agg, _ := h.cache.ReadState(1)
	if agg.Score != 10 {
		t.Errorf("balance = %d, want 10 (duplicate not credited)", agg.Score)
	}
	if got := len(h.sink.byTable(models.TableScoreLog)); got != 1 {
		t.Errorf("score envelopes = %d, want 1", got)
	}
}

func TestCheckInDailyCap(t *testing.T) {
	h := newHarness(t, nil)

	for range 3 {
		checkIn(t, h, 1)
	}

	res := checkIn(t, h, 1)
	if res.Outcome != OutcomeCapped {
		t.Errorf("outcome = %s, want capped", res.Outcome)
	}
	if !res.Completed {
		t.Error("capped result not marked completed")
	}

	agg, _ := h.cache.ReadState(1)
	if agg.Score != 30 {
		t.Errorf("balance = %d, want 30", agg.Score)
	}
}

func TestCheckInChallenge(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Score.SuspiciousPositions = []int{2}
	})

	checkIn(t, h, 1)

	res := checkIn(t, h, 1)
	if res.Outcome != OutcomeChallenged {
		t.Fatalf("outcome = %s, want challenged", res.Outcome)
	}

	// The challenged attempt consumed neither the credit nor the position.
	agg, _ := h.cache.ReadState(1)
	if agg.Score != 10 {
		t.Errorf("balance = %d, want 10", agg.Score)
	}
	if got := h.svc.DailyCount(1, models.EventTypeCheckin); got != 1 {
		t.Errorf("daily count = %d, want 1", got)
	}
}

func TestCheckInChallengeRetryCredits(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Score.SuspiciousPositions = []int{2}
	})

	checkIn(t, h, 1)

	res := checkIn(t, h, 1)
	if res.Outcome != OutcomeChallenged {
		t.Fatalf("outcome = %s, want challenged", res.Outcome)
	}

	// The retry reproduces the challenged position and earns the credit.
	res = checkIn(t, h, 1)
	if res.Outcome != OutcomeAccepted {
		t.Fatalf("retry outcome = %s, want accepted", res.Outcome)
	}
	if res.Numb != 2 {
		t.Errorf("retry numb = %d, want 2", res.Numb)
	}
	if res.Balance != 20 {
		t.Errorf("retry balance = %d, want 20", res.Balance)
	}
}

func TestCheckInSpillIsPending(t *testing.T) {
	h := newHarness(t, nil)
	h.sink.spill = true

	res := checkIn(t, h, 1)
	if res.Outcome != OutcomeAcceptedPending {
		t.Errorf("outcome = %s, want accepted_pending", res.Outcome)
	}
	if res.Balance != 10 {
		t.Errorf("balance = %d, want 10 (credited despite spill)", res.Balance)
	}
}

func TestCheckInHandoffFailureRollsBack(t *testing.T) {
	h := newHarness(t, nil)
	h.sink.err = errors.New("channel and fallback both down")

	h.window.bucket = 1
	_, err := h.svc.CheckIn(context.Background(), &SubmitRequest{UserID: 1})
	if err == nil {
		t.Fatal("CheckIn() succeeded with handoff down")
	}

	agg, _ := h.cache.ReadState(1)
	if agg.Score != 0 {
		t.Errorf("balance = %d, want 0 (rolled back)", agg.Score)
	}
	if got := h.svc.DailyCount(1, models.EventTypeCheckin); got != 0 {
		t.Errorf("daily count = %d, want 0 (rolled back)", got)
	}
}

func TestCheckInFailsClosedOnWindowError(t *testing.T) {
	h := newHarness(t, nil)
	h.window.err = errors.New("token store down")

	if _, err := h.svc.CheckIn(context.Background(), &SubmitRequest{UserID: 1}); err == nil {
		t.Error("CheckIn() succeeded with window store down")
	}
}

func TestAddScoreIndependentCap(t *testing.T) {
	h := newHarness(t, nil)

	for range 3 {
		checkIn(t, h, 1)
	}

	// add_score has its own cap and reward.
	h.window.bucket++
	res, err := h.svc.AddScore(context.Background(), &SubmitRequest{UserID: 1})
	if err != nil {
		t.Fatalf("AddScore() error = %v", err)
	}
	if res.Outcome != OutcomeAccepted {
		t.Errorf("outcome = %s, want accepted", res.Outcome)
	}
	if res.Score != 5 {
		t.Errorf("score = %d, want 5", res.Score)
	}
	if res.Balance != 35 {
		t.Errorf("balance = %d, want 35", res.Balance)
	}
	if res.Numb != 1 {
		t.Errorf("numb = %d, want 1 (separate counter)", res.Numb)
	}
}

func TestStateSeedsFromLedger(t *testing.T) {
	h := newHarness(t, nil)
	h.reader.scores[7] = 120

	agg, err := h.svc.State(context.Background(), 7)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if agg.Score != 120 {
		t.Errorf("seeded balance = %d, want 120", agg.Score)
	}

	// Unknown user starts at zero.
	agg, err = h.svc.State(context.Background(), 8)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if agg.Score != 0 {
		t.Errorf("unknown user balance = %d, want 0", agg.Score)
	}
}

func TestSeededBalanceCarriesIntoCheckIn(t *testing.T) {
	h := newHarness(t, nil)
	h.reader.scores[9] = 50

	res := checkIn(t, h, 9)
	if res.Balance != 60 {
		t.Errorf("balance = %d, want 60 (50 seeded + 10)", res.Balance)
	}
}

func TestCalendarValidation(t *testing.T) {
	h := newHarness(t, nil)
	h.reader.calendar = []models.CalendarDayEntry{{UserID: 1, Year: 2026, Month: 9, Day: 1, Numb: 3, IsComplete: true}}

	entries, err := h.svc.Calendar(context.Background(), 1, 2026, 9)
	if err != nil {
		t.Fatalf("Calendar() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1", len(entries))
	}

	if _, err := h.svc.Calendar(context.Background(), 0, 2026, 9); err == nil {
		t.Error("Calendar() accepted zero user")
	}
	if _, err := h.svc.Calendar(context.Background(), 1, 2026, 13); err == nil {
		t.Error("Calendar() accepted month 13")
	}
}

func TestSubmitRejectsZeroUser(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.svc.CheckIn(context.Background(), &SubmitRequest{}); err == nil {
		t.Error("CheckIn() accepted zero user")
	}
}
