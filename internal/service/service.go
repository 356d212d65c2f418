// Scorepipe - Daily Check-in Points Ledger
// Copyright 2026 Scorepipe Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scorepipe/scorepipe

// Package service orchestrates the request path: idempotency admission,
// daily cap, abuse heuristic, live cache update, and asynchronous handoff
// to the ledger through the event channel.
//
// The client's response is computed entirely from the cache; the ledger
// writers catch up behind the published envelopes.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scorepipe/scorepipe/internal/abuse"
	"github.com/scorepipe/scorepipe/internal/broker"
	"github.com/scorepipe/scorepipe/internal/cache"
	"github.com/scorepipe/scorepipe/internal/config"
	"github.com/scorepipe/scorepipe/internal/idempotency"
	"github.com/scorepipe/scorepipe/internal/ledger"
	"github.com/scorepipe/scorepipe/internal/logging"
	"github.com/scorepipe/scorepipe/internal/metrics"
	"github.com/scorepipe/scorepipe/internal/models"
)

// Outcome classifies a submission's result.
type Outcome string

const (
	// OutcomeAccepted: credited and handed to the durable channel.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeAcceptedPending: credited, but the envelope sits in the
	// fallback log until the channel recovers.
	OutcomeAcceptedPending Outcome = "accepted_pending"
	// OutcomeDuplicate: rejected by the idempotency window.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeCapped: the daily action cap is already reached.
	OutcomeCapped Outcome = "capped"
	// OutcomeChallenged: the abuse heuristic requires client verification.
	OutcomeChallenged Outcome = "challenged"
)

// SubmitRequest is one score-earning submission.
type SubmitRequest struct {
	UserID   int64
	DeviceID string
	Platform string
	IP       string
}

// SubmitResult reports what a submission did.
type SubmitResult struct {
	Outcome Outcome

	// Score is the points credited (0 unless accepted).
	Score int

	// Balance is the live balance after the submission.
	Balance int64

	// Numb is the position of this action within the day.
	Numb int

	// Completed is true once today's quota is reached.
	Completed bool
}

// AdmissionWindow is the idempotency surface the service depends on.
type AdmissionWindow interface {
	Admit(ctx context.Context, subject string, userID int64) (string, error)
}

// LedgerReader is the read-only ledger surface for cache seeding and
// calendar queries.
type LedgerReader interface {
	GetUserScore(ctx context.Context, userID int64) (int64, error)
	GetCalendarMonth(ctx context.Context, userID int64, year, month int) ([]models.CalendarDayEntry, error)
}

// EnvelopeSink accepts envelopes for asynchronous ledger delivery.
type EnvelopeSink interface {
	PublishOrSpill(ctx context.Context, env *models.QueueEnvelope, msgID string) (bool, error)
}

// Service is the score pipeline request path.
type Service struct {
	cfg       *config.Config
	window    AdmissionWindow
	cache     *cache.AggregateCache
	evaluator *abuse.Evaluator
	sink      EnvelopeSink
	reader    LedgerReader

	// now is swappable for tests.
	now func() time.Time
}

// New creates the service.
func New(cfg *config.Config, window AdmissionWindow, c *cache.AggregateCache, evaluator *abuse.Evaluator, sink EnvelopeSink, reader LedgerReader) *Service {
	return &Service{
		cfg:       cfg,
		window:    window,
		cache:     c,
		evaluator: evaluator,
		sink:      sink,
		reader:    reader,
		now:       time.Now,
	}
}

// CheckIn handles one daily check-in submission.
func (s *Service) CheckIn(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	return s.submit(ctx, req, models.EventTypeCheckin)
}

// AddScore handles one bonus score submission.
func (s *Service) AddScore(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	return s.submit(ctx, req, models.EventTypeAddScore)
}

// submit runs the shared admission and credit flow.
func (s *Service) submit(ctx context.Context, req *SubmitRequest, eventType string) (*SubmitResult, error) {
	if req.UserID == 0 {
		return nil, &models.ValidationError{Field: "user_id", Message: "required"}
	}

	now := s.now()
	day := cache.DayKey(now)
	quota := s.cfg.QuotaFor(eventType)
	reward := s.cfg.RewardFor(eventType)

	// Idempotency first: a duplicate burns no cap slot and no token.
	token, err := s.window.Admit(ctx, eventType, req.UserID)
	if err != nil {
		if errors.Is(err, idempotency.ErrDuplicate) {
			return &SubmitResult{Outcome: OutcomeDuplicate}, nil
		}
		// Window store unavailable: fail closed.
		return nil, fmt.Errorf("admission: %w", err)
	}

	// Daily cap.
	if quota > 0 && s.cache.DailyCount(req.UserID, eventType, day) >= quota {
		metrics.DailyCapRejections.WithLabelValues(eventType).Inc()
		return &SubmitResult{Outcome: OutcomeCapped, Numb: quota, Completed: true}, nil
	}

	// Claim the day position, then let the abuse heuristic look at it.
	position := s.cache.IncrDaily(req.UserID, eventType, day)
	if s.evaluator.Evaluate(req.UserID, position) == abuse.Challenge {
		// The challenged attempt does not consume the position.
		s.cache.UndoDaily(req.UserID, eventType, day)
		return &SubmitResult{Outcome: OutcomeChallenged, Numb: position - 1}, nil
	}

	s.ensureSeeded(ctx, req.UserID)
	before, after := s.cache.ApplyDelta(req.UserID, int64(reward))

	ev := models.NewScoreEvent(req.UserID, eventType, now)
	ev.Score = reward
	ev.Numb = position
	ev.Before = before
	ev.After = after
	ev.Memo = fmt.Sprintf("%s #%d", eventType, position)
	ev.UniqueRandom = token

	spilled, err := s.publishScoreEvent(ctx, ev, token)
	if err != nil {
		// Channel and fallback both down: undo the credit so the cache
		// never diverges from a ledger that will not catch up.
		s.cache.ApplyDelta(req.UserID, -int64(reward))
		s.cache.UndoDaily(req.UserID, eventType, day)
		return nil, fmt.Errorf("hand off score event: %w", err)
	}

	completed := quota > 0 && position >= quota
	s.publishSideEffects(ctx, req, ev, completed)

	outcome := OutcomeAccepted
	if spilled {
		outcome = OutcomeAcceptedPending
	}
	return &SubmitResult{
		Outcome:   outcome,
		Score:     reward,
		Balance:   after,
		Numb:      position,
		Completed: completed,
	}, nil
}

func (s *Service) publishScoreEvent(ctx context.Context, ev *models.ScoreEvent, token string) (bool, error) {
	env, err := models.NewEnvelope(models.OperationInsert, models.TableScoreLog, ev.UserID, ev)
	if err != nil {
		return false, fmt.Errorf("build envelope: %w", err)
	}
	return s.sink.PublishOrSpill(ctx, env, token)
}

// publishSideEffects hands off the audit, device, and completion records.
// These are best effort: a failure is logged but never unwinds an already
// accepted submission.
func (s *Service) publishSideEffects(ctx context.Context, req *SubmitRequest, ev *models.ScoreEvent, completed bool) {
	opsEnv, err := models.NewEnvelope(models.OperationInsert, models.TableUserLog, req.UserID, &models.OpsLogEntry{
		UserID:     req.UserID,
		Action:     ev.Type,
		Detail:     ev.Memo,
		IP:         req.IP,
		CreateTime: ev.CreateTime,
	})
	if err == nil {
		if _, err := s.sink.PublishOrSpill(ctx, opsEnv, ev.UniqueRandom+"-ops"); err != nil {
			logger := logging.Ctx(ctx)
			logger.Warn().Err(err).Int64("user_id", req.UserID).Msg("ops log handoff failed")
		}
	}

	if req.DeviceID != "" {
		devEnv, err := models.NewEnvelope(models.OperationInsert, models.TableDeviceLog, req.UserID, &models.DeviceLogEntry{
			UserID:     req.UserID,
			DeviceID:   req.DeviceID,
			Platform:   req.Platform,
			IP:         req.IP,
			CreateTime: ev.CreateTime,
		})
		if err == nil {
			if _, err := s.sink.PublishOrSpill(ctx, devEnv, ev.UniqueRandom+"-device"); err != nil {
				logger := logging.Ctx(ctx)
				logger.Warn().Err(err).Int64("user_id", req.UserID).Msg("device log handoff failed")
			}
		}
	}

	if completed {
		msgEnv, err := models.NewEnvelope(models.OperationInsert, models.TableCustomerMessage, req.UserID, &models.CustomerMessage{
			UserID:     req.UserID,
			Title:      "Daily goal reached",
			Content:    fmt.Sprintf("You finished all %d actions for today.", ev.Numb),
			CreateTime: ev.CreateTime,
		})
		if err == nil {
			if _, err := s.sink.PublishOrSpill(ctx, msgEnv, ev.UniqueRandom+"-message"); err != nil {
				logger := logging.Ctx(ctx)
				logger.Warn().Err(err).Int64("user_id", req.UserID).Msg("completion message handoff failed")
			}
		}
	}
}

// ensureSeeded loads the durable balance into the cache on first contact.
func (s *Service) ensureSeeded(ctx context.Context, userID int64) {
	if _, ok := s.cache.ReadState(userID); ok {
		return
	}
	score, err := s.reader.GetUserScore(ctx, userID)
	if err != nil {
		if !errors.Is(err, ledger.ErrUserNotFound) {
			logger := logging.Ctx(ctx)
			logger.Warn().Err(err).Int64("user_id", userID).Msg("balance seed read failed, starting from zero")
		}
		score = 0
	}
	s.cache.Seed(userID, score)
}

// State returns the live aggregate for a user, seeding from the ledger when
// the cache has no entry yet.
func (s *Service) State(ctx context.Context, userID int64) (*models.UserAggregate, error) {
	if userID == 0 {
		return nil, &models.ValidationError{Field: "user_id", Message: "required"}
	}

	if agg, ok := s.cache.ReadState(userID); ok {
		return &agg, nil
	}

	s.ensureSeeded(ctx, userID)
	agg, _ := s.cache.ReadState(userID)
	return &agg, nil
}

// Calendar returns the check-in calendar for one user month.
func (s *Service) Calendar(ctx context.Context, userID int64, year, month int) ([]models.CalendarDayEntry, error) {
	if userID == 0 {
		return nil, &models.ValidationError{Field: "user_id", Message: "required"}
	}
	if month < 1 || month > 12 {
		return nil, &models.ValidationError{Field: "month", Message: "out of range"}
	}
	return s.reader.GetCalendarMonth(ctx, userID, year, month)
}

// DailyCount returns the user's action count so far today.
func (s *Service) DailyCount(userID int64, eventType string) int {
	return s.cache.DailyCount(userID, eventType, cache.DayKey(s.now()))
}

var _ EnvelopeSink = (*broker.FallbackPublisher)(nil)
