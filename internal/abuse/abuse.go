// Scorepipe - Daily Check-in Points Ledger
// Copyright 2026 Scorepipe Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scorepipe/scorepipe

// Package abuse implements the challenge heuristic for suspicious
// submission patterns. Certain daily action positions are flagged: when a
// user's Nth action of the day lands on a flagged position, the submission
// is challenged instead of credited, and the caller must have the client
// answer a verification round trip before retrying.
package abuse

import (
	"sync"
	"time"

	"github.com/scorepipe/scorepipe/internal/logging"
	"github.com/scorepipe/scorepipe/internal/metrics"
)

// challengeTTL bounds how long an issued challenge stays answerable. A
// flagged position from yesterday no longer vouches for today's attempt.
const challengeTTL = 24 * time.Hour

// Verdict is the heuristic's decision for one submission.
type Verdict int

const (
	// Allow lets the submission proceed.
	Allow Verdict = iota
	// Challenge requires client verification before the action is credited.
	Challenge
)

func (v Verdict) String() string {
	if v == Challenge {
		return "challenge"
	}
	return "allow"
}

type challengeKey struct {
	userID   int64
	position int
}

// Evaluator decides whether a submission position looks suspicious. It
// remembers each challenge it issues: a user who comes back to the same
// position has answered the verification round trip and is let through.
type Evaluator struct {
	positions map[int]struct{}

	mu     sync.Mutex
	issued map[challengeKey]time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewEvaluator creates an evaluator challenging the given daily action
// positions. An empty list disables the heuristic entirely.
func NewEvaluator(positions []int) *Evaluator {
	set := make(map[int]struct{}, len(positions))
	for _, p := range positions {
		if p > 0 {
			set[p] = struct{}{}
		}
	}
	return &Evaluator{
		positions: set,
		issued:    make(map[challengeKey]time.Time),
		now:       time.Now,
	}
}

// Evaluate returns the verdict for a user attempting their Nth action of
// the day. position counts the attempt itself: the first action of the day
// evaluates with position 1. The first landing on a flagged position is
// challenged and recorded; reproducing the same position before the record
// expires is allowed.
func (e *Evaluator) Evaluate(userID int64, position int) Verdict {
	if len(e.positions) == 0 {
		return Allow
	}
	if _, hit := e.positions[position]; !hit {
		return Allow
	}

	key := challengeKey{userID: userID, position: position}
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if expiry, ok := e.issued[key]; ok {
		if now.Before(expiry) {
			logging.Info().
				Int64("user_id", userID).
				Int("position", position).
				Msg("challenge answered, submission allowed")
			return Allow
		}
		delete(e.issued, key)
	}

	e.issued[key] = now.Add(challengeTTL)
	e.purgeExpiredLocked(now)

	metrics.AbuseChallenges.Inc()
	logging.Info().
		Int64("user_id", userID).
		Int("position", position).
		Msg("submission challenged")
	return Challenge
}

// purgeExpiredLocked drops stale records so the map tracks only open
// challenges. Caller holds mu.
func (e *Evaluator) purgeExpiredLocked(now time.Time) {
	for k, expiry := range e.issued {
		if !now.Before(expiry) {
			delete(e.issued, k)
		}
	}
}

// Enabled reports whether any positions are flagged.
func (e *Evaluator) Enabled() bool {
	return len(e.positions) > 0
}
