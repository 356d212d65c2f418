// Scorepipe - Daily Check-in Points Ledger
// Copyright 2026 Scorepipe Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scorepipe/scorepipe

// Package cache holds the live aggregate state of the pipeline: per-user
// score balances and per-day action counters. It answers reads immediately
// while the durable ledger catches up asynchronously.
//
// The cache is a projection, not the source of truth. On a publish failure
// the ledger writers may briefly lag it; the fallback retrier closes that
// gap. Balances are seeded from the ledger on first read.
package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/scorepipe/scorepipe/internal/metrics"
	"github.com/scorepipe/scorepipe/internal/models"
)

const shardCount = 32

// AggregateCache is a thread-safe in-memory view of user score state.
//
// Balances are sharded by user ID to spread lock contention across
// concurrent submissions. Daily counters live in a single expiring map,
// cleaned up in the background.
type AggregateCache struct {
	shards [shardCount]*shard

	countersMu sync.RWMutex
	counters   map[string]counterEntry
	counterTTL time.Duration

	stats Stats

	stop     chan struct{}
	stopOnce sync.Once
}

type shard struct {
	mu     sync.RWMutex
	states map[int64]*models.UserAggregate
}

type counterEntry struct {
	count     int
	expiresAt time.Time
}

// Stats tracks cache performance counters.
type Stats struct {
	mu        sync.RWMutex
	Hits      int64
	Misses    int64
	Users     int64
	Counters  int64
	LastSweep time.Time
}

// New creates an aggregate cache. counterTTL is the natural expiry of
// per-day action counters; a day's counter disappears on its own even if
// the sweeper never sees it roll over.
func New(counterTTL time.Duration) *AggregateCache {
	c := &AggregateCache{
		counters:   make(map[string]counterEntry),
		counterTTL: counterTTL,
		stop:       make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard{states: make(map[int64]*models.UserAggregate)}
	}

	go c.sweepLoop()

	return c
}

// Close stops the background sweeper.
func (c *AggregateCache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *AggregateCache) shardFor(userID int64) *shard {
	return c.shards[uint64(userID)%shardCount]
}

// ReadState returns a copy of the user's aggregate, or false when the user
// has never been seeded.
func (c *AggregateCache) ReadState(userID int64) (models.UserAggregate, bool) {
	s := c.shardFor(userID)
	s.mu.RLock()
	agg, ok := s.states[userID]
	var snapshot models.UserAggregate
	if ok {
		snapshot = *agg
	}
	s.mu.RUnlock()

	if !ok {
		c.recordMiss()
		metrics.CacheMisses.Inc()
		return models.UserAggregate{}, false
	}
	c.recordHit()
	metrics.CacheHits.Inc()
	return snapshot, true
}

// Seed installs a balance read from the ledger. It is a no-op when the user
// is already present, so a slow ledger read never clobbers deltas applied
// while it was in flight.
func (c *AggregateCache) Seed(userID, score int64) {
	s := c.shardFor(userID)
	s.mu.Lock()
	if _, ok := s.states[userID]; !ok {
		s.states[userID] = &models.UserAggregate{
			UserID:    userID,
			Score:     score,
			UpdatedAt: time.Now(),
		}
	}
	s.mu.Unlock()

	c.refreshUserCount()
}

// ApplyDelta atomically applies a score delta and returns the balance
// before and after. An unseeded user starts from zero.
func (c *AggregateCache) ApplyDelta(userID int64, delta int64) (before, after int64) {
	s := c.shardFor(userID)
	s.mu.Lock()
	agg, ok := s.states[userID]
	if !ok {
		agg = &models.UserAggregate{UserID: userID}
		s.states[userID] = agg
	}
	before = agg.Score
	agg.Score += delta
	agg.Version++
	agg.UpdatedAt = time.Now()
	after = agg.Score
	s.mu.Unlock()

	if !ok {
		c.refreshUserCount()
	}
	return before, after
}

// counterKey mirrors the per-day counter key shape used by the rest of the
// system: user_<event>:<id>:<date>.
func counterKey(userID int64, eventType, day string) string {
	return fmt.Sprintf("user_%s:%d:%s", eventType, userID, day)
}

// IncrDaily increments the user's action counter for the given day and
// returns the new count. The counter expires after the configured TTL.
func (c *AggregateCache) IncrDaily(userID int64, eventType, day string) int {
	key := counterKey(userID, eventType, day)
	now := time.Now()

	c.countersMu.Lock()
	defer c.countersMu.Unlock()

	entry, ok := c.counters[key]
	if !ok || now.After(entry.expiresAt) {
		entry = counterEntry{expiresAt: now.Add(c.counterTTL)}
	}
	entry.count++
	c.counters[key] = entry
	return entry.count
}

// DailyCount returns the user's action count for the given day, 0 when the
// counter is absent or expired.
func (c *AggregateCache) DailyCount(userID int64, eventType, day string) int {
	key := counterKey(userID, eventType, day)

	c.countersMu.RLock()
	entry, ok := c.counters[key]
	c.countersMu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return 0
	}
	return entry.count
}

// UndoDaily decrements a counter after a submission that was counted but
// ultimately not accepted. Never goes below zero.
func (c *AggregateCache) UndoDaily(userID int64, eventType, day string) {
	key := counterKey(userID, eventType, day)

	c.countersMu.Lock()
	defer c.countersMu.Unlock()

	entry, ok := c.counters[key]
	if !ok || entry.count == 0 {
		return
	}
	entry.count--
	c.counters[key] = entry
}

// GetStats returns a snapshot of the cache counters.
func (c *AggregateCache) GetStats() Stats {
	c.stats.mu.RLock()
	defer c.stats.mu.RUnlock()

	return Stats{
		Hits:      c.stats.Hits,
		Misses:    c.stats.Misses,
		Users:     c.stats.Users,
		Counters:  c.stats.Counters,
		LastSweep: c.stats.LastSweep,
	}
}

// HitRate returns the balance read hit rate as a percentage.
func (c *AggregateCache) HitRate() float64 {
	stats := c.GetStats()
	total := stats.Hits + stats.Misses
	if total == 0 {
		return 0.0
	}
	return float64(stats.Hits) / float64(total) * 100.0
}

func (c *AggregateCache) sweepLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

// sweep drops expired daily counters.
func (c *AggregateCache) sweep() {
	now := time.Now()

	c.countersMu.Lock()
	for key, entry := range c.counters {
		if now.After(entry.expiresAt) {
			delete(c.counters, key)
		}
	}
	remaining := int64(len(c.counters))
	c.countersMu.Unlock()

	c.stats.mu.Lock()
	c.stats.Counters = remaining
	c.stats.LastSweep = now
	c.stats.mu.Unlock()
}

func (c *AggregateCache) refreshUserCount() {
	var total int64
	for _, s := range c.shards {
		s.mu.RLock()
		total += int64(len(s.states))
		s.mu.RUnlock()
	}

	c.stats.mu.Lock()
	c.stats.Users = total
	c.stats.mu.Unlock()
}

func (c *AggregateCache) recordHit() {
	c.stats.mu.Lock()
	c.stats.Hits++
	c.stats.mu.Unlock()
}

func (c *AggregateCache) recordMiss() {
	c.stats.mu.Lock()
	c.stats.Misses++
	c.stats.mu.Unlock()
}

// DayKey formats a time as the per-day counter date component.
func DayKey(t time.Time) string {
	return t.Format("2006-01-02")
}
