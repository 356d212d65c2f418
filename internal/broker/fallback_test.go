// Scorepipe - Daily Check-in Points Ledger
// Copyright 2026 Scorepipe Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scorepipe/scorepipe

package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/scorepipe/scorepipe/internal/models"
)

type fakePublisher struct {
	failing   bool
	published []*models.QueueEnvelope
	msgIDs    []string
}

func (f *fakePublisher) PublishEnvelope(_ context.Context, env *models.QueueEnvelope, msgID string) error {
	if f.failing {
		return errors.New("channel unavailable")
	}
	f.published = append(f.published, env)
	f.msgIDs = append(f.msgIDs, msgID)
	return nil
}

type fakeFallbackStore struct {
	records    []models.FallbackLogRecord
	nextID     int64
	insertErr  error
	markedDone []int64
}

func (f *fakeFallbackStore) InsertFallback(_ context.Context, recordType string, userID int64, payload []byte) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.nextID++
	f.records = append(f.records, models.FallbackLogRecord{
		ID:        f.nextID,
		UserID:    userID,
		Type:      recordType,
		Payload:   payload,
		Status:    models.FallbackPending,
		CreatedAt: time.Now().Unix(),
	})
	return nil
}

func (f *fakeFallbackStore) PendingFallback(_ context.Context, limit int) ([]models.FallbackLogRecord, error) {
	var pending []models.FallbackLogRecord
	for _, r := range f.records {
		if r.Status == models.FallbackPending {
			pending = append(pending, r)
			if len(pending) == limit {
				break
			}
		}
	}
	return pending, nil
}

func (f *fakeFallbackStore) MarkFallbackProcessed(_ context.Context, id int64) error {
	for i := range f.records {
		if f.records[i].ID == id {
			f.records[i].Status = models.FallbackProcessed
			f.markedDone = append(f.markedDone, id)
			return nil
		}
	}
	return errors.New("record not found")
}

func (f *fakeFallbackStore) CountPendingFallback(_ context.Context) (int64, error) {
	var n int64
	for _, r := range f.records {
		if r.Status == models.FallbackPending {
			n++
		}
	}
	return n, nil
}

func testEnvelope(t *testing.T, userID int64) *models.QueueEnvelope {
	t.Helper()
	env, err := models.NewEnvelope(models.OperationInsert, models.TableScoreLog, userID,
		map[string]int64{"user_id": userID})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	return env
}

func TestSubjectForTable(t *testing.T) {
	tests := []struct {
		table string
		want  string
	}{
		{models.TableScoreLog, SubjectScoreEvents},
		{models.TableUserLog, SubjectOpsLog},
		{models.TableDeviceLog, SubjectDeviceLog},
		{models.TableCustomerMessage, SubjectCustomerMessage},
		{"unknown_table", ""},
	}
	for _, tt := range tests {
		if got := SubjectForTable(tt.table); got != tt.want {
			t.Errorf("SubjectForTable(%q) = %q, want %q", tt.table, got, tt.want)
		}
	}
}

func TestFallbackPublisherHappyPath(t *testing.T) {
	pub := &fakePublisher{}
	store := &fakeFallbackStore{}
	fp := NewFallbackPublisher(pub, store)

	if err := fp.PublishEnvelope(context.Background(), testEnvelope(t, 1), "tok-1"); err != nil {
		t.Fatalf("PublishEnvelope() error = %v", err)
	}
	if len(pub.published) != 1 {
		t.Errorf("published = %d, want 1", len(pub.published))
	}
	if len(store.records) != 0 {
		t.Errorf("fallback records = %d, want 0", len(store.records))
	}
}

func TestFallbackPublisherSpillsOnFailure(t *testing.T) {
	pub := &fakePublisher{failing: true}
	store := &fakeFallbackStore{}
	fp := NewFallbackPublisher(pub, store)

	if err := fp.PublishEnvelope(context.Background(), testEnvelope(t, 2), "tok-2"); err != nil {
		t.Fatalf("PublishEnvelope() error = %v, want nil (spilled to fallback)", err)
	}
	if len(store.records) != 1 {
		t.Fatalf("fallback records = %d, want 1", len(store.records))
	}
	if store.records[0].Type != SubjectScoreEvents {
		t.Errorf("record type = %q, want %q", store.records[0].Type, SubjectScoreEvents)
	}
	if store.records[0].UserID != 2 {
		t.Errorf("record user = %d, want 2", store.records[0].UserID)
	}

	// The spilled payload round-trips to the original envelope.
	env, err := models.UnmarshalEnvelope(store.records[0].Payload)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope() error = %v", err)
	}
	if env.UserID != 2 || env.Table != models.TableScoreLog {
		t.Errorf("spilled envelope = %+v", env)
	}
}

func TestFallbackPublisherBothFail(t *testing.T) {
	pub := &fakePublisher{failing: true}
	store := &fakeFallbackStore{insertErr: errors.New("database down")}
	fp := NewFallbackPublisher(pub, store)

	if err := fp.PublishEnvelope(context.Background(), testEnvelope(t, 3), "tok-3"); err == nil {
		t.Error("PublishEnvelope() succeeded with both channel and fallback down")
	}
}

func TestFallbackRetrierDrains(t *testing.T) {
	// Spill three envelopes, then recover the channel and drain.
	failing := &fakePublisher{failing: true}
	store := &fakeFallbackStore{}
	fp := NewFallbackPublisher(failing, store)

	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		if err := fp.PublishEnvelope(ctx, testEnvelope(t, i), "tok"); err != nil {
			t.Fatalf("spill #%d error = %v", i, err)
		}
	}

	recovered := &fakePublisher{}
	retrier := NewFallbackRetrier(recovered, store, time.Second, 10)

	if err := retrier.DrainOnce(ctx); err != nil {
		t.Fatalf("DrainOnce() error = %v", err)
	}

	if len(recovered.published) != 3 {
		t.Errorf("republished = %d, want 3", len(recovered.published))
	}
	// Replay preserves submission order.
	for i, env := range recovered.published {
		if env.UserID != int64(i+1) {
			t.Errorf("replay[%d].UserID = %d, want %d", i, env.UserID, i+1)
		}
	}

	count, _ := store.CountPendingFallback(ctx)
	if count != 0 {
		t.Errorf("pending after drain = %d, want 0", count)
	}
}

func TestFallbackRetrierStopsOnPublishFailure(t *testing.T) {
	failing := &fakePublisher{failing: true}
	store := &fakeFallbackStore{}
	fp := NewFallbackPublisher(failing, store)

	ctx := context.Background()
	for i := int64(1); i <= 2; i++ {
		if err := fp.PublishEnvelope(ctx, testEnvelope(t, i), "tok"); err != nil {
			t.Fatalf("spill error = %v", err)
		}
	}

	retrier := NewFallbackRetrier(failing, store, time.Second, 10)
	if err := retrier.DrainOnce(ctx); err == nil {
		t.Error("DrainOnce() succeeded with channel still down")
	}

	count, _ := store.CountPendingFallback(ctx)
	if count != 2 {
		t.Errorf("pending = %d, want 2 (nothing marked processed)", count)
	}
}

func TestFallbackRetrierSkipsUnreadableRecord(t *testing.T) {
	store := &fakeFallbackStore{}
	_ = store.InsertFallback(context.Background(), SubjectScoreEvents, 1, []byte("not json"))

	pub := &fakePublisher{}
	retrier := NewFallbackRetrier(pub, store, time.Second, 10)

	if err := retrier.DrainOnce(context.Background()); err != nil {
		t.Fatalf("DrainOnce() error = %v", err)
	}
	count, _ := store.CountPendingFallback(context.Background())
	if count != 0 {
		t.Errorf("pending = %d, want 0 (unreadable record skipped)", count)
	}
	if len(pub.published) != 0 {
		t.Errorf("published = %d, want 0", len(pub.published))
	}
}
