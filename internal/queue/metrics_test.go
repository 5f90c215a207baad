package queue

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/email-relay/internal/mail"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestPauseResumeGlobal(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	store := New(db, setupTestRedis(t))
	ctx := context.Background()

	if store.Paused(ctx, mail.PriorityNormal) {
		t.Fatal("fresh store should not be paused")
	}

	if err := store.Pause(ctx, ""); err != nil {
		t.Fatalf("pause: %v", err)
	}
	// Global pause covers every lane
	for _, lane := range mail.Lanes() {
		if !store.Paused(ctx, lane) {
			t.Errorf("lane %s should be paused globally", lane)
		}
	}

	if err := store.Resume(ctx, ""); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if store.Paused(ctx, mail.PriorityNormal) {
		t.Error("resume did not clear the global flag")
	}
}

func TestPauseSingleLane(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	store := New(db, setupTestRedis(t))
	ctx := context.Background()

	if err := store.Pause(ctx, mail.PriorityLow); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !store.Paused(ctx, mail.PriorityLow) {
		t.Error("low lane should be paused")
	}
	if store.Paused(ctx, mail.PriorityCritical) {
		t.Error("critical lane should not be paused")
	}

	if err := store.Resume(ctx, mail.PriorityLow); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if store.Paused(ctx, mail.PriorityLow) {
		t.Error("resume did not clear the lane flag")
	}
}

func TestPauseLocalFallback(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	// No Redis: pause state is process-local but still honored
	store := New(db, nil)
	ctx := context.Background()

	if err := store.Pause(ctx, mail.PriorityHigh); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !store.Paused(ctx, mail.PriorityHigh) {
		t.Error("local pause flag not honored")
	}
	if err := store.Resume(ctx, mail.PriorityHigh); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if store.Paused(ctx, mail.PriorityHigh) {
		t.Error("local resume not honored")
	}
}

func TestRecordOutcomeCounters(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	rdb := setupTestRedis(t)
	store := New(db, rdb)
	ctx := context.Background()

	store.RecordOutcome(ctx, mail.PriorityHigh, "completed")
	store.RecordOutcome(ctx, mail.PriorityHigh, "completed")
	store.RecordOutcome(ctx, mail.PriorityHigh, "failed_attempts")

	n, err := rdb.Get(ctx, "relay:stats:high:completed").Int64()
	if err != nil || n != 2 {
		t.Errorf("completed counter = %d (%v), want 2", n, err)
	}
	n, err = rdb.Get(ctx, "relay:stats:high:failed_attempts").Int64()
	if err != nil || n != 1 {
		t.Errorf("failed_attempts counter = %d (%v), want 1", n, err)
	}
}

func TestMetricsComputesRates(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	store := New(db, nil)

	rows := sqlmock.NewRows([]string{"lane", "waiting", "delayed", "active", "completed", "skipped", "failed"}).
		AddRow("critical", 2, 0, 1, 90, 3, 10).
		AddRow("low", 5, 7, 0, 0, 0, 0)
	mock.ExpectQuery("SELECT lane").WillReturnRows(rows)

	metrics, err := store.Metrics(context.Background())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	crit := metrics[mail.PriorityCritical]
	if crit.Waiting != 2 || crit.Active != 1 || crit.Completed != 90 || crit.Failed != 10 {
		t.Errorf("critical = %+v", crit)
	}
	if crit.FailureRate != 0.1 {
		t.Errorf("failure rate = %f, want 0.1", crit.FailureRate)
	}

	low := metrics[mail.PriorityLow]
	if low.Delayed != 7 || low.FailureRate != 0 {
		t.Errorf("low = %+v", low)
	}

	// Lanes with no rows still appear with zero counts
	if _, ok := metrics[mail.PriorityNormal]; !ok {
		t.Error("normal lane missing from metrics")
	}
}
