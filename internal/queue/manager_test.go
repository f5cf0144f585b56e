package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/models"
)

func newTestManager(t *testing.T, cfg *common.QueueConfig) *Manager {
	t.Helper()

	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	if cfg == nil {
		cfg = &common.QueueConfig{
			PollInterval:      common.Duration(10 * time.Millisecond),
			Concurrency:       1,
			VisibilityTimeout: common.Duration(time.Minute),
			MaxReceive:        3,
		}
	}

	mgr, err := NewManager(db, "test-queue", cfg, arbor.NewLogger())
	if err != nil {
		t.Fatal(err)
	}
	return mgr
}

func mustMessage(t *testing.T, jobID, url string) models.QueueMessage {
	t.Helper()
	msg, err := models.NewJobMessage(jobID, models.QueueParseListings, url, "test")
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestEnqueueReceiveDelete(t *testing.T) {
	mgr := newTestManager(t, nil)
	ctx := context.Background()

	msg := mustMessage(t, "job-1", "https://example.com/ad/1")
	if err := mgr.Enqueue(ctx, msg, ""); err != nil {
		t.Fatal(err)
	}

	got, deleteFn, err := mgr.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if got.JobID != "job-1" {
		t.Fatalf("wrong message: %+v", got)
	}

	if err := deleteFn(); err != nil {
		t.Fatal(err)
	}

	if _, _, err := mgr.Receive(ctx); !errors.Is(err, models.ErrNoMessage) {
		t.Fatalf("expected empty queue, got %v", err)
	}
}

func TestReceiveEmptyQueue(t *testing.T) {
	mgr := newTestManager(t, nil)

	if _, _, err := mgr.Receive(context.Background()); !errors.Is(err, models.ErrNoMessage) {
		t.Fatalf("expected ErrNoMessage, got %v", err)
	}
}

func TestDedupRejectsWhileOutstanding(t *testing.T) {
	mgr := newTestManager(t, nil)
	ctx := context.Background()

	url := "https://example.com/ad/2"
	if err := mgr.Enqueue(ctx, mustMessage(t, "job-a", url), url); err != nil {
		t.Fatal(err)
	}

	err := mgr.Enqueue(ctx, mustMessage(t, "job-b", url), url)
	if !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("expected ErrDuplicateMessage, got %v", err)
	}

	// Acknowledging the first message releases the dedup claim
	_, deleteFn, err := mgr.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := deleteFn(); err != nil {
		t.Fatal(err)
	}

	if err := mgr.Enqueue(ctx, mustMessage(t, "job-c", url), url); err != nil {
		t.Fatalf("dedup claim not released after delete: %v", err)
	}
}

func TestVisibilityTimeoutRedelivers(t *testing.T) {
	cfg := &common.QueueConfig{
		PollInterval:      common.Duration(10 * time.Millisecond),
		Concurrency:       1,
		VisibilityTimeout: common.Duration(50 * time.Millisecond),
		MaxReceive:        3,
	}
	mgr := newTestManager(t, cfg)
	ctx := context.Background()

	if err := mgr.Enqueue(ctx, mustMessage(t, "job-1", "https://example.com/ad/3"), ""); err != nil {
		t.Fatal(err)
	}

	// Receive without acknowledging
	if _, _, err := mgr.Receive(ctx); err != nil {
		t.Fatal(err)
	}

	// Invisible while the timeout runs
	if _, _, err := mgr.Receive(ctx); !errors.Is(err, models.ErrNoMessage) {
		t.Fatalf("message visible during timeout: %v", err)
	}

	time.Sleep(80 * time.Millisecond)

	got, deleteFn, err := mgr.Receive(ctx)
	if err != nil {
		t.Fatalf("message not redelivered: %v", err)
	}
	if got.JobID != "job-1" {
		t.Fatalf("wrong redelivered message: %+v", got)
	}
	if err := deleteFn(); err != nil {
		t.Fatal(err)
	}
}

func TestPoisonPillMovesToFailedSet(t *testing.T) {
	cfg := &common.QueueConfig{
		PollInterval:      common.Duration(10 * time.Millisecond),
		Concurrency:       1,
		VisibilityTimeout: common.Duration(10 * time.Millisecond),
		MaxReceive:        2,
	}
	mgr := newTestManager(t, cfg)
	ctx := context.Background()

	url := "https://example.com/ad/4"
	if err := mgr.Enqueue(ctx, mustMessage(t, "poison", url), url); err != nil {
		t.Fatal(err)
	}

	// Exhaust the receive budget without acknowledging
	for i := 0; i < cfg.MaxReceive; i++ {
		if _, _, err := mgr.Receive(ctx); err != nil {
			t.Fatalf("receive %d failed: %v", i, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// The next receive moves it to the failed set instead of delivering
	if _, _, err := mgr.Receive(ctx); !errors.Is(err, models.ErrNoMessage) {
		t.Fatalf("poison pill still delivered: %v", err)
	}

	stats, err := mgr.GetStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Failed != 1 {
		t.Fatalf("expected 1 failed message, got %+v", stats)
	}
	if stats.Pending != 0 || stats.InFlight != 0 {
		t.Fatalf("poison pill still counted as live: %+v", stats)
	}

	// The dedup claim is released with the drop
	if err := mgr.Enqueue(ctx, mustMessage(t, "retry", url), url); err != nil {
		t.Fatalf("dedup not released after failure: %v", err)
	}
}

func TestEnqueueDelayedInvisibleUntilDue(t *testing.T) {
	mgr := newTestManager(t, nil)
	ctx := context.Background()

	msg := mustMessage(t, "delayed", "https://example.com/ad/5")
	if err := mgr.EnqueueDelayed(ctx, msg, "", 60*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	if _, _, err := mgr.Receive(ctx); !errors.Is(err, models.ErrNoMessage) {
		t.Fatalf("delayed message visible early: %v", err)
	}

	time.Sleep(90 * time.Millisecond)

	got, deleteFn, err := mgr.Receive(ctx)
	if err != nil {
		t.Fatalf("delayed message never became visible: %v", err)
	}
	if got.JobID != "delayed" {
		t.Fatalf("wrong message: %+v", got)
	}
	if err := deleteFn(); err != nil {
		t.Fatal(err)
	}
}

func TestFIFOOrdering(t *testing.T) {
	mgr := newTestManager(t, nil)
	ctx := context.Background()

	for _, jobID := range []string{"first", "second", "third"} {
		if err := mgr.Enqueue(ctx, mustMessage(t, jobID, "https://example.com/"+jobID), ""); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond) // Distinct enqueue timestamps
	}

	for _, want := range []string{"first", "second", "third"} {
		got, deleteFn, err := mgr.Receive(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got.JobID != want {
			t.Fatalf("out of order: got %s, want %s", got.JobID, want)
		}
		if err := deleteFn(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRetryBackoffDoubles(t *testing.T) {
	cfg := &common.QueueConfig{
		PollInterval:      common.Duration(10 * time.Millisecond),
		Concurrency:       1,
		VisibilityTimeout: common.Duration(time.Minute),
		MaxReceive:        5,
		BackoffBase:       common.Duration(100 * time.Millisecond),
		BackoffMax:        common.Duration(300 * time.Millisecond),
	}
	mgr := newTestManager(t, cfg)

	tests := []struct {
		receiveCount int
		want         time.Duration
	}{
		{1, 0},
		{2, 100 * time.Millisecond},
		{3, 200 * time.Millisecond},
		{4, 300 * time.Millisecond},
		{5, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := mgr.retryBackoff(tt.receiveCount); got != tt.want {
			t.Errorf("retryBackoff(%d) = %v, want %v", tt.receiveCount, got, tt.want)
		}
	}
}

func TestGetStats(t *testing.T) {
	mgr := newTestManager(t, nil)
	ctx := context.Background()

	for _, jobID := range []string{"a", "b", "c"} {
		if err := mgr.Enqueue(ctx, mustMessage(t, jobID, "https://example.com/stat/"+jobID), ""); err != nil {
			t.Fatal(err)
		}
	}

	// Claim one message
	if _, _, err := mgr.Receive(ctx); err != nil {
		t.Fatal(err)
	}

	stats, err := mgr.GetStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pending != 2 {
		t.Fatalf("expected 2 pending, got %+v", stats)
	}
	if stats.InFlight != 1 {
		t.Fatalf("expected 1 in flight, got %+v", stats)
	}
}
