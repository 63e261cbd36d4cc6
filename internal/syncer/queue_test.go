package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestWriteQueueRunsTasksInOrder(t *testing.T) {
	queue := NewWriteQueue(fastQueue())
	defer queue.Close()

	var mu sync.Mutex
	var order []int
	for index := 0; index < 10; index++ {
		value := index
		err := queue.Enqueue(WriteTask{Key: "progress", Run: func(ctx context.Context) error {
			mu.Lock()
			order = append(order, value)
			mu.Unlock()
			return nil
		}})
		if err != nil {
			t.Fatalf("unexpected enqueue error: %v", err)
		}
	}
	flush(t, queue)

	for index, value := range order {
		if index != value {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
	if stats := queue.Stats(); stats.Completed != 10 || stats.Pending != 0 {
		t.Fatalf("unexpected stats %#v", stats)
	}
}

func TestWriteQueueCountsInFlightTaskAsPending(t *testing.T) {
	queue := NewWriteQueue(fastQueue())
	defer queue.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	if err := queue.Enqueue(WriteTask{Key: "note:a", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}); err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	<-started
	if queue.Pending("note:a") != 1 {
		t.Fatalf("expected running task to count as pending")
	}
	if queue.Pending("note:b") != 0 {
		t.Fatalf("expected other keys to have nothing pending")
	}
	close(release)
	flush(t, queue)
	if queue.Pending("note:a") != 0 {
		t.Fatalf("expected nothing pending after flush")
	}
}

func TestWriteQueueRetriesThenRecordsFailure(t *testing.T) {
	queue := NewWriteQueue(fastQueue())
	defer queue.Close()

	attempts := 0
	failure := errors.New("boom")
	if err := queue.Enqueue(WriteTask{Key: "progress", Operation: "write_progress", Run: func(ctx context.Context) error {
		attempts++
		return failure
	}}); err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	flush(t, queue)

	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	stats := queue.Stats()
	if stats.Failed != 1 || stats.Retries != 2 {
		t.Fatalf("unexpected stats %#v", stats)
	}
	failed := queue.Failed()
	if len(failed) != 1 || !errors.Is(failed[0].Err, failure) || failed[0].Attempts != 3 || failed[0].Operation != "write_progress" {
		t.Fatalf("unexpected failed writes %#v", failed)
	}
}

func TestWriteQueueReportsOutcomeBeforeDraining(t *testing.T) {
	queue := NewWriteQueue(fastQueue())
	defer queue.Close()

	failure := errors.New("boom")
	var mu sync.Mutex
	outcomes := make(map[string]error)
	record := func(key string) func(error) {
		return func(err error) {
			mu.Lock()
			outcomes[key] = err
			mu.Unlock()
		}
	}
	tasks := []WriteTask{
		{Key: "note:ok", Run: func(ctx context.Context) error { return nil }, Done: record("note:ok")},
		{Key: "note:bad", Run: func(ctx context.Context) error { return failure }, Done: record("note:bad")},
	}
	for _, task := range tasks {
		if err := queue.Enqueue(task); err != nil {
			t.Fatalf("unexpected enqueue error: %v", err)
		}
	}
	flush(t, queue)

	mu.Lock()
	defer mu.Unlock()
	if err, ok := outcomes["note:ok"]; !ok || err != nil {
		t.Fatalf("expected success reported for note:ok, got %v (reported=%v)", err, ok)
	}
	if err := outcomes["note:bad"]; !errors.Is(err, failure) {
		t.Fatalf("expected final error reported for note:bad, got %v", err)
	}
}

func TestWriteQueueBackoffIsCapped(t *testing.T) {
	queue := NewWriteQueue(QueueConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	defer queue.Close()

	expected := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for index, want := range expected {
		if got := queue.backoff(index + 1); got != want {
			t.Fatalf("attempt %d: expected %s, got %s", index+1, want, got)
		}
	}
}

func TestWriteQueueHonoursLimiter(t *testing.T) {
	cfg := fastQueue()
	cfg.Limiter = rate.NewLimiter(rate.Inf, 1)
	queue := NewWriteQueue(cfg)
	defer queue.Close()

	ran := false
	if err := queue.Enqueue(WriteTask{Key: "progress", Run: func(ctx context.Context) error {
		ran = true
		return nil
	}}); err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	flush(t, queue)
	if !ran {
		t.Fatalf("expected task to run through the limiter")
	}
}

func TestWriteQueueRejectsAfterClose(t *testing.T) {
	queue := NewWriteQueue(fastQueue())
	queue.Close()
	queue.Close()

	err := queue.Enqueue(WriteTask{Key: "progress", Run: func(ctx context.Context) error { return nil }})
	if !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	if err := queue.Enqueue(WriteTask{Key: "progress"}); err == nil {
		t.Fatalf("expected error for task without run function")
	}
}

func TestWriteQueueFlushHonoursContext(t *testing.T) {
	queue := NewWriteQueue(fastQueue())
	defer queue.Close()

	release := make(chan struct{})
	defer close(release)
	if err := queue.Enqueue(WriteTask{Key: "progress", Run: func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}}); err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := queue.Flush(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
