// Copyright 2025 James Ross
package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jobqueue/jobqueue/internal/core"
	"go.uber.org/zap"
)

func newTestTransport(concurrency int) *Transport {
	return New(core.Limits{Concurrency: concurrency}, 0, zap.NewNop())
}

func mkJob(id, typ string, priority int) *core.Job {
	now := time.Now()
	return &core.Job{
		ID:          id,
		Type:        typ,
		Status:      core.StatusWaiting,
		Priority:    priority,
		MaxAttempts: 1,
		CreatedAt:   now,
		AvailableAt: now,
	}
}

func TestImmediateSuccess(t *testing.T) {
	tr := newTestTransport(4)
	done := make(chan struct{})
	if err := tr.Process(context.Background(), "email", func(ctx context.Context, j *core.Job) error {
		close(done)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := tr.Add(context.Background(), mkJob("j1", "email", 0)); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
	time.Sleep(10 * time.Millisecond)
	stats, _ := tr.GetStats(context.Background(), "")
	if stats.Completed != 1 {
		t.Fatalf("expected 1 completed, got %+v", stats)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	tr := newTestTransport(1)
	var attempts int
	done := make(chan struct{})
	_ = tr.Process(context.Background(), "work", func(ctx context.Context, j *core.Job) error {
		attempts++
		if attempts < 3 {
			return errors.New("boom")
		}
		close(done)
		return nil
	})
	job := mkJob("j2", "work", 0)
	job.MaxAttempts = 5
	job.Backoff = core.BackoffFixed
	job.BackoffBase = 20 * time.Millisecond
	_ = tr.Add(context.Background(), job)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never succeeded")
	}
	time.Sleep(20 * time.Millisecond)
	got, err := tr.GetJob(context.Background(), "j2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != core.StatusCompleted || got.Attempts != 3 || got.LastError != "" {
		t.Fatalf("unexpected job state: %+v", got)
	}
}

func TestTerminalFailure(t *testing.T) {
	tr := newTestTransport(1)
	_ = tr.Process(context.Background(), "work", func(ctx context.Context, j *core.Job) error {
		return errors.New("always fails")
	})
	job := mkJob("j3", "work", 0)
	job.MaxAttempts = 2
	job.Backoff = core.BackoffFixed
	job.BackoffBase = 10 * time.Millisecond
	_ = tr.Add(context.Background(), job)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := tr.GetJob(context.Background(), "j3")
		if got.Status == core.StatusFailed {
			if got.Attempts != 2 || got.LastError == "" {
				t.Fatalf("unexpected terminal state: %+v", got)
			}
			// Retry dispatches straight to the registered handler; pause
			// the type so the reset job stays observable as waiting.
			_ = tr.Pause(context.Background(), "work")
			if err := tr.Retry(context.Background(), "j3"); err != nil {
				t.Fatal(err)
			}
			got2, _ := tr.GetJob(context.Background(), "j3")
			if got2.Status != core.StatusWaiting || got2.Attempts != 0 {
				t.Fatalf("retry did not reset job: %+v", got2)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never reached failed status")
}

func TestScheduledJob(t *testing.T) {
	tr := newTestTransport(1)
	done := make(chan struct{})
	_ = tr.Process(context.Background(), "report", func(ctx context.Context, j *core.Job) error {
		close(done)
		return nil
	})
	job := mkJob("j4", "report", 0)
	job.Status = core.StatusDelayed
	job.AvailableAt = time.Now().Add(150 * time.Millisecond)
	_ = tr.Add(context.Background(), job)

	got, _ := tr.GetJob(context.Background(), "j4")
	if got.Status != core.StatusDelayed {
		t.Fatalf("expected delayed immediately after schedule, got %s", got.Status)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled job never ran")
	}
}

func TestPriorityOrdering(t *testing.T) {
	tr := newTestTransport(1)
	var order []string
	allDone := make(chan struct{})
	_ = tr.Process(context.Background(), "t", func(ctx context.Context, j *core.Job) error {
		order = append(order, j.ID)
		if len(order) == 2 {
			close(allDone)
		}
		return nil
	})
	// pause dispatch first so both jobs queue up before any run
	_ = tr.Pause(context.Background(), "t")
	_ = tr.Add(context.Background(), mkJob("A", "t", 0))
	_ = tr.Add(context.Background(), mkJob("B", "t", 10))
	_ = tr.Resume(context.Background(), "t")

	select {
	case <-allDone:
	case <-time.After(time.Second):
		t.Fatal("jobs never completed")
	}
	if len(order) != 2 || order[0] != "B" || order[1] != "A" {
		t.Fatalf("expected B before A, got %v", order)
	}
}

func TestPauseResumeIdempotent(t *testing.T) {
	tr := newTestTransport(1)
	if err := tr.Pause(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Pause(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Resume(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Resume(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
}

func TestOverflow(t *testing.T) {
	tr := New(core.Limits{Concurrency: 1}, 1, zap.NewNop())
	if err := tr.Add(context.Background(), mkJob("only", "t", 0)); err != nil {
		t.Fatal(err)
	}
	err := tr.Add(context.Background(), mkJob("second", "t", 0))
	if core.KindOf(err) != core.KindOverflow {
		t.Fatalf("expected overflow error, got %v", err)
	}
}

func TestRemoveActiveRejected(t *testing.T) {
	tr := newTestTransport(1)
	started := make(chan struct{})
	release := make(chan struct{})
	_ = tr.Process(context.Background(), "t", func(ctx context.Context, j *core.Job) error {
		close(started)
		<-release
		return nil
	})
	_ = tr.Add(context.Background(), mkJob("active1", "t", 0))
	<-started
	err := tr.Remove(context.Background(), "active1")
	if core.KindOf(err) != core.KindConflict {
		t.Fatalf("expected conflict removing active job, got %v", err)
	}
	close(release)
}

func TestCloseWaitsForInFlight(t *testing.T) {
	tr := newTestTransport(1)
	started := make(chan struct{})
	_ = tr.Process(context.Background(), "t", func(ctx context.Context, j *core.Job) error {
		close(started)
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	_ = tr.Add(context.Background(), mkJob("slow", "t", 0))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := tr.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < 150*time.Millisecond {
		t.Fatal("close returned before handler finished")
	}

	err := tr.Add(context.Background(), mkJob("after-close", "t", 0))
	if core.KindOf(err) != core.KindClosed {
		t.Fatalf("expected closed error, got %v", err)
	}
}
