// Copyright 2025 James Ross
package jobqueue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jobqueue/jobqueue/internal/config"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Transport = "memory"
	cfg.Worker.GracefulShutdownTimeout = 5 * time.Second
	cfg.Worker.StalledInterval = time.Hour
	cfg.Observability.MetricsPort = 0
	return cfg
}

func waitForStatus(t *testing.T, q *Queue, id string, want Status) *Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.GetJob(context.Background(), id)
		if err == nil && job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", id, want)
	return nil
}

func TestImmediateSuccess(t *testing.T) {
	q, err := New(testConfig(t))
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Process(context.Background(), "email", func(ctx context.Context, j *Job) error {
		return nil
	}))
	id, err := q.Add(context.Background(), "email", map[string]string{"to": "a@b"})
	require.NoError(t, err)

	waitForStatus(t, q, id, StatusCompleted)
	stats, err := q.GetStats(context.Background(), "email")
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Completed)
}

func TestRoundTrip(t *testing.T) {
	q, err := New(testConfig(t))
	require.NoError(t, err)
	defer q.Close()

	id, err := q.Add(context.Background(), "report", map[string]int{"n": 7})
	require.NoError(t, err)
	job, err := q.GetJob(context.Background(), id)
	require.NoError(t, err)
	var payload map[string]int
	require.NoError(t, json.Unmarshal(job.Data, &payload))
	require.Equal(t, 7, payload["n"])
}

func TestTerminalFailureThenRetry(t *testing.T) {
	cfg := testConfig(t)
	cfg.Worker.MaxAttempts = 2
	cfg.Worker.RetryBackoff = "fixed"
	cfg.Worker.RetryDelay = 20 * time.Millisecond
	q, err := New(cfg)
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Process(context.Background(), "work", func(ctx context.Context, j *Job) error {
		return errTestAlwaysFails
	}))
	id, err := q.Add(context.Background(), "work", struct{}{})
	require.NoError(t, err)

	job := waitForStatus(t, q, id, StatusFailed)
	require.Equal(t, 2, job.Attempts)
	require.NotEmpty(t, job.LastError)

	// Retry dispatches straight to the registered handler; pause the type
	// so the reset job stays observable as waiting.
	require.NoError(t, q.Pause(context.Background(), "work"))
	require.NoError(t, q.Retry(context.Background(), id))
	retried := waitForStatus(t, q, id, StatusWaiting)
	require.Equal(t, 0, retried.Attempts)
	require.Empty(t, retried.LastError)
}

func TestScheduledJob(t *testing.T) {
	q, err := New(testConfig(t))
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Process(context.Background(), "report", func(ctx context.Context, j *Job) error {
		return nil
	}))
	id, err := q.Schedule(context.Background(), "report", struct{}{}, 150*time.Millisecond)
	require.NoError(t, err)

	job, err := q.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusDelayed, job.Status)

	waitForStatus(t, q, id, StatusCompleted)
}

func TestScheduleRejectsBadDelays(t *testing.T) {
	q, err := New(testConfig(t))
	require.NoError(t, err)
	defer q.Close()

	_, err = q.Schedule(context.Background(), "report", struct{}{}, -time.Second)
	require.Error(t, err)
	_, err = q.Schedule(context.Background(), "report", struct{}{}, 400*24*time.Hour)
	require.Error(t, err)
}

func TestGracefulShutdown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Worker.GracefulShutdownTimeout = 5 * time.Second
	q, err := New(cfg)
	require.NoError(t, err)

	started := make(chan struct{})
	require.NoError(t, q.Process(context.Background(), "slow", func(ctx context.Context, j *Job) error {
		close(started)
		time.Sleep(300 * time.Millisecond)
		return nil
	}))
	id, err := q.Add(context.Background(), "slow", struct{}{})
	require.NoError(t, err)
	<-started

	require.NoError(t, q.Close())
	job, err := q.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, job.Status)

	_, err = q.Add(context.Background(), "slow", struct{}{})
	require.Error(t, err)
	require.Equal(t, KindClosed, KindOf(err))
}

func TestPauseResumeIdempotent(t *testing.T) {
	q, err := New(testConfig(t))
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Pause(context.Background(), "x"))
	require.NoError(t, q.Pause(context.Background(), "x"))
	require.NoError(t, q.Resume(context.Background(), "x"))
	require.NoError(t, q.Resume(context.Background(), "x"))
}

func TestHealthMemory(t *testing.T) {
	q, err := New(testConfig(t))
	require.NoError(t, err)
	defer q.Close()

	h := q.Health(context.Background())
	require.Equal(t, HealthHealthy, h.Status)
	require.Equal(t, "memory", h.Transport)
}

type testError string

func (e testError) Error() string { return string(e) }

const errTestAlwaysFails = testError("always fails")
