// Copyright 2025 James Ross
package sqlq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/jobqueue/jobqueue/internal/core"
	"github.com/stretchr/testify/require"
)

// sqliteDialect drives the transport's own test suite against an
// in-memory SQLite database, grounded on the sqlite3-backed tests in
// internal/exactly_once/outbox_test.go. SQLite has no concurrent-lock
// story so lockClause is empty; that's a test-harness concession, not
// a change to the Postgres/MySQL claim query itself.
type sqliteDialect struct{}

func (sqliteDialect) name() string            { return "sqlite" }
func (sqliteDialect) placeholder(int) string  { return "?" }
func (sqliteDialect) driverName() string      { return "sqlite3" }
func (sqliteDialect) lockClause() string      { return "" }

func newTestTransport(t *testing.T, limits core.Limits) *Transport {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	_, err = db.Exec(fmt.Sprintf(Schema, "jobs"))
	require.NoError(t, err)
	_, err = db.Exec(fmt.Sprintf(PausedSchema, "jobs_paused"))
	require.NoError(t, err)

	tr := New(db, sqliteDialect{}, "jobs", limits, Options{PollInterval: 50 * time.Millisecond}, nil)
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr
}

func mkJob(id, typ string, priority int) *core.Job {
	now := time.Now()
	return &core.Job{
		ID: id, Type: typ, Status: core.StatusWaiting,
		Priority: priority, MaxAttempts: 1,
		CreatedAt: now, AvailableAt: now,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestImmediateSuccess(t *testing.T) {
	tr := newTestTransport(t, core.Limits{Concurrency: 4, StalledInterval: time.Hour})
	require.NoError(t, tr.Add(context.Background(), mkJob("j1", "email", 0)))
	require.NoError(t, tr.Process(context.Background(), "email", func(ctx context.Context, j *core.Job) error {
		return nil
	}))

	waitFor(t, func() bool {
		got, err := tr.GetJob(context.Background(), "j1")
		return err == nil && got.Status == core.StatusCompleted
	})
}

func TestRetryThenFail(t *testing.T) {
	tr := newTestTransport(t, core.Limits{Concurrency: 4, StalledInterval: time.Hour})
	job := mkJob("j2", "work", 0)
	job.MaxAttempts = 2
	job.Backoff = core.BackoffFixed
	job.BackoffBase = 10 * time.Millisecond
	require.NoError(t, tr.Add(context.Background(), job))
	require.NoError(t, tr.Process(context.Background(), "work", func(ctx context.Context, j *core.Job) error {
		return errors.New("boom")
	}))

	waitFor(t, func() bool {
		got, err := tr.GetJob(context.Background(), "j2")
		return err == nil && got.Status == core.StatusFailed
	})
}

func TestPauseBlocksClaim(t *testing.T) {
	tr := newTestTransport(t, core.Limits{Concurrency: 4, StalledInterval: time.Hour})
	require.NoError(t, tr.Pause(context.Background(), "x"))

	var ran bool
	require.NoError(t, tr.Process(context.Background(), "x", func(ctx context.Context, j *core.Job) error {
		ran = true
		return nil
	}))
	require.NoError(t, tr.Add(context.Background(), mkJob("j3", "x", 0)))

	got, err := tr.GetJob(context.Background(), "j3")
	require.NoError(t, err)
	require.Equal(t, core.StatusPaused, got.Status)

	time.Sleep(100 * time.Millisecond)
	require.False(t, ran)

	require.NoError(t, tr.Resume(context.Background(), "x"))
	waitFor(t, func() bool { return ran })
}

func TestRetryPublicAPI(t *testing.T) {
	tr := newTestTransport(t, core.Limits{Concurrency: 4, StalledInterval: time.Hour})
	job := mkJob("j4", "work", 0)
	require.NoError(t, tr.Add(context.Background(), job))
	require.NoError(t, tr.Process(context.Background(), "work", func(ctx context.Context, j *core.Job) error {
		return errors.New("always fails")
	}))

	waitFor(t, func() bool {
		got, err := tr.GetJob(context.Background(), "j4")
		return err == nil && got.Status == core.StatusFailed
	})

	require.NoError(t, tr.Retry(context.Background(), "j4"))
	got, err := tr.GetJob(context.Background(), "j4")
	require.NoError(t, err)
	require.Equal(t, core.StatusWaiting, got.Status)
	require.Equal(t, 0, got.Attempts)
}

func TestGetStatsAndJobs(t *testing.T) {
	tr := newTestTransport(t, core.Limits{Concurrency: 4, StalledInterval: time.Hour})
	require.NoError(t, tr.Add(context.Background(), mkJob("j5", "report", 5)))
	require.NoError(t, tr.Add(context.Background(), mkJob("j6", "report", 1)))

	stats, err := tr.GetStats(context.Background(), "report")
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.Waiting)

	jobs, err := tr.GetJobs(context.Background(), core.JobFilter{Status: core.StatusWaiting, Type: "report"})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "j5", jobs[0].ID) // priority 5 sorts before priority 1
}

func TestRemoveRejectsActive(t *testing.T) {
	tr := newTestTransport(t, core.Limits{Concurrency: 1, StalledInterval: time.Hour})
	block := make(chan struct{})
	require.NoError(t, tr.Process(context.Background(), "hold", func(ctx context.Context, j *core.Job) error {
		<-block
		return nil
	}))
	require.NoError(t, tr.Add(context.Background(), mkJob("j7", "hold", 0)))

	waitFor(t, func() bool {
		got, err := tr.GetJob(context.Background(), "j7")
		return err == nil && got.Status == core.StatusActive
	})
	require.Error(t, tr.Remove(context.Background(), "j7"))
	close(block)
}

func TestHealth(t *testing.T) {
	tr := newTestTransport(t, core.Limits{StalledInterval: time.Hour})
	h := tr.Health(context.Background())
	require.Equal(t, core.HealthHealthy, h.Status)
}

func TestScheduledJob(t *testing.T) {
	tr := newTestTransport(t, core.Limits{Concurrency: 4, StalledInterval: time.Hour})
	done := make(chan struct{})
	require.NoError(t, tr.Process(context.Background(), "report", func(ctx context.Context, j *core.Job) error {
		close(done)
		return nil
	}))

	job := mkJob("j9", "report", 0)
	job.Status = core.StatusDelayed
	job.AvailableAt = time.Now().Add(150 * time.Millisecond)
	require.NoError(t, tr.Add(context.Background(), job))

	// The SQL transport represents a delayed job as a waiting row with
	// a future available_at rather than a literal 'delayed' status
	// (spec.md section 4.5), so GetJob reports it as waiting right away...
	got, err := tr.GetJob(context.Background(), "j9")
	require.NoError(t, err)
	require.Equal(t, core.StatusWaiting, got.Status)

	// ...while GetStats still distinguishes it from immediately-ready
	// jobs by splitting on available_at.
	stats, err := tr.GetStats(context.Background(), "report")
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Delayed)
	require.Equal(t, int64(0), stats.Waiting)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled job never ran")
	}
}

func TestStalledRecovery(t *testing.T) {
	tr := newTestTransport(t, core.Limits{Concurrency: 4, StalledInterval: 30 * time.Millisecond, MaxStalledCount: 3})
	require.NoError(t, tr.Add(context.Background(), mkJob("j8", "stuck", 0)))

	_, err := tr.claim(context.Background(), "stuck")
	require.NoError(t, err)
	got, err := tr.GetJob(context.Background(), "j8")
	require.NoError(t, err)
	require.Equal(t, core.StatusActive, got.Status)

	waitFor(t, func() bool {
		got, err := tr.GetJob(context.Background(), "j8")
		return err == nil && got.Status == core.StatusWaiting && got.StalledCount == 1
	})
}
