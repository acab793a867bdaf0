// Copyright 2025 James Ross
package redisq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jobqueue/jobqueue/internal/core"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

type RedisTransportSuite struct {
	suite.Suite
	mr *miniredis.Miniredis
	tr *Transport
}

func (s *RedisTransportSuite) SetupTest() {
	mr := miniredis.NewMiniRedis()
	s.Require().NoError(mr.Start())
	s.mr = mr

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s.tr = New(rdb, "test", core.Limits{Concurrency: 4, StalledInterval: 2 * time.Second}, zap.NewNop(), 0, 0)
}

func (s *RedisTransportSuite) TearDownTest() {
	_ = s.tr.Close(context.Background())
	s.mr.Close()
}

func mkJob(id, typ string, priority int) *core.Job {
	now := time.Now()
	return &core.Job{
		ID: id, Type: typ, Status: core.StatusWaiting,
		Priority: priority, MaxAttempts: 1,
		CreatedAt: now, AvailableAt: now,
	}
}

func (s *RedisTransportSuite) TestImmediateSuccess() {
	done := make(chan struct{})
	require.NoError(s.T(), s.tr.Process(context.Background(), "email", func(ctx context.Context, j *core.Job) error {
		close(done)
		return nil
	}))
	require.NoError(s.T(), s.tr.Add(context.Background(), mkJob("j1", "email", 0)))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.Fatal("handler never ran")
	}
	time.Sleep(50 * time.Millisecond)
	got, err := s.tr.GetJob(context.Background(), "j1")
	require.NoError(s.T(), err)
	s.Equal(core.StatusCompleted, got.Status)
}

func (s *RedisTransportSuite) TestRetryThenFail() {
	done := make(chan struct{})
	var attempts int
	require.NoError(s.T(), s.tr.Process(context.Background(), "work", func(ctx context.Context, j *core.Job) error {
		attempts++
		if attempts >= 2 {
			close(done)
		}
		return errors.New("boom")
	}))
	job := mkJob("j2", "work", 0)
	job.MaxAttempts = 2
	job.Backoff = core.BackoffFixed
	job.BackoffBase = 20 * time.Millisecond
	require.NoError(s.T(), s.tr.Add(context.Background(), job))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.Fatal("job never finished retrying")
	}
	time.Sleep(50 * time.Millisecond)
	got, err := s.tr.GetJob(context.Background(), "j2")
	require.NoError(s.T(), err)
	s.Equal(core.StatusFailed, got.Status)
}

func (s *RedisTransportSuite) TestPauseResume() {
	require.NoError(s.T(), s.tr.Pause(context.Background(), "x"))
	require.NoError(s.T(), s.tr.Pause(context.Background(), "x"))
	require.NoError(s.T(), s.tr.Resume(context.Background(), "x"))
	require.NoError(s.T(), s.tr.Resume(context.Background(), "x"))
}

func (s *RedisTransportSuite) TestRetryPublicAPI() {
	job := mkJob("j3", "work", 0)
	job.MaxAttempts = 1
	require.NoError(s.T(), s.tr.Add(context.Background(), job))
	require.NoError(s.T(), s.tr.Process(context.Background(), "work", func(ctx context.Context, j *core.Job) error {
		return errors.New("always fails")
	}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := s.tr.GetJob(context.Background(), "j3")
		if got != nil && got.Status == core.StatusFailed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(s.T(), s.tr.Retry(context.Background(), "j3"))
	got, err := s.tr.GetJob(context.Background(), "j3")
	require.NoError(s.T(), err)
	s.Equal(core.StatusWaiting, got.Status)
	s.Equal(0, got.Attempts)
}

func (s *RedisTransportSuite) TestHealth() {
	h := s.tr.Health(context.Background())
	s.Equal(core.HealthHealthy, h.Status)
	s.mr.Close()
	h = s.tr.Health(context.Background())
	s.Equal(core.HealthUnhealthy, h.Status)
}

func TestRedisTransportSuite(t *testing.T) {
	suite.Run(t, new(RedisTransportSuite))
}
