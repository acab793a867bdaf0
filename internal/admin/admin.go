// Copyright 2025 James Ross

// Package admin implements the operational queries behind the
// jobqueue-bench CLI: stats, peek, purge and a throughput benchmark.
// It is grounded on the teacher's Redis-key admin package but speaks
// to a *jobqueue.Queue instead of a raw *redis.Client, so it works
// unchanged against any transport.
package admin

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jobqueue/jobqueue"
)

// StatsResult reports per-status counts for a job type.
type StatsResult struct {
	Type      string `json:"type"`
	Waiting   int64  `json:"waiting"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Delayed   int64  `json:"delayed"`
	Paused    int64  `json:"paused"`
}

func Stats(ctx context.Context, q *jobqueue.Queue, jobType string) (StatsResult, error) {
	s, err := q.GetStats(ctx, jobType)
	if err != nil {
		return StatsResult{}, err
	}
	return StatsResult{
		Type:      jobType,
		Waiting:   s.Waiting,
		Active:    s.Active,
		Completed: s.Completed,
		Failed:    s.Failed,
		Delayed:   s.Delayed,
		Paused:    s.Paused,
	}, nil
}

// Peek returns the n most recently created jobs of jobType in status,
// newest first, chosen from at most 1000 jobs per status (the GetJobs
// cap). status is optional; an empty string matches any.
func Peek(ctx context.Context, q *jobqueue.Queue, jobType string, status jobqueue.Status, n int) ([]*jobqueue.Job, error) {
	if n <= 0 {
		n = 10
	}
	statuses := []jobqueue.Status{status}
	if status == "" {
		statuses = []jobqueue.Status{jobqueue.StatusWaiting, jobqueue.StatusActive, jobqueue.StatusCompleted,
			jobqueue.StatusFailed, jobqueue.StatusDelayed, jobqueue.StatusPaused}
	}
	var jobs []*jobqueue.Job
	for _, s := range statuses {
		found, err := q.GetJobs(ctx, jobqueue.JobFilter{Type: jobType, Status: s, Limit: 1000})
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, found...)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if len(jobs) > n {
		jobs = jobs[:n]
	}
	return jobs, nil
}

// Purge removes jobs of jobType in status regardless of age, by
// walking GetJobs/Remove; Clean only reaches terminal jobs older than
// its grace window, which isn't what an operator wants from a "purge
// the dead letter queue now" command.
func Purge(ctx context.Context, q *jobqueue.Queue, jobType string, status jobqueue.Status) (int, error) {
	jobs, err := q.GetJobs(ctx, jobqueue.JobFilter{Type: jobType, Status: status, Limit: 1000})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, j := range jobs {
		if err := q.Remove(ctx, j.ID); err != nil {
			return removed, fmt.Errorf("remove %s: %w", j.ID, err)
		}
		removed++
	}
	return removed, nil
}

// BenchResult summarizes a throughput run.
type BenchResult struct {
	Count      int           `json:"count"`
	Duration   time.Duration `json:"duration"`
	Throughput float64       `json:"throughput_jobs_per_sec"`
	P50        time.Duration `json:"p50_latency"`
	P95        time.Duration `json:"p95_latency"`
	Failed     int           `json:"failed"`
}

// Bench enqueues count jobs of jobType at rate jobs/sec carrying a
// payloadSize-byte filler string, registers a no-op handler if jobType
// has none yet, and waits up to timeout for all of them to reach a
// terminal state before reporting latency percentiles.
func Bench(ctx context.Context, q *jobqueue.Queue, jobType string, count, rate, payloadSize int, timeout time.Duration) (BenchResult, error) {
	res := BenchResult{Count: count}
	if count <= 0 {
		return res, fmt.Errorf("count must be > 0")
	}
	if rate <= 0 {
		rate = 100
	}
	if payloadSize <= 0 {
		payloadSize = 256
	}

	filler := make([]byte, payloadSize)
	for i := range filler {
		filler[i] = 'x'
	}
	payload := struct {
		Filler string `json:"filler"`
	}{Filler: string(filler)}

	type sample struct {
		start time.Time
		lat   time.Duration
	}
	samples := make(map[string]*sample, count)
	var mu sync.Mutex
	done := make(chan struct{})
	var completed int
	var once sync.Once

	_ = q.Process(ctx, jobType, func(ctx context.Context, j *jobqueue.Job) error {
		mu.Lock()
		s, ok := samples[j.ID]
		if ok {
			s.lat = time.Since(s.start)
		}
		completed++
		n := completed
		mu.Unlock()
		if n == count {
			once.Do(func() { close(done) })
		}
		return nil
	})

	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()
	start := time.Now()
	for i := 0; i < count; i++ {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-ticker.C:
		}
		id, err := q.Add(ctx, jobType, payload)
		if err != nil {
			return res, err
		}
		mu.Lock()
		samples[id] = &sample{start: time.Now()}
		mu.Unlock()
	}

	select {
	case <-done:
	case <-time.After(timeout):
	case <-ctx.Done():
		return res, ctx.Err()
	}
	res.Duration = time.Since(start)
	if res.Duration > 0 {
		res.Throughput = float64(count) / res.Duration.Seconds()
	}

	mu.Lock()
	lats := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s.lat > 0 {
			lats = append(lats, s.lat.Seconds())
		} else {
			res.Failed++
		}
	}
	mu.Unlock()

	if len(lats) > 0 {
		sort.Float64s(lats)
		res.P50 = time.Duration(lats[int(math.Round(0.50*float64(len(lats)-1)))] * float64(time.Second))
		res.P95 = time.Duration(lats[int(math.Round(0.95*float64(len(lats)-1)))] * float64(time.Second))
	}
	return res, nil
}
