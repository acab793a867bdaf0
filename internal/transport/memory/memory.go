// Copyright 2025 James Ross

// Package memory implements the single-process, cooperative transport
// described in spec.md section 4.3. It is the idiomatic-Go shape of
// the teacher's internal/worker.Worker dispatch loop with Redis lists
// swapped for per-type in-memory priority heaps guarded by a mutex,
// and a counter of active jobs checked against the concurrency limit
// instead of a fixed number of goroutines each blocking on BRPOPLPUSH.
package memory

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jobqueue/jobqueue/internal/core"
	"go.uber.org/zap"
)

// Transport implements core.Transport entirely in process memory.
type Transport struct {
	mu sync.Mutex

	log    *zap.Logger
	limits core.Limits
	maxJobs int

	waiting  map[string]*priorityQueue
	byID     map[string]*core.Job
	handlers map[string]core.Handler
	timers   map[string]*time.Timer

	activeTotal  int
	activeByType map[string]int

	pausedTypes map[string]bool
	pausedAll   bool
	pausedPrior map[string]core.Status

	completedByType map[string][]string
	failedByType    map[string][]string

	totalJobs int
	closed    bool
	inflight  sync.WaitGroup
}

// New constructs a memory transport. maxJobs is the memoryMaxJobs cap
// from spec.md section 5; zero means unbounded.
func New(limits core.Limits, maxJobs int, log *zap.Logger) *Transport {
	if limits.Concurrency <= 0 {
		limits.Concurrency = 1
	}
	return &Transport{
		log:              log,
		limits:           limits,
		maxJobs:          maxJobs,
		waiting:          map[string]*priorityQueue{},
		byID:             map[string]*core.Job{},
		handlers:         map[string]core.Handler{},
		timers:           map[string]*time.Timer{},
		activeByType:     map[string]int{},
		pausedTypes:      map[string]bool{},
		pausedPrior:      map[string]core.Status{},
		completedByType:  map[string][]string{},
		failedByType:     map[string][]string{},
	}
}

func (t *Transport) Add(ctx context.Context, job *core.Job) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return core.Closed("Add")
	}
	if t.maxJobs > 0 && t.totalJobs >= t.maxJobs {
		t.mu.Unlock()
		return core.Overflow("Add", "memory transport job cap reached")
	}
	t.totalJobs++
	t.byID[job.ID] = job

	now := time.Now()
	delayed := job.Status == core.StatusDelayed && job.AvailableAt.After(now)
	if !delayed {
		job.Status = core.StatusWaiting
	}
	if t.isPausedLocked(job.Type) {
		t.pausedPrior[job.ID] = job.Status
		job.Status = core.StatusPaused
	} else if delayed {
		t.scheduleDelayLocked(job)
	} else {
		t.enqueueReadyLocked(job)
	}
	t.mu.Unlock()

	t.dispatch(ctx)
	return nil
}

func (t *Transport) scheduleDelayLocked(job *core.Job) {
	d := time.Until(job.AvailableAt)
	if d < 0 {
		d = 0
	}
	id := job.ID
	timer := time.AfterFunc(d, func() {
		t.mu.Lock()
		j, ok := t.byID[id]
		if !ok || j.Status != core.StatusDelayed {
			t.mu.Unlock()
			return
		}
		j.Status = core.StatusWaiting
		delete(t.timers, id)
		t.enqueueReadyLocked(j)
		t.mu.Unlock()
		t.dispatch(context.Background())
	})
	t.timers[id] = timer
}

func (t *Transport) enqueueReadyLocked(job *core.Job) {
	pq, ok := t.waiting[job.Type]
	if !ok {
		pq = &priorityQueue{}
		heap.Init(pq)
		t.waiting[job.Type] = pq
	}
	heap.Push(pq, job)
}

func (t *Transport) Process(ctx context.Context, jobType string, handler core.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.handlers[jobType]; exists {
		return core.Conflict("Process", "handler already registered for type "+jobType)
	}
	t.handlers[jobType] = handler
	go t.dispatch(ctx)
	return nil
}

func (t *Transport) Pause(ctx context.Context, jobType string) error {
	t.mu.Lock()
	if jobType == "" {
		t.pausedAll = true
	} else {
		t.pausedTypes[jobType] = true
	}
	for _, j := range t.byID {
		if jobType != "" && j.Type != jobType {
			continue
		}
		if j.Status != core.StatusWaiting && j.Status != core.StatusDelayed {
			continue
		}
		if pq, ok := t.waiting[j.Type]; ok {
			pq.remove(j.ID)
		}
		if timer, ok := t.timers[j.ID]; ok {
			timer.Stop()
			delete(t.timers, j.ID)
		}
		t.pausedPrior[j.ID] = j.Status
		j.Status = core.StatusPaused
	}
	t.mu.Unlock()
	return nil
}

func (t *Transport) Resume(ctx context.Context, jobType string) error {
	t.mu.Lock()
	if jobType == "" {
		t.pausedAll = false
		for k := range t.pausedTypes {
			delete(t.pausedTypes, k)
		}
	} else {
		delete(t.pausedTypes, jobType)
	}
	for id, prior := range t.pausedPrior {
		j, ok := t.byID[id]
		if !ok {
			delete(t.pausedPrior, id)
			continue
		}
		if jobType != "" && j.Type != jobType {
			continue
		}
		if t.isPausedLocked(j.Type) {
			continue
		}
		delete(t.pausedPrior, id)
		j.Status = prior
		if prior == core.StatusDelayed && j.AvailableAt.After(time.Now()) {
			t.scheduleDelayLocked(j)
		} else {
			j.Status = core.StatusWaiting
			t.enqueueReadyLocked(j)
		}
	}
	t.mu.Unlock()
	t.dispatch(ctx)
	return nil
}

func (t *Transport) isPausedLocked(jobType string) bool {
	return t.pausedAll || t.pausedTypes[jobType]
}

// dispatch attempts to hand off up to concurrency-active eligible jobs
// of types with a registered handler, per spec.md section 4.3
// "Scheduling model". It is called after every state-changing event
// instead of running its own loop, matching the teacher's cooperative
// single-threaded model.
func (t *Transport) dispatch(ctx context.Context) {
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		if t.activeTotal >= t.limits.Concurrency {
			t.mu.Unlock()
			return
		}
		job, ok := t.pickNextLocked()
		if !ok {
			t.mu.Unlock()
			return
		}
		now := time.Now()
		job.Status = core.StatusActive
		job.Attempts++
		job.StartedAt = &now
		t.activeTotal++
		t.activeByType[job.Type]++
		handler := t.handlers[job.Type]
		t.mu.Unlock()

		t.inflight.Add(1)
		go func(j *core.Job, h core.Handler) {
			defer t.inflight.Done()
			runErr := h(ctx, j.Clone())
			t.finish(ctx, j, runErr)
		}(job, handler)
	}
}

// pickNextLocked finds the highest-priority eligible job across every
// type with a handler registered and not paused. Caller holds t.mu.
func (t *Transport) pickNextLocked() (*core.Job, bool) {
	types := make([]string, 0, len(t.handlers))
	for jt := range t.handlers {
		types = append(types, jt)
	}
	sort.Strings(types)

	var best *core.Job
	var bestType string
	for _, jt := range types {
		if t.isPausedLocked(jt) {
			continue
		}
		pq, ok := t.waiting[jt]
		if !ok || pq.Len() == 0 {
			continue
		}
		candidate := (*pq)[0]
		if best == nil || pq.Less2(candidate, best) {
			best = candidate
			bestType = jt
		}
	}
	if best == nil {
		return nil, false
	}
	pq := t.waiting[bestType]
	heap.Remove(pq, indexOf(pq, best.ID))
	return best, true
}

func indexOf(pq *priorityQueue, id string) int {
	for i, j := range *pq {
		if j.ID == id {
			return i
		}
	}
	return -1
}

// Less2 exposes priorityQueue's ordering for cross-queue comparison.
func (pq priorityQueue) Less2(a, b *core.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (t *Transport) finish(ctx context.Context, job *core.Job, runErr error) {
	t.mu.Lock()
	t.activeTotal--
	t.activeByType[job.Type]--
	now := time.Now()

	if runErr == nil {
		job.Status = core.StatusCompleted
		job.CompletedAt = &now
		job.LastError = ""
		t.retainLocked(job, t.completedByType, job.RemoveOnComplete)
	} else {
		job.LastError = runErr.Error()
		status, availableAt, terminal := core.NextAttempt(job, now)
		job.Status = status
		job.AvailableAt = availableAt
		if terminal {
			job.FailedAt = &now
			t.retainLocked(job, t.failedByType, job.RemoveOnFail)
		} else if status == core.StatusDelayed {
			t.scheduleDelayLocked(job)
		} else {
			t.enqueueReadyLocked(job)
		}
	}
	t.mu.Unlock()

	t.dispatch(ctx)
}

func bound(n int) int {
	if n <= 0 {
		return 1000
	}
	return n
}

func (t *Transport) retainLocked(job *core.Job, bucket map[string][]string, limit int) {
	list := append(bucket[job.Type], job.ID)
	if limit > 0 {
		for len(list) > limit {
			oldest := list[0]
			list = list[1:]
			if oldest != job.ID {
				delete(t.byID, oldest)
				t.totalJobs--
			}
		}
	}
	bucket[job.Type] = list
}

func (t *Transport) GetStats(ctx context.Context, jobType string) (core.Stats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var s core.Stats
	for id, j := range t.byID {
		if jobType != "" && j.Type != jobType {
			continue
		}
		_ = id
		switch j.Status {
		case core.StatusWaiting:
			s.Waiting++
		case core.StatusActive:
			s.Active++
		case core.StatusCompleted:
			s.Completed++
		case core.StatusFailed:
			s.Failed++
		case core.StatusDelayed:
			s.Delayed++
		case core.StatusPaused:
			s.Paused++
		}
	}
	return s, nil
}

func (t *Transport) GetJobs(ctx context.Context, filter core.JobFilter) ([]*core.Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*core.Job, 0)
	for _, j := range t.byID {
		if j.Status != filter.Status {
			continue
		}
		if filter.Type != "" && j.Type != filter.Type {
			continue
		}
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	limit := bound(filter.Limit)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *Transport) GetJob(ctx context.Context, id string) (*core.Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.byID[id]
	if !ok {
		return nil, core.NotFound("GetJob", "no such job "+id)
	}
	return j.Clone(), nil
}

func (t *Transport) Retry(ctx context.Context, id string) error {
	t.mu.Lock()
	j, ok := t.byID[id]
	if !ok {
		t.mu.Unlock()
		return core.NotFound("Retry", "no such job "+id)
	}
	if j.Status != core.StatusFailed {
		t.mu.Unlock()
		return core.Conflict("Retry", "job is not failed")
	}
	j.Status = core.StatusWaiting
	j.Attempts = 0
	j.LastError = ""
	j.AvailableAt = time.Now()
	t.enqueueReadyLocked(j)
	t.mu.Unlock()
	t.dispatch(ctx)
	return nil
}

func (t *Transport) Remove(ctx context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.byID[id]
	if !ok {
		return core.NotFound("Remove", "no such job "+id)
	}
	if j.Status == core.StatusActive {
		return core.Conflict("Remove", "cannot remove an active job")
	}
	if pq, ok := t.waiting[j.Type]; ok {
		pq.remove(id)
	}
	if timer, ok := t.timers[id]; ok {
		timer.Stop()
		delete(t.timers, id)
	}
	delete(t.pausedPrior, id)
	delete(t.byID, id)
	t.totalJobs--
	return nil
}

func (t *Transport) Clean(ctx context.Context, status core.Status, grace time.Duration) (int64, error) {
	if status == core.StatusActive || status == core.StatusWaiting {
		return 0, core.InvalidArgument("Clean", "cannot clean active or waiting jobs")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-grace)
	var removed int64
	for id, j := range t.byID {
		if j.Status != status {
			continue
		}
		ts := terminalTimestamp(j)
		if ts == nil || ts.After(cutoff) {
			continue
		}
		delete(t.byID, id)
		t.totalJobs--
		removed++
	}
	return removed, nil
}

func terminalTimestamp(j *core.Job) *time.Time {
	switch j.Status {
	case core.StatusCompleted:
		return j.CompletedAt
	case core.StatusFailed:
		return j.FailedAt
	default:
		return nil
	}
}

func (t *Transport) Health(ctx context.Context) core.Health {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return core.Health{Status: core.HealthUnhealthy, Message: "transport closed"}
	}
	return core.Health{Status: core.HealthHealthy}
}

func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, timer := range t.timers {
		timer.Stop()
	}
	t.timers = map[string]*time.Timer{}
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
