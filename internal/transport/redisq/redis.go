// Copyright 2025 James Ross
package redisq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jobqueue/jobqueue/internal/breaker"
	"github.com/jobqueue/jobqueue/internal/core"
	"github.com/jobqueue/jobqueue/internal/obs"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Transport implements core.Transport over Redis, grounded on the
// teacher's internal/worker.Worker dispatch loop, internal/reaper's
// stalled-job recovery, and internal/breaker's circuit breaker, all
// generalized from a single hardcoded Redis-list queue to the
// type-keyed keyspace keys.go describes.
type Transport struct {
	rdb     *redis.Client
	ks      keyspace
	log     *zap.Logger
	limits  core.Limits
	limiter *rate.Limiter

	mu          sync.Mutex
	handlers    map[string]core.Handler
	cancels     map[string]context.CancelFunc
	breakers    map[string]*breaker.CircuitBreaker
	wg          sync.WaitGroup
	inflight    sync.WaitGroup
	closed      bool
	stopPromote context.CancelFunc
	stopReap    context.CancelFunc
}

// New constructs a Redis-backed transport. rdb is expected already
// configured (pool size, timeouts) by the caller per config.Redis.
// ratePerSecond bounds Add/Schedule throughput for this process (0
// disables the limiter); burst is the limiter's token bucket size.
func New(rdb *redis.Client, prefix string, limits core.Limits, log *zap.Logger, ratePerSecond float64, burst int) *Transport {
	if prefix == "" {
		prefix = "jobqueue"
	}
	if log == nil {
		log = zap.NewNop()
	}
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
	t := &Transport{
		rdb:      rdb,
		ks:       keyspace{prefix: prefix},
		log:      log,
		limits:   limits,
		limiter:  limiter,
		handlers: make(map[string]core.Handler),
		cancels:  make(map[string]context.CancelFunc),
		breakers: make(map[string]*breaker.CircuitBreaker),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.stopPromote = cancel
	go t.promoteLoop(ctx)

	ctx2, cancel2 := context.WithCancel(context.Background())
	t.stopReap = cancel2
	go t.reapLoop(ctx2)
	return t
}

func score(priority int, availableAt time.Time) float64 {
	return float64(-priority)*1e13 + float64(availableAt.UnixMilli())
}

// Add enqueues job, placing it directly on the waiting sorted set when
// ready or on the shared delayed set when AvailableAt is in the future.
func (t *Transport) Add(ctx context.Context, job *core.Job) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return core.Closed("redis.Add")
	}
	if t.limiter != nil && !t.limiter.Allow() {
		return core.Overflow("redis.Add", "add rate limit exceeded")
	}

	payload, err := job.Marshal()
	if err != nil {
		return core.InvalidArgument("redis.Add", err.Error())
	}
	pipe := t.rdb.TxPipeline()
	pipe.Set(ctx, t.ks.job(job.ID), payload, 0)
	pipe.SAdd(ctx, t.ks.types(), job.Type)
	if job.Status == core.StatusDelayed && job.AvailableAt.After(time.Now()) {
		pipe.ZAdd(ctx, t.ks.delayed(), redis.Z{Score: float64(job.AvailableAt.UnixMilli()), Member: job.Type + "\x00" + job.ID})
	} else {
		pipe.ZAdd(ctx, t.ks.waiting(job.Type), redis.Z{Score: score(job.Priority, job.AvailableAt), Member: job.ID})
		pipe.Publish(ctx, t.ks.notify(job.Type), "1")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return core.Backend("redis.Add", err)
	}
	return nil
}

// Process registers handler and starts a dedicated dispatch loop for
// jobType, subscribing to its notify channel and polling on a ticker
// as a backstop, the same pattern as the teacher's BRPOPLPUSH worker
// loop generalized past a single hardcoded list.
func (t *Transport) Process(ctx context.Context, jobType string, handler core.Handler) error {
	t.mu.Lock()
	if _, ok := t.handlers[jobType]; ok {
		t.mu.Unlock()
		return core.Conflict("redis.Process", fmt.Sprintf("handler already registered for type %q", jobType))
	}
	t.handlers[jobType] = handler
	t.breakers[jobType] = breaker.New(time.Minute, 30*time.Second, 0.5, 20)
	loopCtx, cancel := context.WithCancel(context.Background())
	t.cancels[jobType] = cancel
	t.mu.Unlock()

	t.wg.Add(1)
	go t.dispatchLoop(loopCtx, jobType)
	return nil
}

// dispatchLoop reserves a semaphore slot before claiming, not after:
// claiming already flips a job to active with a lease running, so
// reserving the slot first keeps the active count from ever exceeding
// concurrency and keeps a claimed job's lease clock from running
// unaccounted-for while the loop blocks on a full semaphore.
func (t *Transport) dispatchLoop(ctx context.Context, jobType string) {
	defer t.wg.Done()
	sub := t.rdb.Subscribe(ctx, t.ks.notify(jobType))
	defer sub.Close()
	ch := sub.Channel()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	sem := make(chan struct{}, t.concurrencyFor(jobType))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
		case <-ticker.C:
		}
		for {
			if t.isPaused(ctx, jobType) {
				break
			}
			t.mu.Lock()
			cb := t.breakers[jobType]
			t.mu.Unlock()
			if cb != nil && !cb.Allow() {
				break
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			id, err := t.claim(ctx, jobType)
			if cb != nil {
				before := cb.State()
				cb.Record(err == nil)
				after := cb.State()
				obs.CircuitBreakerState.Set(float64(after))
				if before != breaker.Open && after == breaker.Open {
					obs.CircuitBreakerTrips.Inc()
				}
			}
			if err != nil || id == "" {
				<-sem
				break
			}
			t.inflight.Add(1)
			go func(id string) {
				defer func() { <-sem; t.inflight.Done() }()
				t.runOne(ctx, jobType, id)
			}(id)
		}
	}
}

func (t *Transport) concurrencyFor(jobType string) int {
	if t.limits.Concurrency > 0 {
		return t.limits.Concurrency
	}
	return 8
}

func (t *Transport) claim(ctx context.Context, jobType string) (string, error) {
	lease := t.limits.StalledInterval
	if lease <= 0 {
		lease = 30 * time.Second
	}
	now := time.Now()
	res, err := t.rdb.Eval(ctx, claimScript,
		[]string{t.ks.waiting(jobType), t.ks.active(jobType)},
		now.UnixMilli(), now.Add(lease).UnixMilli(),
	).Result()
	if err == redis.Nil || res == nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	id, _ := res.(string)
	return id, nil
}

func (t *Transport) runOne(ctx context.Context, jobType, id string) {
	job, err := t.GetJob(ctx, id)
	if err != nil {
		t.log.Error("redis transport: claimed job missing", zap.String("id", id), zap.String("type", jobType))
		return
	}
	job.Status = core.StatusActive
	job.Attempts++
	now := time.Now()
	job.UpdatedAt = now
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	t.saveJob(ctx, job)

	t.mu.Lock()
	handler := t.handlers[jobType]
	t.mu.Unlock()

	herr := handler(ctx, job)
	t.finish(ctx, job, herr)
}

func (t *Transport) finish(ctx context.Context, job *core.Job, herr error) {
	ks := t.ks
	pipe := t.rdb.TxPipeline()
	pipe.Eval(ctx, completeScript, []string{ks.active(job.Type)}, job.ID)

	now := time.Now()
	if herr == nil {
		job.Status = core.StatusCompleted
		job.UpdatedAt = now
		job.CompletedAt = &now
		job.LastError = ""
		payload, _ := job.Marshal()
		pipe.Set(ctx, ks.job(job.ID), payload, 0)
		if t.limits.RemoveOnComplete > 0 {
			pipe.LPush(ctx, ks.completed(job.Type), job.ID)
			pipe.LTrim(ctx, ks.completed(job.Type), 0, int64(t.limits.RemoveOnComplete-1))
		}
	} else {
		job.LastError = herr.Error()
		status, availableAt, terminal := core.NextAttempt(job, now)
		job.Status = status
		job.AvailableAt = availableAt
		job.UpdatedAt = now
		payload, _ := job.Marshal()
		pipe.Set(ctx, ks.job(job.ID), payload, 0)
		if terminal {
			job.FailedAt = &now
			if t.limits.RemoveOnFail > 0 {
				pipe.LPush(ctx, ks.failed(job.Type), job.ID)
				pipe.LTrim(ctx, ks.failed(job.Type), 0, int64(t.limits.RemoveOnFail-1))
			}
		} else if status == core.StatusDelayed {
			pipe.ZAdd(ctx, ks.delayed(), redis.Z{Score: float64(availableAt.UnixMilli()), Member: job.Type + "\x00" + job.ID})
		} else {
			pipe.ZAdd(ctx, ks.waiting(job.Type), redis.Z{Score: score(job.Priority, availableAt), Member: job.ID})
			pipe.Publish(ctx, ks.notify(job.Type), "1")
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		t.log.Error("redis transport: finish pipeline failed", zap.String("id", job.ID), zap.Error(err))
	}
}

func (t *Transport) saveJob(ctx context.Context, job *core.Job) {
	payload, err := job.Marshal()
	if err != nil {
		return
	}
	if err := t.rdb.Set(ctx, t.ks.job(job.ID), payload, 0).Err(); err != nil {
		t.log.Warn("redis transport: save job failed", zap.String("id", job.ID), zap.Error(err))
	}
}

// promoteLoop moves due delayed jobs into their type's waiting set,
// grounded on the sorted-set delayed-job promotion pattern the
// teacher's storage-backends package documents in its DequeueOptions
// for delayed delivery.
func (t *Transport) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.promoteOnce(ctx)
		}
	}
}

func (t *Transport) promoteOnce(ctx context.Context) {
	now := time.Now()
	members, err := t.rdb.ZRangeByScore(ctx, t.ks.delayed(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()), Count: 100,
	}).Result()
	if err != nil || len(members) == 0 {
		return
	}
	for _, m := range members {
		var jobType, id string
		for i := 0; i < len(m); i++ {
			if m[i] == 0 {
				jobType, id = m[:i], m[i+1:]
				break
			}
		}
		if id == "" {
			continue
		}
		job, err := t.GetJob(ctx, id)
		if err != nil {
			t.rdb.ZRem(ctx, t.ks.delayed(), m)
			continue
		}
		job.Status = core.StatusWaiting
		t.saveJob(ctx, job)
		pipe := t.rdb.TxPipeline()
		pipe.ZRem(ctx, t.ks.delayed(), m)
		pipe.ZAdd(ctx, t.ks.waiting(jobType), redis.Z{Score: score(job.Priority, now), Member: id})
		pipe.Publish(ctx, t.ks.notify(jobType), "1")
		pipe.Exec(ctx)
	}
}

// reapLoop recovers jobs whose claim lease expired without the worker
// completing them, the stalled-job recovery spec.md section 5
// requires, grounded on internal/reaper.Reaper.scanOnce but keyed off
// lease-expiry scores instead of per-worker processing lists.
func (t *Transport) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.reapOnce(ctx)
		}
	}
}

func (t *Transport) reapOnce(ctx context.Context) {
	types, err := t.rdb.SMembers(ctx, t.ks.types()).Result()
	if err != nil {
		return
	}
	now := time.Now()
	for _, typ := range types {
		res, err := t.rdb.Eval(ctx, reclaimExpiredScript,
			[]string{t.ks.active(typ)},
			now.UnixMilli(), 100,
		).Result()
		if err != nil {
			continue
		}
		ids, _ := res.([]interface{})
		for _, raw := range ids {
			id, _ := raw.(string)
			if id == "" {
				continue
			}
			t.recoverStalledJob(ctx, typ, id, now)
		}
	}
}

// recoverStalledJob applies spec.md section 4.4's stalled-recovery
// decision to a single job already fenced out of active:{type}:
// increment stalledCount, requeue to waiting (attempts unchanged) if
// stalledCount is still within maxStalledCount, else mark failed with
// cause "stalled".
func (t *Transport) recoverStalledJob(ctx context.Context, jobType, id string, now time.Time) {
	job, err := t.GetJob(ctx, id)
	if err != nil {
		return
	}
	job.StalledCount++
	job.UpdatedAt = now
	obs.JobsStalled.WithLabelValues(jobType).Inc()

	if t.limits.MaxStalledCount > 0 && job.StalledCount > t.limits.MaxStalledCount {
		job.Status = core.StatusFailed
		job.FailedAt = &now
		job.LastError = "stalled"
		t.saveJob(ctx, job)
		if t.limits.RemoveOnFail > 0 {
			pipe := t.rdb.TxPipeline()
			pipe.LPush(ctx, t.ks.failed(jobType), id)
			pipe.LTrim(ctx, t.ks.failed(jobType), 0, int64(t.limits.RemoveOnFail-1))
			pipe.Exec(ctx)
		}
		t.log.Warn("redis transport: job failed after repeated stalls", zap.String("id", id), zap.String("type", jobType))
		return
	}

	job.Status = core.StatusWaiting
	t.saveJob(ctx, job)
	pipe := t.rdb.TxPipeline()
	pipe.ZAdd(ctx, t.ks.waiting(jobType), redis.Z{Score: score(job.Priority, now), Member: id})
	pipe.Publish(ctx, t.ks.notify(jobType), "1")
	pipe.Exec(ctx)
	t.log.Warn("redis transport: reclaimed stalled job", zap.String("id", id), zap.String("type", jobType))
}

func (t *Transport) isPaused(ctx context.Context, jobType string) bool {
	n, _ := t.rdb.Exists(ctx, t.ks.paused(jobType)).Result()
	if n > 0 {
		return true
	}
	n, _ = t.rdb.Exists(ctx, t.ks.pausedAll()).Result()
	return n > 0
}

// Pause stops the dispatch loop from claiming new jobs of jobType (or
// every type when jobType is ""); in-flight jobs finish normally.
func (t *Transport) Pause(ctx context.Context, jobType string) error {
	key := t.ks.pausedAll()
	if jobType != "" {
		key = t.ks.paused(jobType)
	}
	return t.rdb.Set(ctx, key, "1", 0).Err()
}

func (t *Transport) Resume(ctx context.Context, jobType string) error {
	key := t.ks.pausedAll()
	if jobType != "" {
		key = t.ks.paused(jobType)
	}
	return t.rdb.Del(ctx, key).Err()
}

func (t *Transport) GetStats(ctx context.Context, jobType string) (core.Stats, error) {
	var stats core.Stats
	types := []string{jobType}
	if jobType == "" {
		all, err := t.rdb.SMembers(ctx, t.ks.types()).Result()
		if err != nil {
			return stats, core.Backend("redis.GetStats", err)
		}
		types = all
	}
	for _, typ := range types {
		w, _ := t.rdb.ZCard(ctx, t.ks.waiting(typ)).Result()
		a, _ := t.rdb.ZCard(ctx, t.ks.active(typ)).Result()
		c, _ := t.rdb.LLen(ctx, t.ks.completed(typ)).Result()
		f, _ := t.rdb.LLen(ctx, t.ks.failed(typ)).Result()
		stats.Waiting += w
		stats.Active += a
		stats.Completed += c
		stats.Failed += f
	}
	d, _ := t.rdb.ZCard(ctx, t.ks.delayed()).Result()
	stats.Delayed = d
	return stats, nil
}

func (t *Transport) GetJobs(ctx context.Context, filter core.JobFilter) ([]*core.Job, error) {
	types := []string{filter.Type}
	if filter.Type == "" {
		all, err := t.rdb.SMembers(ctx, t.ks.types()).Result()
		if err != nil {
			return nil, core.Backend("redis.GetJobs", err)
		}
		types = all
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []*core.Job
	for _, typ := range types {
		var ids []string
		switch filter.Status {
		case core.StatusWaiting:
			ids, _ = t.rdb.ZRange(ctx, t.ks.waiting(typ), 0, int64(limit-1)).Result()
		case core.StatusActive:
			ids, _ = t.rdb.ZRange(ctx, t.ks.active(typ), 0, int64(limit-1)).Result()
		case core.StatusCompleted:
			ids, _ = t.rdb.LRange(ctx, t.ks.completed(typ), 0, int64(limit-1)).Result()
		case core.StatusFailed:
			ids, _ = t.rdb.LRange(ctx, t.ks.failed(typ), 0, int64(limit-1)).Result()
		}
		for _, id := range ids {
			if job, err := t.GetJob(ctx, id); err == nil {
				out = append(out, job)
				if len(out) >= limit {
					return out, nil
				}
			}
		}
	}
	return out, nil
}

func (t *Transport) GetJob(ctx context.Context, id string) (*core.Job, error) {
	payload, err := t.rdb.Get(ctx, t.ks.job(id)).Result()
	if err == redis.Nil {
		return nil, core.NotFound("redis.GetJob", fmt.Sprintf("job %s not found", id))
	}
	if err != nil {
		return nil, core.Backend("redis.GetJob", err)
	}
	return core.UnmarshalJob([]byte(payload))
}

func (t *Transport) Retry(ctx context.Context, id string) error {
	job, err := t.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != core.StatusFailed {
		return core.Conflict("redis.Retry", fmt.Sprintf("job %s is not failed", id))
	}
	job.Status = core.StatusWaiting
	job.Attempts = 0
	job.LastError = ""
	job.AvailableAt = time.Now()
	t.saveJob(ctx, job)
	pipe := t.rdb.TxPipeline()
	pipe.LRem(ctx, t.ks.failed(job.Type), 1, id)
	pipe.ZAdd(ctx, t.ks.waiting(job.Type), redis.Z{Score: score(job.Priority, job.AvailableAt), Member: id})
	pipe.Publish(ctx, t.ks.notify(job.Type), "1")
	_, err = pipe.Exec(ctx)
	return err
}

func (t *Transport) Remove(ctx context.Context, id string) error {
	job, err := t.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == core.StatusActive {
		return core.Conflict("redis.Remove", fmt.Sprintf("job %s is active", id))
	}
	pipe := t.rdb.TxPipeline()
	pipe.Del(ctx, t.ks.job(id))
	pipe.ZRem(ctx, t.ks.waiting(job.Type), id)
	pipe.ZRem(ctx, t.ks.delayed(), job.Type+"\x00"+id)
	pipe.LRem(ctx, t.ks.completed(job.Type), 1, id)
	pipe.LRem(ctx, t.ks.failed(job.Type), 1, id)
	_, err = pipe.Exec(ctx)
	return err
}

func (t *Transport) Clean(ctx context.Context, status core.Status, grace time.Duration) (int64, error) {
	types, err := t.rdb.SMembers(ctx, t.ks.types()).Result()
	if err != nil {
		return 0, core.Backend("redis.Clean", err)
	}
	var removed int64
	cutoff := time.Now().Add(-grace)
	for _, typ := range types {
		var key string
		switch status {
		case core.StatusCompleted:
			key = t.ks.completed(typ)
		case core.StatusFailed:
			key = t.ks.failed(typ)
		default:
			continue
		}
		ids, _ := t.rdb.LRange(ctx, key, 0, -1).Result()
		for _, id := range ids {
			job, err := t.GetJob(ctx, id)
			if err != nil {
				continue
			}
			ts := job.UpdatedAt
			if !ts.Before(cutoff) {
				continue
			}
			t.rdb.Del(ctx, t.ks.job(id))
			t.rdb.LRem(ctx, key, 1, id)
			removed++
		}
	}
	return removed, nil
}

func (t *Transport) Health(ctx context.Context) core.Health {
	if err := t.rdb.Ping(ctx).Err(); err != nil {
		return core.Health{Status: core.HealthUnhealthy, Message: err.Error()}
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
	for _, cancel := range t.cancels {
		cancel()
	}
	t.mu.Unlock()

	t.stopPromote()
	t.stopReap()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
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

var _ core.Transport = (*Transport)(nil)
