// Copyright 2025 James Ross

// Package jobqueue is a pluggable background job queue: a single Queue
// façade backed by exactly one of a memory, Redis, or SQL transport,
// selected once at construction. It generalizes the teacher's
// single-purpose Redis work queue (github.com/flyingrobots/go-redis-work-queue)
// into a transport-agnostic library while keeping its ambient stack:
// zap logging, viper configuration, prometheus metrics and otel
// tracing.
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jobqueue/jobqueue/internal/config"
	"github.com/jobqueue/jobqueue/internal/core"
	"github.com/jobqueue/jobqueue/internal/idgen"
	"github.com/jobqueue/jobqueue/internal/obs"
	"github.com/jobqueue/jobqueue/internal/transport/memory"
	"github.com/jobqueue/jobqueue/internal/transport/redisq"
	"github.com/jobqueue/jobqueue/internal/transport/sqlq"
	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// Queue is the public entry point. One Queue owns exactly one
// transport for its whole lifetime (spec.md section 4.1 "Selection is
// final for the life of the queue instance").
type Queue struct {
	cfg       *config.Config
	log       *zap.Logger
	transport core.Transport
	tp        *sdktrace.TracerProvider

	fallbackReason string

	mu     sync.Mutex
	closed bool
	types  []string

	sigCh chan os.Signal
}

// New builds a Queue from cfg, resolving the transport cfg.Transport
// names (memory/redis/database) to a concrete implementation. If the
// selected non-memory transport fails to initialize, New falls back to
// the memory transport and records the reason in Health().Message.
func New(cfg *config.Config) (*Queue, error) {
	if cfg == nil {
		var err error
		cfg, err = config.Load("")
		if err != nil {
			return nil, err
		}
	}
	log, err := obs.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFile)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: init logger: %w", err)
	}
	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		log.Warn("tracing init failed, continuing without it", obs.Err(err))
	}

	limits := core.Limits{
		Concurrency:      cfg.Worker.Concurrency,
		StalledInterval:  cfg.Worker.StalledInterval,
		MaxStalledCount:  cfg.Worker.MaxStalledCount,
		RemoveOnComplete: cfg.Worker.RemoveOnComplete,
		RemoveOnFail:     cfg.Worker.RemoveOnFail,
	}

	q := &Queue{cfg: cfg, log: log, tp: tp}
	tr, reason := buildTransport(cfg, limits, log)
	q.transport = tr
	q.fallbackReason = reason
	return q, nil
}

// NewFromFile loads configuration from path (YAML, env overrides
// applied on top) and constructs a Queue.
func NewFromFile(path string) (*Queue, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

func buildTransport(cfg *config.Config, limits core.Limits, log *zap.Logger) (core.Transport, string) {
	switch cfg.Transport {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:         redisAddr(cfg.Redis.URL),
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
			MaxRetries:   cfg.Redis.MaxRetries,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Warn("redis transport init failed, falling back to memory", obs.Err(err))
			return memory.New(limits, cfg.Memory.MaxJobs, log), "redis unavailable: " + err.Error()
		}
		return redisq.New(rdb, cfg.Redis.KeyPrefix, limits, log, cfg.Redis.AddRatePerSecond, cfg.Redis.AddRateBurst), ""
	case "database":
		tr, err := sqlq.Open(cfg.Database.Engine, cfg.Database.URL, cfg.Database.TableName, limits, sqlq.Options{
			PollInterval: cfg.Database.PollInterval,
			BatchSize:    cfg.Database.BatchSize,
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
		}, log)
		if err != nil {
			log.Warn("database transport init failed, falling back to memory", obs.Err(err))
			return memory.New(limits, cfg.Memory.MaxJobs, log), "database unavailable: " + err.Error()
		}
		return tr, ""
	default:
		return memory.New(limits, cfg.Memory.MaxJobs, log), ""
	}
}

func redisAddr(url string) string {
	const prefix = "redis://"
	if len(url) > len(prefix) && url[:len(prefix)] == prefix {
		return url[len(prefix):]
	}
	return url
}

// Add enqueues a job of jobType carrying data (marshaled to JSON) and
// returns its id. opts override the Queue's configured defaults for
// priority, retry policy and retention, per spec.md section 4.1.
func (q *Queue) Add(ctx context.Context, jobType string, data interface{}, opts ...AddOption) (string, error) {
	return q.enqueue(ctx, jobType, data, 0, opts)
}

// Schedule is Add with a forced delay. Negative delays and delays
// longer than one year are rejected.
func (q *Queue) Schedule(ctx context.Context, jobType string, data interface{}, delay time.Duration, opts ...AddOption) (string, error) {
	if delay < 0 {
		return "", core.InvalidArgument("Schedule", "delay must not be negative")
	}
	if delay > 365*24*time.Hour {
		return "", core.InvalidArgument("Schedule", "delay must not exceed one year")
	}
	return q.enqueue(ctx, jobType, data, delay, opts)
}

func (q *Queue) enqueue(ctx context.Context, jobType string, data interface{}, delay time.Duration, opts []AddOption) (string, error) {
	if !core.ValidType(jobType) {
		return "", core.InvalidArgument("Add", fmt.Sprintf("invalid job type %q", jobType))
	}
	if data == nil {
		return "", core.InvalidArgument("Add", "data must not be nil")
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return "", core.InvalidArgument("Add", "data is not JSON-serializable")
	}

	o := AddOptions{
		Priority:         q.cfg.Worker.DefaultPriority,
		MaxAttempts:      q.cfg.Worker.MaxAttempts,
		Backoff:          Backoff(q.cfg.Worker.RetryBackoff),
		BackoffBase:      q.cfg.Worker.RetryDelay,
		BackoffMax:       core.DefaultMaxDelay,
		RemoveOnComplete: q.cfg.Worker.RemoveOnComplete,
		RemoveOnFail:     q.cfg.Worker.RemoveOnFail,
		Delay:            delay,
	}
	for _, opt := range opts {
		opt(&o)
	}

	now := time.Now()
	job := &core.Job{
		ID:               idgen.New(),
		Type:             jobType,
		Data:             payload,
		Status:           core.StatusWaiting,
		Priority:         o.Priority,
		MaxAttempts:      o.MaxAttempts,
		Backoff:          o.Backoff,
		BackoffBase:      o.BackoffBase,
		BackoffMax:       o.BackoffMax,
		RemoveOnComplete: o.RemoveOnComplete,
		RemoveOnFail:     o.RemoveOnFail,
		AvailableAt:      now,
		CreatedAt:        now,
	}
	if o.Delay > 0 {
		job.Status = core.StatusDelayed
		job.AvailableAt = now.Add(o.Delay)
	}

	ctx, span := obs.StartAddSpan(ctx, jobType, o.Priority)
	defer span.End()
	job.TraceID, job.SpanID = obs.GetTraceAndSpanID(ctx)

	if err := q.transport.Add(ctx, job); err != nil {
		obs.RecordError(ctx, err)
		return "", err
	}
	obs.JobsAdded.WithLabelValues(jobType).Inc()
	obs.SetSpanSuccess(ctx)
	return job.ID, nil
}

// Process registers the handler invoked for every job of jobType.
// Exactly one handler may be registered per type; a second call for
// the same type returns a Conflict error.
func (q *Queue) Process(ctx context.Context, jobType string, handler Handler) error {
	if !core.ValidType(jobType) {
		return core.InvalidArgument("Process", fmt.Sprintf("invalid job type %q", jobType))
	}
	q.mu.Lock()
	q.types = append(q.types, jobType)
	q.mu.Unlock()

	wrapped := func(ctx context.Context, job *core.Job) error {
		start := time.Now()
		ctx, span := obs.ContextWithJobSpan(ctx, job)
		defer span.End()

		err := handler(ctx, job)
		obs.JobProcessingDuration.WithLabelValues(jobType).Observe(time.Since(start).Seconds())
		if err != nil {
			obs.RecordError(ctx, err)
			if job.Attempts >= job.MaxAttempts {
				obs.JobsFailed.WithLabelValues(jobType).Inc()
			} else {
				obs.JobsRetried.WithLabelValues(jobType).Inc()
			}
			return err
		}
		obs.SetSpanSuccess(ctx)
		obs.JobsCompleted.WithLabelValues(jobType).Inc()
		return nil
	}
	return q.transport.Process(ctx, jobType, wrapped)
}

func (q *Queue) Pause(ctx context.Context, jobType string) error  { return q.transport.Pause(ctx, jobType) }
func (q *Queue) Resume(ctx context.Context, jobType string) error { return q.transport.Resume(ctx, jobType) }

func (q *Queue) GetStats(ctx context.Context, jobType string) (Stats, error) {
	return q.transport.GetStats(ctx, jobType)
}

func (q *Queue) GetJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = 1000
	}
	return q.transport.GetJobs(ctx, filter)
}

func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	return q.transport.GetJob(ctx, id)
}

func (q *Queue) Retry(ctx context.Context, id string) error { return q.transport.Retry(ctx, id) }

func (q *Queue) Remove(ctx context.Context, id string) error { return q.transport.Remove(ctx, id) }

// Clean removes records of status whose terminal timestamp is older
// than grace. grace defaults to 24h when zero.
func (q *Queue) Clean(ctx context.Context, status Status, grace time.Duration) (int64, error) {
	if grace <= 0 {
		grace = 24 * time.Hour
	}
	return q.transport.Clean(ctx, status, grace)
}

// Health reports transport reachability, folding in the reason a
// requested transport fell back to memory, if any.
func (q *Queue) Health(ctx context.Context) Health {
	h := q.transport.Health(ctx)
	h.Transport = q.cfg.Transport
	if q.fallbackReason != "" {
		h.Status = core.HealthDegraded
		if h.Message == "" {
			h.Message = q.fallbackReason
		}
	}
	return h
}

// Close pauses intake, waits up to cfg.Worker.GracefulShutdownTimeout
// for in-flight handlers to finish, then releases transport resources.
// Idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	if q.sigCh != nil {
		signal.Stop(q.sigCh)
	}
	q.mu.Unlock()

	_ = q.transport.Pause(context.Background(), "")
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.Worker.GracefulShutdownTimeout)
	defer cancel()
	err := q.transport.Close(ctx)
	if q.tp != nil {
		_ = obs.TracerShutdown(context.Background(), q.tp)
	}
	_ = q.log.Sync()
	return err
}

// InstallShutdownHook calls Close when one of sig (default SIGINT,
// SIGTERM) is received. Grounded on cmd/job-queue-system/main.go's
// signal.Notify/select shutdown block, moved behind an explicit call
// so the façade itself never touches os/signal unprompted.
func (q *Queue) InstallShutdownHook(sig ...os.Signal) {
	if len(sig) == 0 {
		sig = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	q.mu.Lock()
	if q.sigCh != nil {
		q.mu.Unlock()
		return
	}
	ch := make(chan os.Signal, 2)
	q.sigCh = ch
	q.mu.Unlock()

	signal.Notify(ch, sig...)
	go func() {
		s, ok := <-ch
		if !ok {
			return
		}
		q.log.Info("signal received, shutting down", obs.String("signal", s.String()))
		if err := q.Close(); err != nil {
			q.log.Error("shutdown error", obs.Err(err))
		}
	}()
}

// ServeObservability starts the /metrics, /healthz and /readyz HTTP
// endpoints, grounded on obs.StartHTTPServer/StartQueueDepthUpdater as
// wired together in cmd/job-queue-system/main.go. Callers own the
// returned server's shutdown.
func (q *Queue) ServeObservability(ctx context.Context) *http.Server {
	srv := obs.StartHTTPServer(q.cfg, func(c context.Context) error {
		h := q.Health(c)
		if h.Status == core.HealthUnhealthy {
			return fmt.Errorf("transport unhealthy: %s", h.Message)
		}
		return nil
	})
	q.mu.Lock()
	types := append([]string(nil), q.types...)
	q.mu.Unlock()
	obs.StartQueueDepthUpdater(ctx, q.transport, types, q.cfg.Redis.TickInterval, q.log)
	return srv
}
