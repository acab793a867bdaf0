// Copyright 2025 James Ross
package core

import (
	"context"
	"time"
)

// Handler is user code invoked once per job attempt. Returning a nil
// error transitions the job to completed; a non-nil error drives the
// transport's retry policy (spec.md section 4.1 "Handler wrapping").
type Handler func(ctx context.Context, job *Job) error

// Stats is the per-status count contract of Queue.GetStats.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    int64 `json:"paused"`
}

// HealthState is the coarse health reported by Queue.Health.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// Health is the result of Queue.Health.
type Health struct {
	Status    HealthState `json:"status"`
	Transport string      `json:"transport"`
	Message   string      `json:"message,omitempty"`
}

// JobFilter narrows Queue.GetJobs to a status and, optionally, a type.
type JobFilter struct {
	Status Status
	Type   string
	Limit  int
}

// Limits bundles the resource-shaped settings every transport enforces:
// concurrency, stalled-lease recovery, and retention, per spec.md
// sections 3 and 5.
type Limits struct {
	Concurrency      int
	StalledInterval  time.Duration
	MaxStalledCount  int
	RemoveOnComplete int
	RemoveOnFail     int
}

// Transport is the capability set spec.md section 9 asks the codebase
// to standardize on in place of the teacher's duck-typed adapter shape.
// Exactly one concrete implementation exists per backend; the façade in
// jobqueue.go selects one instance at construction time and never
// switches it out beneath the caller's feet.
type Transport interface {
	// Add enqueues a ready-or-delayed job. The Job's ID, Status and
	// AvailableAt are already populated by the façade.
	Add(ctx context.Context, job *Job) error

	// Process registers the handler invoked for jobs of job.Type once
	// the worker loop claims them. Exactly one handler per type; a
	// second Process call for the same type is a Conflict error.
	Process(ctx context.Context, jobType string, handler Handler) error

	// Pause/Resume affect jobType, or every type when jobType is "".
	Pause(ctx context.Context, jobType string) error
	Resume(ctx context.Context, jobType string) error

	GetStats(ctx context.Context, jobType string) (Stats, error)
	GetJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
	GetJob(ctx context.Context, id string) (*Job, error)

	Retry(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Clean(ctx context.Context, status Status, grace time.Duration) (int64, error)

	// Health reports reachability; the transport name is filled in by
	// the façade, so implementations only set Status/Message.
	Health(ctx context.Context) Health

	// Close stops dispatch, waits up to the caller-provided context
	// deadline for in-flight handlers, and releases transport resources.
	// Idempotent.
	Close(ctx context.Context) error
}

// Name identifies a transport kind for config/auto-detection purposes
// (spec.md section 4.1 "Transport selection").
type Name string

const (
	NameMemory   Name = "memory"
	NameRedis    Name = "redis"
	NameDatabase Name = "database"
)
