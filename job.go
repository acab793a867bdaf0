// Copyright 2025 James Ross
package jobqueue

import "github.com/jobqueue/jobqueue/internal/core"

// Job is the public record returned by Queue.GetJob/GetJobs and passed
// to every Handler. It is a thin alias over internal/core.Job so the
// façade's exported API never imports from a transport package
// directly.
type Job = core.Job

// Status is a job's position in its lifecycle.
type Status = core.Status

const (
	StatusWaiting   = core.StatusWaiting
	StatusActive    = core.StatusActive
	StatusCompleted = core.StatusCompleted
	StatusFailed    = core.StatusFailed
	StatusDelayed   = core.StatusDelayed
	StatusPaused    = core.StatusPaused
)

// Handler processes one job attempt. A nil return completes the job;
// a non-nil return drives the retry policy configured on Add/Schedule.
type Handler = core.Handler

// Stats is the per-status job count returned by Queue.GetStats.
type Stats = core.Stats

// JobFilter narrows Queue.GetJobs.
type JobFilter = core.JobFilter

// Health is the result of Queue.Health.
type Health = core.Health

const (
	HealthHealthy   = core.HealthHealthy
	HealthDegraded  = core.HealthDegraded
	HealthUnhealthy = core.HealthUnhealthy
)
