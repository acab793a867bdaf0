// Copyright 2025 James Ross
package jobqueue

import "github.com/jobqueue/jobqueue/internal/core"

// Backoff selects how retry delays grow between attempts.
type Backoff = core.Backoff

const (
	BackoffFixed       = core.BackoffFixed
	BackoffExponential = core.BackoffExponential
)
