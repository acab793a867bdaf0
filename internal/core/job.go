// Copyright 2025 James Ross
package core

import (
	"encoding/json"
	"regexp"
	"time"
)

// Status is a job's position in the lifecycle described in spec.md section 3.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDelayed   Status = "delayed"
	StatusPaused    Status = "paused"
)

// Backoff selects how Retry delays grow between attempts.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

var typePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// ValidType reports whether s is an acceptable job type per spec.md section 3.
func ValidType(s string) bool {
	return typePattern.MatchString(s)
}

// Job is the canonical record shared by every transport.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data"`
	Status      Status          `json:"status"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Backoff     Backoff         `json:"backoff"`
	BackoffBase time.Duration   `json:"backoffBase"`
	BackoffMax  time.Duration   `json:"backoffMax"`
	Delay       time.Duration   `json:"delay"`

	RemoveOnComplete int `json:"removeOnComplete"`
	RemoveOnFail     int `json:"removeOnFail"`

	AvailableAt time.Time  `json:"availableAt"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`

	LastError string `json:"lastError,omitempty"`

	// StalledCount tracks how many times a lease on this job has expired
	// without completion; see spec.md section 4.4 "Recover stalled".
	StalledCount int `json:"stalledCount"`

	TraceID string `json:"traceId,omitempty"`
	SpanID  string `json:"spanId,omitempty"`
}

// Marshal encodes the job as JSON, the wire format for every persistent
// transport (spec.md section 6 "Wire formats").
func (j *Job) Marshal() ([]byte, error) {
	return json.Marshal(j)
}

// UnmarshalJob decodes a job record previously produced by Marshal.
func UnmarshalJob(b []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Clone returns a deep-enough copy safe to hand to a caller without
// exposing the transport's internal record to mutation.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Data != nil {
		cp.Data = append(json.RawMessage(nil), j.Data...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	if j.FailedAt != nil {
		t := *j.FailedAt
		cp.FailedAt = &t
	}
	return &cp
}
