// Copyright 2025 James Ross
package jobqueue

import "time"

// AddOptions overrides the Queue's configured defaults for a single
// Add/Schedule call, per spec.md section 4.1 ("merges opts over
// config defaults").
type AddOptions struct {
	Priority         int
	MaxAttempts      int
	Backoff          Backoff
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	Delay            time.Duration
	RemoveOnComplete int
	RemoveOnFail     int
}

// AddOption mutates AddOptions; functional-option style keeps Add's
// signature stable as new knobs are added.
type AddOption func(*AddOptions)

func WithPriority(p int) AddOption { return func(o *AddOptions) { o.Priority = p } }

func WithMaxAttempts(n int) AddOption { return func(o *AddOptions) { o.MaxAttempts = n } }

func WithBackoff(kind Backoff, base, max time.Duration) AddOption {
	return func(o *AddOptions) {
		o.Backoff = kind
		o.BackoffBase = base
		o.BackoffMax = max
	}
}

func WithDelay(d time.Duration) AddOption { return func(o *AddOptions) { o.Delay = d } }

func WithRemoveOnComplete(n int) AddOption { return func(o *AddOptions) { o.RemoveOnComplete = n } }

func WithRemoveOnFail(n int) AddOption { return func(o *AddOptions) { o.RemoveOnFail = n } }
