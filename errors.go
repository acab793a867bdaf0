// Copyright 2025 James Ross
package jobqueue

import "github.com/jobqueue/jobqueue/internal/core"

// Error is the error type Queue methods use for the failures they
// classify; some transport and shutdown errors are returned unwrapped.
type Error = core.Error

// Kind discriminates Error values; branch on it with KindOf.
type Kind = core.Kind

const (
	KindInvalidArgument = core.KindInvalidArgument
	KindBackend         = core.KindBackend
	KindHandlerFailure  = core.KindHandlerFailure
	KindOverflow        = core.KindOverflow
	KindConflict        = core.KindConflict
	KindNotFound        = core.KindNotFound
	KindClosed          = core.KindClosed
)

// KindOf extracts the Kind from err, or "" if err did not originate
// from this package.
func KindOf(err error) Kind { return core.KindOf(err) }
