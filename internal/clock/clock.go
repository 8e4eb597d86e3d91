// Package clock centralizes time and ID generation behind a Clock seam:
// components that accept a Clock can be given a fixed one in tests to
// make backoff, TTL, and scheduling assertions deterministic. Not every
// time read goes through it (queue.PushDelayed, for one, calls time.Now
// directly). This is the same role a clock abstraction plays in the teacher's
// scheduler (SubmitTime/EnqueuedAt bookkeeping) generalized into its own
// seam.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock is the narrow time interface every component depends on instead
// of the time package directly.
type Clock interface {
	Now() time.Time
}

// System is the production Clock backed by the wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Real is the shared System clock instance; components that don't need a
// fake clock in tests can take this directly.
var Real Clock = System{}

// NewID returns a globally unique identifier for a Task, Workflow,
// WorkflowRun, or reservation token.
func NewID() string {
	return uuid.NewString()
}

// Fixed is a test Clock that always returns the same instant, advanced
// manually via Advance.
type Fixed struct {
	at time.Time
}

// NewFixed returns a Fixed clock starting at t.
func NewFixed(t time.Time) *Fixed {
	return &Fixed{at: t}
}

func (f *Fixed) Now() time.Time { return f.at }

// Advance moves the fixed clock forward by d.
func (f *Fixed) Advance(d time.Duration) { f.at = f.at.Add(d) }
