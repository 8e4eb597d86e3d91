package provider

import (
	"context"

	"github.com/relayforge/taskmesh/internal/model"
)

// Result is what a Provider returns for a successfully executed Task.
type Result struct {
	Output map[string]interface{}

	// Err carries a per-task failure inside an ExecuteBatch response,
	// so one bad sub-result doesn't fail the whole batch call. Execute
	// never sets this; a single-task failure there is reported through
	// its own error return instead.
	Err error
}

// Provider is the contract every backend adapter implements: the
// engine only ever talks to a Task through this interface, never to a
// vendor SDK directly.
type Provider interface {
	Prober

	// Execute runs a single Task to completion or until ctx's deadline
	// elapses.
	Execute(ctx context.Context, task model.Task) (Result, error)

	// ExecuteBatch runs a batch of Tasks in one round-trip. Callers
	// must check Capabilities().Batching before calling this; an
	// adapter that doesn't support batching can embed NoBatching to
	// satisfy the interface with an explicit error.
	ExecuteBatch(ctx context.Context, tasks []model.Task) ([]Result, error)

	// Capabilities reports what this Provider instance can do, used by
	// the Coordinator's capability filter.
	Capabilities() model.Capabilities

	// EstimateCost returns a provider-specific relative cost estimate
	// for task, used only for observability; the engine never makes
	// routing decisions on it directly.
	EstimateCost(task model.Task) float64
}

// NoBatching is embedded by adapters that don't support ExecuteBatch.
type NoBatching struct{}

func (NoBatching) ExecuteBatch(ctx context.Context, tasks []model.Task) ([]Result, error) {
	return nil, errUnsupportedBatch
}

var errUnsupportedBatch = &unsupportedError{"batching not supported by this provider"}

type unsupportedError struct{ msg string }

func (e *unsupportedError) Error() string { return e.msg }
