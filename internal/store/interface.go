// Package store persists Tasks, Providers, Workflows, and WorkflowRuns.
// The Store interface shape (one method group per record type) and the
// copy-out-don't-alias discipline in MemoryStore are adapted from the
// teacher's store.Store/store.MemoryStore.
package store

import (
	"context"

	"github.com/relayforge/taskmesh/internal/model"
)

// ErrVersionConflict is returned by UpdateTask when expectedVersion no
// longer matches the stored row — another writer updated the task
// first. Grounded on the teacher's UpdateStateStatus expectedVersion
// check.
var ErrVersionConflict = errVersionConflict{}

type errVersionConflict struct{}

func (errVersionConflict) Error() string { return "store: version conflict" }

// Store is the persistence contract used by the engine. Postgres and
// Redis implementations satisfy it for durable and ephemeral
// deployments respectively; MemoryStore satisfies it for tests and the
// single-process demo in cmd/taskmesh.
type Store interface {
	// Task operations
	CreateTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	UpdateTask(ctx context.Context, task *model.Task, expectedVersion int) error
	ListTasksByStatus(ctx context.Context, status model.TaskStatus, limit int) ([]*model.Task, error)

	// Provider operations
	UpsertProvider(ctx context.Context, p *model.Provider) error
	GetProvider(ctx context.Context, id string) (*model.Provider, error)
	ListProviders(ctx context.Context) ([]*model.Provider, error)

	// Workflow operations
	CreateWorkflow(ctx context.Context, wf *model.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*model.Workflow, error)
	ListWorkflows(ctx context.Context) ([]*model.Workflow, error)

	// WorkflowRun operations
	CreateWorkflowRun(ctx context.Context, run *model.WorkflowRun) error
	GetWorkflowRun(ctx context.Context, id string) (*model.WorkflowRun, error)
	UpdateWorkflowRun(ctx context.Context, run *model.WorkflowRun, expectedVersion int) error
	ListRunsByWorkflow(ctx context.Context, workflowID string, limit int) ([]*model.WorkflowRun, error)

	// Durable epoch, for leader-election fencing.
	IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error)
	GetDurableEpoch(ctx context.Context, resourceID string) (int64, error)
}
