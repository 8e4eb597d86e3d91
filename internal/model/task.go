// Package model holds the shared data types every other package depends
// on: Task, Provider, QuotaRecord, Fingerprint, CacheEntry, and the
// Workflow family. Struct shapes and json/db tag conventions follow the
// teacher's control_plane/store/types.go; enum-with-String()-method idiom
// follows control_plane/scheduler/types.go's SchedulerMode.
package model

import (
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"
	TaskQueued       TaskStatus = "queued"
	TaskRunning      TaskStatus = "running"
	TaskSucceeded    TaskStatus = "succeeded"
	TaskFailed       TaskStatus = "failed"
	TaskCancelled    TaskStatus = "cancelled"
	TaskDeadLettered TaskStatus = "dead_lettered"
)

func (s TaskStatus) String() string { return string(s) }

// Terminal reports whether a task in this status can never transition
// again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskCancelled, TaskDeadLettered:
		return true
	default:
		return false
	}
}

// transitions enumerates the allowed status graph. Failed->Queued is the
// one backward edge, representing a retry; every other edge moves
// forward. Terminal states have no outgoing edges.
var transitions = map[TaskStatus]map[TaskStatus]bool{
	TaskPending: {TaskQueued: true, TaskCancelled: true},
	TaskQueued: {
		TaskRunning:   true,
		TaskCancelled: true,
	},
	TaskRunning: {
		TaskSucceeded:    true,
		TaskFailed:       true,
		TaskCancelled:    true,
		TaskDeadLettered: true,
	},
	TaskFailed: {
		TaskQueued:       true, // retry
		TaskDeadLettered: true,
		TaskCancelled:    true,
	},
}

// CanTransition reports whether moving from s to next is a legal edge in
// the task lifecycle. Terminal states (Succeeded, Cancelled,
// DeadLettered) never permit a further transition.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s.Terminal() {
		return false
	}
	return transitions[s][next]
}

// TaskKind identifies the kind of work a Task represents. The set of
// valid kinds is closed but registry-extensible: callers register new
// kinds at init time via KindRegistry.RegisterKind rather than the
// engine hard-coding a fixed switch, matching how the teacher's
// reconciler dispatches on a registered set of resource kinds rather
// than a closed Go enum.
type TaskKind string

// KindDescriptor carries the per-kind behavior the engine needs beyond
// the bare string: whether results are eligible for dedup-cache reuse,
// and which capability a Provider must advertise to execute it.
type KindDescriptor struct {
	Kind        TaskKind
	Capability  string
	DedupExempt bool
}

// kindRegistry is the process-wide closed set of known TaskKinds.
type kindRegistry struct {
	entries map[TaskKind]KindDescriptor
}

// KindRegistry is the shared registry instance. Components look up a
// kind's descriptor here rather than threading a map through every
// constructor.
var KindRegistry = &kindRegistry{entries: make(map[TaskKind]KindDescriptor)}

// RegisterKind adds kind to the closed set. Re-registering the same kind
// overwrites its descriptor, which is intentional: it lets tests install
// a fixture kind without a separate registry instance.
func (r *kindRegistry) RegisterKind(d KindDescriptor) {
	r.entries[d.Kind] = d
}

// Lookup returns the descriptor for kind and whether it is known.
func (r *kindRegistry) Lookup(kind TaskKind) (KindDescriptor, bool) {
	d, ok := r.entries[kind]
	return d, ok
}

// Task is a single unit of work routed to a Provider.
type Task struct {
	ID       string                 `json:"id" db:"id"`
	Kind     TaskKind               `json:"kind" db:"kind"`
	Payload  map[string]interface{} `json:"payload" db:"payload"`
	Metadata map[string]string      `json:"metadata" db:"metadata"`
	Priority int                    `json:"priority" db:"priority"`
	OwnerID  string                 `json:"owner_id" db:"owner_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`

	Status   TaskStatus `json:"status" db:"status"`
	Attempts int        `json:"attempts" db:"attempts"`
	LastError string    `json:"last_error,omitempty" db:"last_error"`

	// Output is the Provider's structured result once the task
	// succeeds, read by the DAG Engine so downstream stages can
	// reference $<stage-id>.output.<path> in their edge conditions.
	Output map[string]interface{} `json:"output,omitempty" db:"output"`

	AssignedProviderID string `json:"assigned_provider_id,omitempty" db:"assigned_provider_id"`

	ParentWorkflowID string `json:"parent_workflow_id,omitempty" db:"parent_workflow_id"`
	ParentStageID    string `json:"parent_stage_id,omitempty" db:"parent_stage_id"`

	// Version guards optimistic-concurrency updates, grounded on the
	// teacher's store.expectedVersion check in UpdateStateStatus.
	Version int `json:"version" db:"version"`
}

// AssignProvider records the Provider that will run the task. Per
// invariant, AssignedProviderID is only meaningful while the task is
// Running or after it has reached a terminal outcome that resulted from
// an attempt (Succeeded or Failed); it is cleared on retry.
func (t *Task) AssignProvider(providerID string) {
	t.AssignedProviderID = providerID
}

// ReadyForAttempt reports whether the task's status permits dispatching
// a new attempt to a Provider.
func (t *Task) ReadyForAttempt() bool {
	return t.Status == TaskQueued
}

func (t Task) String() string {
	return fmt.Sprintf("Task{id=%s kind=%s status=%s attempts=%d}", t.ID, t.Kind, t.Status, t.Attempts)
}
