package model

import "time"

// TaskTemplate is one stage of a Workflow: the spec for a Task to be
// created when the stage fires, minus the fields only known at run
// time (ID, OwnerID, timestamps).
type TaskTemplate struct {
	StageID  string                 `json:"stage_id"`
	Kind     TaskKind               `json:"kind"`
	Payload  map[string]interface{} `json:"payload"`
	Metadata map[string]string      `json:"metadata"`
	Priority int                    `json:"priority"`

	// ContinueOnFailure, if true, lets downstream stages still fire along
	// edges whose condition treats this stage's failure as expected
	// (e.g. a fallback branch), rather than aborting the whole run.
	ContinueOnFailure bool `json:"continue_on_failure"`
}

// Edge is a directed dependency between two stages, gated by an
// optional CEL condition evaluated against the upstream stage's
// outcome. An empty Condition means "always traverse once From
// completes".
type Edge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
}

// Workflow is a DAG of TaskTemplates connected by Edges, plus an
// optional cron schedule.
type Workflow struct {
	ID    string `json:"id" db:"id"`
	Name  string `json:"name" db:"name"`

	Stages []TaskTemplate `json:"stages"`
	Edges  []Edge         `json:"edges"`

	CronSchedule string `json:"cron_schedule,omitempty" db:"cron_schedule"`
	Timezone     string `json:"timezone,omitempty" db:"timezone"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ExecutionPlan is the compiled, validated form of a Workflow: stages
// grouped into levels by Kahn's algorithm so the Runner knows which
// stages may dispatch concurrently.
type ExecutionPlan struct {
	WorkflowID string
	Levels     [][]string          // stage IDs, in topological levels
	StageByID  map[string]TaskTemplate
	Incoming   map[string][]Edge   // edges terminating at each stage, by To
	Outgoing   map[string][]Edge   // edges originating at each stage, by From
}

// RunStatus is the lifecycle state of a WorkflowRun.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// StageOutcome records what happened when a stage's Task finished, kept
// around so downstream Edge conditions can reference it.
type StageOutcome struct {
	StageID    string                 `json:"stage_id"`
	TaskID     string                 `json:"task_id"`
	Status     TaskStatus             `json:"status"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
	ProviderID string                 `json:"provider_id,omitempty"`
}

// WorkflowRun is one execution of a Workflow.
type WorkflowRun struct {
	ID         string `json:"id" db:"id"`
	WorkflowID string `json:"workflow_id" db:"workflow_id"`

	Status RunStatus `json:"status" db:"status"`

	Outcomes map[string]StageOutcome `json:"outcomes"`
	Skipped  map[string]bool          `json:"skipped"`

	// LastProviderID is the Provider that most recently succeeded a
	// stage task in this run, consulted by the Coordinator's affinity
	// filter (spec.md §4.3 step 4) so a later stage of the same run
	// prefers sticking with a Provider that's already proven itself.
	LastProviderID string `json:"last_provider_id,omitempty" db:"last_provider_id"`

	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`

	// TriggeredBy is "manual" or "cron"; cron-triggered runs record the
	// scheduled fire time they correspond to, for catch-up bookkeeping.
	TriggeredBy  string     `json:"triggered_by" db:"triggered_by"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty" db:"scheduled_for"`

	Version int `json:"version" db:"version"`
}
