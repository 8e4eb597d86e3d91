// Runner drives a WorkflowRun stage-by-stage through the Task
// Processor: each stage's non-skipped TaskTemplates are all submitted
// before any is awaited, and the Runner then polls the Task Store until
// every one of them reaches a terminal state before advancing.
package workflow

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/relayforge/taskmesh/internal/apperrors"
	"github.com/relayforge/taskmesh/internal/clock"
	"github.com/relayforge/taskmesh/internal/model"
	"github.com/relayforge/taskmesh/internal/observability"
	"github.com/relayforge/taskmesh/internal/store"
)

// TaskSubmitter is the narrow slice of processor.Pool the Runner needs:
// enqueue a persisted task, or cancel one that's in flight.
type TaskSubmitter interface {
	Submit(task model.Task)
	Cancel(taskID string)
}

// Runner executes compiled Workflows, one WorkflowRun at a time, over a
// shared Task Processor.
type Runner struct {
	store     store.Store
	processor TaskSubmitter
	clock     clock.Clock

	pollInterval time.Duration
}

// NewRunner constructs a Runner. pollInterval governs how often the
// Runner checks the store for a submitted stage task reaching a
// terminal state; the spec leaves the wait mechanism unspecified
// beyond "wait for all stage tasks to reach a terminal state", so
// polling the Task Store (rather than wiring a bespoke completion
// channel through the processor) keeps the Runner's only dependency on
// the Processor to Submit/Cancel.
func NewRunner(st store.Store, proc TaskSubmitter, c clock.Clock, pollInterval time.Duration) *Runner {
	if c == nil {
		c = clock.Real
	}
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	return &Runner{store: st, processor: proc, clock: c, pollInterval: pollInterval}
}

// conditions holds each edge's compiled Condition, keyed by "from->to",
// built once alongside the ExecutionPlan so the Runner never recompiles
// CEL per evaluation.
type conditions map[string]*Condition

// compileConditions compiles every edge condition in plan once. Compile
// already validated each condition during planning; a failure here
// would indicate Compile and Runner have drifted out of sync.
func compileConditions(plan *model.ExecutionPlan) (conditions, error) {
	out := make(conditions)
	for _, edges := range plan.Outgoing {
		for _, e := range edges {
			if e.Condition == "" {
				continue
			}
			cond, err := CompileCondition(e.Condition)
			if err != nil {
				return nil, err
			}
			out[e.From+"->"+e.To] = cond
		}
	}
	return out, nil
}

// Run executes a single WorkflowRun against plan, mutating run in
// place; it does not write run to the store, which is left to the
// caller. Non-empty inputs are merged into every stage task's payload
// under the "inputs" key.
func (r *Runner) Run(ctx context.Context, plan *model.ExecutionPlan, run *model.WorkflowRun, inputs map[string]interface{}, ownerID string) error {
	conds, err := compileConditions(plan)
	if err != nil {
		return err
	}

	run.Status = model.RunRunning
	if run.Outcomes == nil {
		run.Outcomes = make(map[string]model.StageOutcome)
	}
	if run.Skipped == nil {
		run.Skipped = make(map[string]bool)
	}
	observability.WorkflowRunsActive.Inc()
	defer observability.WorkflowRunsActive.Dec()

	for levelIdx, level := range plan.Levels {
		select {
		case <-ctx.Done():
			return r.cancelRun(run, "run cancelled before stage "+strconv.Itoa(levelIdx))
		default:
		}

		runFailed, err := r.runStage(ctx, plan, conds, run, level, inputs, ownerID)
		if err != nil {
			return err
		}
		if runFailed {
			run.Status = model.RunFailed
			now := r.clock.Now()
			run.CompletedAt = &now
			observability.WorkflowRunOutcomes.WithLabelValues(string(model.RunFailed)).Inc()
			return nil
		}
	}

	run.Status = model.RunSucceeded
	now := r.clock.Now()
	run.CompletedAt = &now
	observability.WorkflowRunOutcomes.WithLabelValues(string(model.RunSucceeded)).Inc()
	return nil
}

// runStage evaluates every TaskTemplate in level against the run's
// accumulated context, submits the non-skipped ones in parallel, waits
// for all of them to terminate, and applies the stage-outcome rule.
// Returns true if the stage's outcome makes the whole run Failed.
func (r *Runner) runStage(ctx context.Context, plan *model.ExecutionPlan, conds conditions, run *model.WorkflowRun, level []string, inputs map[string]interface{}, ownerID string) (bool, error) {
	views := stageViews(run)

	type pending struct {
		stageID  string
		template model.TaskTemplate
		taskID   string
	}
	var submitted []pending

	for _, stageID := range level {
		tmpl := plan.StageByID[stageID]

		fire, err := r.evaluateIncoming(plan, conds, stageID, views)
		if err != nil {
			return false, err
		}
		if !fire {
			run.Skipped[stageID] = true
			run.Outcomes[stageID] = model.StageOutcome{StageID: stageID, Status: "skipped"}
			continue
		}

		task := r.buildTask(tmpl, run, inputs, ownerID)
		if err := r.store.CreateTask(ctx, &task); err != nil {
			return false, apperrors.Wrap(apperrors.Internal, "failed to persist stage task", err)
		}
		r.processor.Submit(task)
		submitted = append(submitted, pending{stageID: stageID, template: tmpl, taskID: task.ID})
	}

	stageFailed := false
	for _, p := range submitted {
		task, err := r.awaitTerminal(ctx, p.taskID)
		if err != nil {
			// Context cancelled or storage error: cancel this task and
			// record it as Cancelled. Once ctx is done, every later task
			// in this loop takes the same path.
			r.processor.Cancel(p.taskID)
			run.Outcomes[p.stageID] = model.StageOutcome{StageID: p.stageID, TaskID: p.taskID, Status: model.TaskCancelled, Error: err.Error()}
			stageFailed = true
			continue
		}

		outcome := model.StageOutcome{StageID: p.stageID, TaskID: task.ID, Status: task.Status, Output: task.Output, Error: task.LastError, ProviderID: task.AssignedProviderID}
		run.Outcomes[p.stageID] = outcome

		if task.Status == model.TaskSucceeded && task.AssignedProviderID != "" {
			// Affinity bias (spec.md §4.3 step 4): later stages of this
			// run prefer whichever Provider most recently proved itself
			// here, applied in the deterministic order this loop already
			// walks submitted tasks in.
			run.LastProviderID = task.AssignedProviderID
		}

		if task.Status != model.TaskSucceeded {
			if p.template.ContinueOnFailure {
				// Per spec.md §4.5 step 4: the failing task's error
				// record becomes its output slot and the stage still
				// counts as succeeded for run-advancement purposes.
				continue
			}
			stageFailed = true
		}
	}

	return stageFailed, nil
}

// evaluateIncoming reports whether stageID should fire: true if it has
// no incoming edges (always runs), or if every incoming edge either has
// no condition or its condition evaluates true against views.
func (r *Runner) evaluateIncoming(plan *model.ExecutionPlan, conds conditions, stageID string, views map[string]StageView) (bool, error) {
	edges := plan.Incoming[stageID]
	if len(edges) == 0 {
		return true, nil
	}
	for _, e := range edges {
		if e.Condition == "" {
			continue
		}
		cond := conds[e.From+"->"+e.To]
		ok, err := cond.Evaluate(views)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func stageViews(run *model.WorkflowRun) map[string]StageView {
	views := make(map[string]StageView, len(run.Outcomes))
	for id, outcome := range run.Outcomes {
		status := string(outcome.Status)
		if run.Skipped[id] {
			status = "skipped"
		}
		views[id] = StageView{Status: status, Output: outcome.Output}
	}
	return views
}

func (r *Runner) buildTask(tmpl model.TaskTemplate, run *model.WorkflowRun, inputs map[string]interface{}, ownerID string) model.Task {
	now := r.clock.Now()
	payload := make(map[string]interface{}, len(tmpl.Payload)+1)
	for k, v := range tmpl.Payload {
		payload[k] = v
	}
	if len(inputs) > 0 {
		payload["inputs"] = inputs
	}

	metadata := tmpl.Metadata
	if run.LastProviderID != "" {
		metadata = make(map[string]string, len(tmpl.Metadata)+1)
		for k, v := range tmpl.Metadata {
			metadata[k] = v
		}
		metadata["prefer_provider"] = run.LastProviderID
	}

	return model.Task{
		ID:               clock.NewID(),
		Kind:             tmpl.Kind,
		Payload:          payload,
		Metadata:         metadata,
		Priority:         tmpl.Priority,
		OwnerID:          ownerID,
		CreatedAt:        now,
		UpdatedAt:        now,
		Status:           model.TaskQueued,
		ParentWorkflowID: run.WorkflowID,
		ParentStageID:    tmpl.StageID,
	}
}

// awaitTerminal polls the store until taskID reaches a terminal status
// or ctx is done.
func (r *Runner) awaitTerminal(ctx context.Context, taskID string) (*model.Task, error) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		task, err := r.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.Internal, "failed to read stage task", err)
		}
		if task != nil && task.Status.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, apperrors.New(apperrors.Cancelled, "context cancelled awaiting task "+taskID)
		case <-ticker.C:
		}
	}
}

func (r *Runner) cancelRun(run *model.WorkflowRun, reason string) error {
	run.Status = model.RunCancelled
	now := r.clock.Now()
	run.CompletedAt = &now
	log.Printf("[WORKFLOW] run %s cancelled: %s", run.ID, reason)
	observability.WorkflowRunOutcomes.WithLabelValues(string(model.RunCancelled)).Inc()
	return nil
}
