package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/relayforge/taskmesh/internal/clock"
	"github.com/relayforge/taskmesh/internal/model"
	"github.com/relayforge/taskmesh/internal/store"
)

// everyMinute is a fixed cron.Schedule stand-in that fires once per
// minute on the minute boundary, avoiding a dependency on wall-clock
// parsing in these tests.
type everyMinute struct{}

func (everyMinute) Next(t time.Time) time.Time {
	return t.Truncate(time.Minute).Add(time.Minute)
}

type recordingRunner struct {
	runs []*model.WorkflowRun
}

func (r *recordingRunner) Run(ctx context.Context, plan *model.ExecutionPlan, run *model.WorkflowRun, inputs map[string]interface{}, ownerID string) error {
	r.runs = append(r.runs, run)
	run.Status = model.RunSucceeded
	return nil
}

func newTestEntry(workflowID string) *entry {
	return &entry{
		workflow: model.Workflow{ID: workflowID},
		plan:     &model.ExecutionPlan{WorkflowID: workflowID},
		schedule: everyMinute{},
	}
}

func TestEvaluateEntry_NoMissedFires(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	fx := clock.NewFixed(base)
	st := store.NewMemoryStore()
	runner := &recordingRunner{}
	s := New(st, runner, nil, fx, time.Minute, time.Hour)

	e := newTestEntry("wf-1")
	e.lastSeen = base

	s.evaluateEntry(context.Background(), e, base.Add(30*time.Second))

	if len(runner.runs) != 0 {
		t.Fatalf("expected no runs fired, got %d", len(runner.runs))
	}
}

func TestEvaluateEntry_SingleMissedFire(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	fx := clock.NewFixed(base)
	st := store.NewMemoryStore()
	runner := &recordingRunner{}
	s := New(st, runner, nil, fx, time.Minute, time.Hour)

	e := newTestEntry("wf-1")
	e.lastSeen = base

	s.evaluateEntry(context.Background(), e, base.Add(90*time.Second))

	// fire hands the run to the runner on its own goroutine, so the
	// persisted run record is the synchronous evidence of a fire.
	runs, err := st.ListRunsByWorkflow(context.Background(), "wf-1", 0)
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected exactly one run fired, got %d", len(runs))
	}
	if runs[0].TriggeredBy != "cron" {
		t.Fatalf("expected run to be cron-triggered, got %q", runs[0].TriggeredBy)
	}
}

// TestEvaluateEntry_BacklogCollapsesToOneRun asserts the catch-up
// policy: many missed fires inside the catch-up window still produce
// exactly one run, for the most recent missed fire time.
func TestEvaluateEntry_BacklogCollapsesToOneRun(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	fx := clock.NewFixed(base)
	st := store.NewMemoryStore()
	runner := &recordingRunner{}
	s := New(st, runner, nil, fx, time.Minute, time.Hour)

	e := newTestEntry("wf-1")
	e.lastSeen = base
	now := base.Add(10 * time.Minute)

	s.evaluateEntry(context.Background(), e, now)

	runs, err := st.ListRunsByWorkflow(context.Background(), "wf-1", 0)
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected backlog to collapse into one run, got %d", len(runs))
	}
	want := base.Add(10 * time.Minute)
	if !runs[0].ScheduledFor.Equal(want) {
		t.Fatalf("expected catch-up run scheduled for %s, got %s", want, runs[0].ScheduledFor)
	}
}

// TestEvaluateEntry_BacklogOutsideCatchUpWindowIsDropped asserts that a
// backlog whose most recent missed fire is older than catchUpWindow is
// abandoned entirely rather than fired.
func TestEvaluateEntry_BacklogOutsideCatchUpWindowIsDropped(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	fx := clock.NewFixed(base)
	st := store.NewMemoryStore()
	runner := &recordingRunner{}
	s := New(st, runner, nil, fx, time.Minute, 30*time.Second)

	e := newTestEntry("wf-1")
	e.lastSeen = base
	// The latest missed every-minute fire is 13:00, 45s before now,
	// which is outside the 30s catch-up window.
	now := base.Add(time.Hour + 45*time.Second)

	s.evaluateEntry(context.Background(), e, now)

	if len(runner.runs) != 0 {
		t.Fatalf("expected stale backlog to be dropped, got %d runs", len(runner.runs))
	}
	if !e.lastSeen.Equal(now) {
		t.Fatalf("expected lastSeen to advance past the dropped backlog, got %s", e.lastSeen)
	}
}

func TestRegister_RejectsWorkflowWithoutCronSchedule(t *testing.T) {
	fx := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st := store.NewMemoryStore()
	s := New(st, &recordingRunner{}, nil, fx, time.Minute, time.Hour)

	err := s.Register(model.Workflow{ID: "wf-1"})
	if err == nil {
		t.Fatal("expected error registering a workflow without a cron schedule")
	}
}

func TestRegister_ParsesValidSchedule(t *testing.T) {
	fx := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st := store.NewMemoryStore()
	s := New(st, &recordingRunner{}, nil, fx, time.Minute, time.Hour)

	wf := model.Workflow{
		ID:           "wf-1",
		CronSchedule: "*/5 * * * *",
		Stages:       []model.TaskTemplate{{StageID: "a", Kind: "noop"}},
	}
	if err := s.Register(wf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.mu.Lock()
	_, ok := s.entries["wf-1"]
	s.mu.Unlock()
	if !ok {
		t.Fatal("expected workflow to be registered")
	}
}
