package workflow

import (
	"testing"

	"github.com/relayforge/taskmesh/internal/apperrors"
	"github.com/relayforge/taskmesh/internal/model"
)

func stage(id string) model.TaskTemplate {
	return model.TaskTemplate{StageID: id, Kind: "chat_completion"}
}

func TestCompile_LinearChainProducesOneStagePerLevel(t *testing.T) {
	wf := model.Workflow{
		ID:     "wf1",
		Stages: []model.TaskTemplate{stage("A"), stage("B"), stage("C")},
		Edges: []model.Edge{
			{From: "A", To: "B"},
			{From: "B", To: "C"},
		},
	}

	plan, err := Compile(wf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan.Levels) != 3 {
		t.Fatalf("expected 3 levels for a linear chain, got %d: %+v", len(plan.Levels), plan.Levels)
	}
	for i, want := range []string{"A", "B", "C"} {
		if len(plan.Levels[i]) != 1 || plan.Levels[i][0] != want {
			t.Fatalf("level %d: expected [%s], got %v", i, want, plan.Levels[i])
		}
	}
}

func TestCompile_IndependentStagesShareALevel(t *testing.T) {
	wf := model.Workflow{
		ID:     "wf1",
		Stages: []model.TaskTemplate{stage("A"), stage("B"), stage("C")},
		Edges: []model.Edge{
			{From: "A", To: "C"},
			{From: "B", To: "C"},
		},
	}

	plan, err := Compile(wf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan.Levels) != 2 {
		t.Fatalf("expected 2 levels, got %d: %+v", len(plan.Levels), plan.Levels)
	}
	if len(plan.Levels[0]) != 2 {
		t.Fatalf("expected A and B to share level 0, got %v", plan.Levels[0])
	}
}

func TestCompile_CyclicWorkflowRejected(t *testing.T) {
	wf := model.Workflow{
		ID:     "wf-cycle",
		Stages: []model.TaskTemplate{stage("A"), stage("B"), stage("C")},
		Edges: []model.Edge{
			{From: "A", To: "B"},
			{From: "B", To: "C"},
			{From: "C", To: "A"},
		},
	}

	_, err := Compile(wf)
	if !apperrors.Is(err, apperrors.CyclicDependency) {
		t.Fatalf("expected CyclicDependency, got %v", err)
	}
}

func TestCompile_UnknownStageRefRejected(t *testing.T) {
	wf := model.Workflow{
		ID:     "wf1",
		Stages: []model.TaskTemplate{stage("A")},
		Edges:  []model.Edge{{From: "A", To: "ghost"}},
	}

	_, err := Compile(wf)
	if !apperrors.Is(err, apperrors.UnknownStageRef) {
		t.Fatalf("expected UnknownStageRef, got %v", err)
	}
}

func TestCompile_ConditionReferencingUndeclaredStageRejected(t *testing.T) {
	wf := model.Workflow{
		ID:     "wf1",
		Stages: []model.TaskTemplate{stage("A"), stage("B"), stage("C")},
		Edges: []model.Edge{
			{From: "A", To: "B"},
			// C depends only on B, but its condition also names stage
			// D, which this workflow never declares.
			{From: "B", To: "C", Condition: `$B.status == "succeeded" && $D.status == "succeeded"`},
		},
	}

	_, err := Compile(wf)
	if !apperrors.Is(err, apperrors.UnknownStageRef) {
		t.Fatalf("expected UnknownStageRef for a condition naming an undeclared stage, got %v", err)
	}
}

func TestCompile_ConditionReferencingNonAncestorStageRejected(t *testing.T) {
	wf := model.Workflow{
		ID:     "wf1",
		Stages: []model.TaskTemplate{stage("A"), stage("B"), stage("C")},
		Edges: []model.Edge{
			{From: "A", To: "B"},
			{From: "A", To: "C", Condition: `$B.status == "succeeded"`},
		},
	}

	_, err := Compile(wf)
	if !apperrors.Is(err, apperrors.BadCondition) {
		t.Fatalf("expected BadCondition when a condition references a non-ancestor stage, got %v", err)
	}
}

func TestCompile_ValidConditionOnDeclaredAncestorAccepted(t *testing.T) {
	wf := model.Workflow{
		ID:     "wf1",
		Stages: []model.TaskTemplate{stage("A"), stage("B")},
		Edges: []model.Edge{
			{From: "A", To: "B", Condition: `$A.status == "succeeded"`},
		},
	}

	plan, err := Compile(wf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan.Levels) != 2 {
		t.Fatalf("expected 2 levels, got %d", len(plan.Levels))
	}
}
