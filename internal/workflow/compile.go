// Package workflow implements the DAG Engine: compiling a Workflow into
// an executable plan (Kahn's algorithm topological levelization, cycle
// detection) and running it stage by stage. There is no direct teacher
// equivalent for a DAG engine; Compile implements Kahn's algorithm
// directly (textbook, not grounded in any one example file), while
// Condition (condition.go) is grounded on 88lin-divinesense's
// cel.NewEnv/env.Compile usage, and Runner (runner.go) submits each
// level's tasks and polls the Task Store for their outcomes.
package workflow

import (
	"github.com/relayforge/taskmesh/internal/apperrors"
	"github.com/relayforge/taskmesh/internal/model"
)

// Compile validates a Workflow's edges, detects cycles, and produces an
// ExecutionPlan with stages grouped into topological levels via Kahn's
// algorithm. UnknownStageRef and BadCondition errors are returned here,
// at compile time, never discovered mid-run.
func Compile(wf model.Workflow) (*model.ExecutionPlan, error) {
	stageByID := make(map[string]model.TaskTemplate, len(wf.Stages))
	for _, s := range wf.Stages {
		stageByID[s.StageID] = s
	}

	incoming := make(map[string][]model.Edge)
	outgoing := make(map[string][]model.Edge)
	indegree := make(map[string]int, len(wf.Stages))
	for _, s := range wf.Stages {
		indegree[s.StageID] = 0
	}

	for _, e := range wf.Edges {
		if _, ok := stageByID[e.From]; !ok {
			return nil, apperrors.New(apperrors.UnknownStageRef, "edge references unknown stage: "+e.From)
		}
		if _, ok := stageByID[e.To]; !ok {
			return nil, apperrors.New(apperrors.UnknownStageRef, "edge references unknown stage: "+e.To)
		}
		outgoing[e.From] = append(outgoing[e.From], e)
		incoming[e.To] = append(incoming[e.To], e)
		indegree[e.To]++
	}

	// Conditions are compiled and validated after the full edge set is
	// known, so "references only already-completed upstream stages" can
	// be checked against each edge's actual ancestor set.
	ancestors := ancestorSets(stageByID, incoming)
	for _, e := range wf.Edges {
		if e.Condition == "" {
			continue
		}
		cond, err := CompileCondition(e.Condition)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.BadCondition, "invalid condition on edge "+e.From+"->"+e.To, err)
		}
		allowed := ancestors[e.From]
		for _, ref := range cond.References() {
			if _, ok := stageByID[ref]; !ok {
				return nil, apperrors.New(apperrors.UnknownStageRef,
					"condition on edge "+e.From+"->"+e.To+" references unknown stage: "+ref)
			}
			if ref != e.From && !allowed[ref] {
				return nil, apperrors.New(apperrors.BadCondition,
					"condition on edge "+e.From+"->"+e.To+" references stage "+ref+" which has not completed by then")
			}
		}
	}

	// Kahn's algorithm: repeatedly peel off the set of stages with
	// zero remaining indegree. Each peel is one level; stages within a
	// level have no dependency on one another and the Runner may
	// dispatch them concurrently.
	remaining := make(map[string]int, len(indegree))
	for k, v := range indegree {
		remaining[k] = v
	}

	var levels [][]string
	resolved := 0
	for len(remaining) > 0 {
		var level []string
		for id, deg := range remaining {
			if deg == 0 {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			break // cycle: nothing left has indegree zero
		}
		sortStrings(level)
		for _, id := range level {
			delete(remaining, id)
			resolved++
			for _, e := range outgoing[id] {
				remaining[e.To]--
			}
		}
		levels = append(levels, level)
	}

	if resolved != len(wf.Stages) {
		var cyclic []string
		for id := range remaining {
			cyclic = append(cyclic, id)
		}
		sortStrings(cyclic)
		return nil, apperrors.New(apperrors.CyclicDependency, "cyclic dependency among stages: "+joinStrings(cyclic))
	}

	return &model.ExecutionPlan{
		WorkflowID: wf.ID,
		Levels:     levels,
		StageByID:  stageByID,
		Incoming:   incoming,
		Outgoing:   outgoing,
	}, nil
}

// ancestorSets computes, for every stage, the set of stage IDs that
// must have already completed by the time it runs (every transitive
// predecessor along Incoming edges). Used to validate that a
// condition only references stages whose outcome already exists.
func ancestorSets(stageByID map[string]model.TaskTemplate, incoming map[string][]model.Edge) map[string]map[string]bool {
	result := make(map[string]map[string]bool, len(stageByID))
	var resolve func(id string) map[string]bool
	resolving := make(map[string]bool)
	resolve = func(id string) map[string]bool {
		if set, ok := result[id]; ok {
			return set
		}
		set := make(map[string]bool)
		if resolving[id] {
			return set // cycle; Compile's Kahn pass reports this separately
		}
		resolving[id] = true
		for _, e := range incoming[id] {
			set[e.From] = true
			for anc := range resolve(e.From) {
				set[anc] = true
			}
		}
		resolving[id] = false
		result[id] = set
		return set
	}
	for id := range stageByID {
		resolve(id)
	}
	return result
}

func sortStrings(ss []string) {
	for i := 1; i < len(ss); i++ {
		for j := i; j > 0 && ss[j-1] > ss[j]; j-- {
			ss[j-1], ss[j] = ss[j], ss[j-1]
		}
	}
}

func joinStrings(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
