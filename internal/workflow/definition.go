package workflow

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/relayforge/taskmesh/internal/model"
)

// definitionDoc mirrors model.Workflow field-for-field but with yaml
// struct tags, since Workflow's own tags are json/db (store wire
// formats) rather than the snake_case-by-convention the operator-facing
// YAML definition file uses.
type definitionDoc struct {
	Name         string        `yaml:"name"`
	Stages       []stageDoc    `yaml:"stages"`
	Edges        []model.Edge  `yaml:"edges,omitempty"`
	CronSchedule string        `yaml:"cron_schedule,omitempty"`
	Timezone     string        `yaml:"timezone,omitempty"`
}

type stageDoc struct {
	StageID           string                 `yaml:"stage_id"`
	Kind              model.TaskKind         `yaml:"kind"`
	Payload           map[string]interface{} `yaml:"payload,omitempty"`
	Metadata          map[string]string      `yaml:"metadata,omitempty"`
	Priority          int                    `yaml:"priority,omitempty"`
	ContinueOnFailure bool                   `yaml:"continue_on_failure,omitempty"`
}

// ParseDefinition decodes an operator-authored YAML workflow definition
// into a model.Workflow. The caller still owns ID assignment and
// persistence; ParseDefinition only handles the file format, leaving
// Compile to validate the resulting DAG.
func ParseDefinition(raw []byte) (model.Workflow, error) {
	var doc definitionDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return model.Workflow{}, fmt.Errorf("workflow: invalid yaml definition: %w", err)
	}

	wf := model.Workflow{
		Name:         doc.Name,
		Edges:        doc.Edges,
		CronSchedule: doc.CronSchedule,
		Timezone:     doc.Timezone,
	}
	wf.Stages = make([]model.TaskTemplate, 0, len(doc.Stages))
	for _, s := range doc.Stages {
		wf.Stages = append(wf.Stages, model.TaskTemplate{
			StageID:           s.StageID,
			Kind:              s.Kind,
			Payload:           s.Payload,
			Metadata:          s.Metadata,
			Priority:          s.Priority,
			ContinueOnFailure: s.ContinueOnFailure,
		})
	}
	return wf, nil
}

// MarshalDefinition renders a Workflow back to the same YAML shape
// ParseDefinition reads, used by operator tooling to dump a Workflow
// that was built or edited programmatically.
func MarshalDefinition(wf model.Workflow) ([]byte, error) {
	doc := definitionDoc{
		Name:         wf.Name,
		Edges:        wf.Edges,
		CronSchedule: wf.CronSchedule,
		Timezone:     wf.Timezone,
	}
	doc.Stages = make([]stageDoc, 0, len(wf.Stages))
	for _, s := range wf.Stages {
		doc.Stages = append(doc.Stages, stageDoc{
			StageID:           s.StageID,
			Kind:              s.Kind,
			Payload:           s.Payload,
			Metadata:          s.Metadata,
			Priority:          s.Priority,
			ContinueOnFailure: s.ContinueOnFailure,
		})
	}
	return yaml.Marshal(doc)
}
