package model

import (
	"sync"

	"github.com/go-playground/validator/v10"
)

// TaskSpec is the shape a caller submits to create a Task; it carries
// validator tags so malformed submissions are rejected at the boundary
// rather than after a Task row has already been written.
type TaskSpec struct {
	Kind     TaskKind               `validate:"required"`
	Payload  map[string]interface{} `validate:"required"`
	Metadata map[string]string
	Priority int    `validate:"gte=0,lte=100"`
	OwnerID  string `validate:"required"`
}

// TaskTemplateSpec is the submitted shape of a Workflow stage.
type TaskTemplateSpec struct {
	StageID  string                 `validate:"required"`
	Kind     TaskKind               `validate:"required"`
	Payload  map[string]interface{} `validate:"required"`
	Metadata map[string]string
	Priority int `validate:"gte=0,lte=100"`
}

// EdgeSpec is the submitted shape of a Workflow edge.
type EdgeSpec struct {
	From      string `validate:"required"`
	To        string `validate:"required"`
	Condition string
}

// WorkflowDefinition is the shape a caller submits to define a Workflow.
type WorkflowDefinition struct {
	Name         string             `validate:"required"`
	Stages       []TaskTemplateSpec `validate:"required,min=1,dive"`
	Edges        []EdgeSpec         `validate:"dive"`
	CronSchedule string
	Timezone     string
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func v() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// ValidateTaskSpec runs struct-tag validation on a submitted TaskSpec.
func ValidateTaskSpec(spec TaskSpec) error {
	return v().Struct(spec)
}

// ValidateWorkflowDefinition runs struct-tag validation on a submitted
// WorkflowDefinition, including its nested stages and edges.
func ValidateWorkflowDefinition(def WorkflowDefinition) error {
	return v().Struct(def)
}
