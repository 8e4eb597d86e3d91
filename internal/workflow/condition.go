// Condition compiles and evaluates the DAG Engine's edge condition
// language: minimal, side-effect-free boolean expressions over
// $<stage-id>.status and $<stage-id>.output.<path>, grounded on
// 88lin-divinesense's cel.NewEnv/env.Compile usage
// (user_service_crud.go's extractUsernameFromFilter), generalized from a
// single typed variable to a dyn "stages" map so conditions can
// reference any upstream stage's status or structured output without a
// fixed schema, and from its AST-walk-the-call-expression technique to
// reject disallowed operators instead of extracting a value.
package workflow

import (
	"fmt"
	"regexp"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/ast"

	"github.com/relayforge/taskmesh/internal/apperrors"
)

var stageRefPattern = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_\-]*)`)

// forbiddenOperators enforces "numeric comparisons are explicitly
// excluded to avoid ambiguous coercion": the condition language is
// equality/boolean-only, so ordering operators are rejected outright
// rather than trusted to only ever appear on non-numeric operands.
var forbiddenOperators = map[string]string{
	"_<_":  "<",
	"_>_":  ">",
	"_<=_": "<=",
	"_>=_": ">=",
}

var conditionEnv *cel.Env

func init() {
	env, err := cel.NewEnv(cel.Variable("stages", cel.DynType))
	if err != nil {
		panic(fmt.Sprintf("workflow: failed to build condition CEL environment: %v", err))
	}
	conditionEnv = env
}

// Condition is one edge's compiled, ready-to-evaluate expression.
type Condition struct {
	raw        string
	program    cel.Program
	references []string // stage IDs the expression reads from
}

// referencedStages returns the distinct stage IDs a raw condition
// string mentions via $stage-id, in first-seen order.
func referencedStages(raw string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range stageRefPattern.FindAllStringSubmatch(raw, -1) {
		id := m[1]
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// CompileCondition parses and type-checks raw (after rewriting $stage
// references into stages["stage"] map lookups), rejecting any ordering
// operator per the spec's "no numeric comparisons" rule. Compilation
// happens once, at Workflow-compile time, never per evaluation.
func CompileCondition(raw string) (*Condition, error) {
	rewritten := stageRefPattern.ReplaceAllString(raw, `stages["$1"]`)

	compiled, issues := conditionEnv.Compile(rewritten)
	if issues != nil && issues.Err() != nil {
		return nil, apperrors.Wrap(apperrors.BadCondition, "failed to compile condition: "+raw, issues.Err())
	}
	if compiled.OutputType() != cel.BoolType && compiled.OutputType() != cel.DynType {
		return nil, apperrors.New(apperrors.BadCondition, "condition does not evaluate to a boolean: "+raw)
	}
	if op, bad := walkForForbidden(compiled.NativeRep().Expr()); bad {
		return nil, apperrors.New(apperrors.BadCondition,
			fmt.Sprintf("condition uses disallowed operator %q (only ==, !=, &&, ||, ! are supported): %s", op, raw))
	}

	prg, err := conditionEnv.Program(compiled)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.BadCondition, "failed to build condition program: "+raw, err)
	}

	return &Condition{raw: raw, program: prg, references: referencedStages(raw)}, nil
}

// walkForForbidden recurses through the parsed expression tree looking
// for any ordering comparison, grounded on extractUsernameFromAST's
// Kind()/AsCall()/FunctionName() traversal in the pack's CEL usage.
func walkForForbidden(e ast.Expr) (string, bool) {
	if e == nil {
		return "", false
	}
	switch e.Kind() {
	case ast.CallKind:
		call := e.AsCall()
		if display, bad := forbiddenOperators[call.FunctionName()]; bad {
			return display, true
		}
		if call.Target() != nil {
			if op, bad := walkForForbidden(call.Target()); bad {
				return op, bad
			}
		}
		for _, arg := range call.Args() {
			if op, bad := walkForForbidden(arg); bad {
				return op, bad
			}
		}
	case ast.SelectKind:
		return walkForForbidden(e.AsSelect().Operand())
	case ast.ListKind:
		for _, elem := range e.AsList().Elements() {
			if op, bad := walkForForbidden(elem); bad {
				return op, bad
			}
		}
	}
	return "", false
}

// StageView is the per-stage value a Condition reads: status plus
// whatever structured output the stage's task produced.
type StageView struct {
	Status string
	Output map[string]interface{}
}

// Evaluate runs the compiled condition against the given per-stage
// views and returns its boolean result.
func (c *Condition) Evaluate(views map[string]StageView) (bool, error) {
	stages := make(map[string]interface{}, len(views))
	for id, v := range views {
		stages[id] = map[string]interface{}{
			"status": v.Status,
			"output": v.Output,
		}
	}
	out, _, err := c.program.Eval(map[string]interface{}{"stages": stages})
	if err != nil {
		return false, apperrors.Wrap(apperrors.BadCondition, "failed to evaluate condition: "+c.raw, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, apperrors.New(apperrors.BadCondition, "condition did not evaluate to a boolean: "+c.raw)
	}
	return b, nil
}

// References returns the stage IDs this condition reads from.
func (c *Condition) References() []string {
	return c.references
}
