package workflow

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// CELEvaluator evaluates routing conditions as CEL expressions with a
// single `output` map variable, e.g.
//
//	output.category == 'technical'
//	'error' in output.text
//	output.confidence > 0.8 && output.route == 'billing'
//
// Unlike the lenient evaluator there is no substring fallback: malformed
// conditions are rejected at Compile time, and runtime evaluation errors
// (such as a missing field) are false. Deployments opt in via the
// workflows.condition_mode: cel setting.
type CELEvaluator struct {
	env *cel.Env

	mu       sync.Mutex
	programs map[string]cel.Program
}

// NewCELEvaluator builds the CEL environment.
func NewCELEvaluator() (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("output", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &CELEvaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

// Compile parses and type-checks the condition, caching the program for
// evaluation. Empty conditions are valid and always true.
func (e *CELEvaluator) Compile(condition string) error {
	if condition == "" {
		return nil
	}
	_, err := e.program(condition)
	return err
}

// Evaluate runs the compiled condition against the output. Compile errors
// and evaluation errors are false; non-boolean results are false.
func (e *CELEvaluator) Evaluate(condition string, output any) bool {
	if condition == "" {
		return true
	}
	prg, err := e.program(condition)
	if err != nil {
		return false
	}
	val, _, err := prg.Eval(map[string]any{"output": normalizeOutput(output)})
	if err != nil {
		return false
	}
	result, ok := val.Value().(bool)
	return ok && result
}

func (e *CELEvaluator) program(condition string) (cel.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.programs[condition]; ok {
		return prg, nil
	}
	ast, issues := e.env.Compile(condition)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid condition %q: %w", condition, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build program for %q: %w", condition, err)
	}
	e.programs[condition] = prg
	return prg, nil
}
