package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Workflow types.
const (
	TypeSequential = "sequential"
	TypeGraph      = "graph"
)

// defaultMaxSteps bounds graph execution so condition cycles terminate.
const defaultMaxSteps = 16

// AgentSpec declares one agent participating in a workflow.
type AgentSpec struct {
	Name         string `yaml:"name"`
	Instructions string `yaml:"instructions"`
	// Model optionally names a registered model provider for this agent;
	// empty means the default provider.
	Model string `yaml:"model"`
}

// Edge declares one transition in a graph workflow. An edge without a
// condition is unconditional and acts as the default route at its priority
// position. Higher priority edges are evaluated first; ties keep
// declaration order.
type Edge struct {
	From      string `yaml:"from"`
	To        string `yaml:"to"`
	Condition string `yaml:"condition"`
	Priority  int    `yaml:"priority"`
}

// Definition declares one workflow.
type Definition struct {
	Name    string      `yaml:"name"`
	Type    string      `yaml:"type"`
	Enabled *bool       `yaml:"enabled"`
	Agents  []AgentSpec `yaml:"agents"`
	Edges   []Edge      `yaml:"edges"`
	Start   string      `yaml:"start"`
	// MaxSteps bounds graph execution; 0 means the default of 16.
	MaxSteps int `yaml:"max_steps"`
}

// Info describes a loaded workflow for listings.
type Info struct {
	Name                 string   `json:"name"`
	Type                 string   `json:"type"`
	Agents               []string `json:"agents"`
	Start                string   `json:"start,omitempty"`
	Edges                []Edge   `json:"edges,omitempty"`
	ConditionalEdgeCount int      `json:"conditional_edge_count"`
}

// StepResult records one agent invocation during a workflow run.
type StepResult struct {
	Agent  string
	Output string
}

// RunAgentFunc invokes a single agent with the given input and returns its
// output text. The engine owns routing; the caller owns model access.
type RunAgentFunc func(ctx context.Context, agent AgentSpec, input string) (string, error)

type loadedWorkflow struct {
	def    Definition
	agents map[string]AgentSpec
	// edges sorted by descending priority, declaration order on ties
	edges []Edge
}

// Engine holds loaded workflow definitions and routes between agents using
// the configured condition evaluator.
type Engine struct {
	evaluator Evaluator
	workflows map[string]*loadedWorkflow
}

// NewEngine creates an engine with the given evaluator. A nil evaluator
// means the lenient default.
func NewEngine(evaluator Evaluator) *Engine {
	if evaluator == nil {
		evaluator = NewLenientEvaluator()
	}
	return &Engine{
		evaluator: evaluator,
		workflows: make(map[string]*loadedWorkflow),
	}
}

// NewEngineForMode creates an engine for a condition_mode setting:
// "lenient" (or empty) and "cel" are supported.
func NewEngineForMode(mode string) (*Engine, error) {
	switch mode {
	case "", "lenient":
		return NewEngine(NewLenientEvaluator()), nil
	case "cel":
		eval, err := NewCELEvaluator()
		if err != nil {
			return nil, err
		}
		return NewEngine(eval), nil
	default:
		return nil, fmt.Errorf("unknown condition mode %q", mode)
	}
}

// Load validates and registers workflow definitions. Disabled workflows are
// skipped. Invalid definitions fail the whole load so configuration errors
// surface at startup rather than mid-request.
func (e *Engine) Load(defs []Definition) error {
	for _, def := range defs {
		if def.Enabled != nil && !*def.Enabled {
			continue
		}
		lw, err := e.prepare(def)
		if err != nil {
			return err
		}
		if _, exists := e.workflows[def.Name]; exists {
			return fmt.Errorf("workflow %q: duplicate name", def.Name)
		}
		e.workflows[def.Name] = lw
	}
	return nil
}

func (e *Engine) prepare(def Definition) (*loadedWorkflow, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("workflow with empty name")
	}
	if len(def.Agents) == 0 {
		return nil, fmt.Errorf("workflow %q: requires at least one agent", def.Name)
	}

	agents := make(map[string]AgentSpec, len(def.Agents))
	for _, a := range def.Agents {
		if a.Name == "" {
			return nil, fmt.Errorf("workflow %q: agent with empty name", def.Name)
		}
		if _, dup := agents[a.Name]; dup {
			return nil, fmt.Errorf("workflow %q: duplicate agent %q", def.Name, a.Name)
		}
		agents[a.Name] = a
	}

	switch strings.ToLower(def.Type) {
	case TypeSequential:
		// Sequential workflows ignore edges and start.
	case TypeGraph:
		if def.Start == "" {
			return nil, fmt.Errorf("workflow %q: graph workflows require a start agent", def.Name)
		}
		if _, ok := agents[def.Start]; !ok {
			return nil, fmt.Errorf("workflow %q: start agent %q not found", def.Name, def.Start)
		}
		for _, edge := range def.Edges {
			if _, ok := agents[edge.From]; !ok {
				return nil, fmt.Errorf("workflow %q: edge from unknown agent %q", def.Name, edge.From)
			}
			if _, ok := agents[edge.To]; !ok {
				return nil, fmt.Errorf("workflow %q: edge to unknown agent %q", def.Name, edge.To)
			}
			if err := e.evaluator.Compile(edge.Condition); err != nil {
				return nil, fmt.Errorf("workflow %q: %w", def.Name, err)
			}
		}
	default:
		return nil, fmt.Errorf("workflow %q: unknown type %q", def.Name, def.Type)
	}

	edges := make([]Edge, len(def.Edges))
	copy(edges, def.Edges)
	sort.SliceStable(edges, func(i, j int) bool {
		return edges[i].Priority > edges[j].Priority
	})

	return &loadedWorkflow{def: def, agents: agents, edges: edges}, nil
}

// EvaluateNextAgent returns the next agent after current, based on the
// current agent's output. Edges are consulted in priority order; an
// unconditional edge is taken as soon as it is reached. Returns false when
// no edge matches, which ends the workflow.
func (e *Engine) EvaluateNextAgent(workflowName, current string, output any) (string, bool) {
	lw, ok := e.workflows[workflowName]
	if !ok {
		return "", false
	}
	for _, edge := range lw.edges {
		if edge.From != current {
			continue
		}
		if edge.Condition == "" {
			return edge.To, true
		}
		if e.evaluator.Evaluate(edge.Condition, output) {
			return edge.To, true
		}
	}
	return "", false
}

// Run executes the named workflow over input, invoking each agent through
// run. Sequential workflows feed each agent's output into the next; graph
// workflows start at Start and follow edges until no edge matches or the
// step bound is hit.
func (e *Engine) Run(ctx context.Context, workflowName, input string, run RunAgentFunc) ([]StepResult, error) {
	lw, ok := e.workflows[workflowName]
	if !ok {
		return nil, fmt.Errorf("workflow %q not found", workflowName)
	}

	switch strings.ToLower(lw.def.Type) {
	case TypeSequential:
		return e.runSequential(ctx, lw, input, run)
	default:
		return e.runGraph(ctx, lw, input, run)
	}
}

func (e *Engine) runSequential(ctx context.Context, lw *loadedWorkflow, input string, run RunAgentFunc) ([]StepResult, error) {
	steps := make([]StepResult, 0, len(lw.def.Agents))
	current := input
	for _, spec := range lw.def.Agents {
		if err := ctx.Err(); err != nil {
			return steps, err
		}
		output, err := run(ctx, spec, current)
		if err != nil {
			return steps, fmt.Errorf("agent %q: %w", spec.Name, err)
		}
		steps = append(steps, StepResult{Agent: spec.Name, Output: output})
		current = output
	}
	return steps, nil
}

func (e *Engine) runGraph(ctx context.Context, lw *loadedWorkflow, input string, run RunAgentFunc) ([]StepResult, error) {
	maxSteps := lw.def.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}

	var steps []StepResult
	currentName := lw.def.Start
	currentInput := input

	for len(steps) < maxSteps {
		if err := ctx.Err(); err != nil {
			return steps, err
		}
		spec := lw.agents[currentName]
		output, err := run(ctx, spec, currentInput)
		if err != nil {
			return steps, fmt.Errorf("agent %q: %w", spec.Name, err)
		}
		steps = append(steps, StepResult{Agent: spec.Name, Output: output})

		next, ok := e.EvaluateNextAgent(lw.def.Name, currentName, output)
		if !ok {
			return steps, nil
		}
		currentName = next
		currentInput = output
	}
	return steps, fmt.Errorf("workflow %q: step limit %d reached", lw.def.Name, maxSteps)
}

// ListWorkflows returns the names of all loaded workflows, sorted.
func (e *Engine) ListWorkflows() []string {
	names := make([]string, 0, len(e.workflows))
	for name := range e.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetWorkflowInfo describes a loaded workflow, or nil when not found.
func (e *Engine) GetWorkflowInfo(name string) *Info {
	lw, ok := e.workflows[name]
	if !ok {
		return nil
	}
	agents := make([]string, 0, len(lw.def.Agents))
	for _, a := range lw.def.Agents {
		agents = append(agents, a.Name)
	}
	conditional := 0
	for _, edge := range lw.edges {
		if edge.Condition != "" {
			conditional++
		}
	}
	return &Info{
		Name:                 lw.def.Name,
		Type:                 strings.ToLower(lw.def.Type),
		Agents:               agents,
		Start:                lw.def.Start,
		Edges:                lw.edges,
		ConditionalEdgeCount: conditional,
	}
}
