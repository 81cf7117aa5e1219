package workflow

import (
	"fmt"
	"sort"
)

// StepTemplate describes one step of a command template.
type StepTemplate struct {
	// Name identifies the step within the command.
	Name string `json:"name" yaml:"name"`

	// Kind is sequential or parallel_group.
	Kind StepKind `json:"kind" yaml:"kind"`

	// Role is the worker role for a sequential step.
	Role string `json:"role,omitempty" yaml:"role,omitempty"`

	// Workers are the group members for a parallel_group step.
	Workers []WorkerTemplate `json:"workers,omitempty" yaml:"workers,omitempty"`
}

// WorkerTemplate describes one member of a parallel group.
type WorkerTemplate struct {
	Name string `json:"name" yaml:"name"`
	Role string `json:"role" yaml:"role"`
}

// Template is a named command: an ordered step graph invoked with one
// free-text argument.
type Template struct {
	// Name is the command name (implement, fix, test).
	Name string `json:"name" yaml:"name"`

	// Description states what the command does.
	Description string `json:"description" yaml:"description"`

	// Steps is the ordered step graph.
	Steps []StepTemplate `json:"steps" yaml:"steps"`
}

// Validate checks the template structure.
func (t Template) Validate() error {
	if t.Name == "" {
		return &ValidationError{Field: "name", Message: "command name is required"}
	}
	if len(t.Steps) == 0 {
		return &ValidationError{Field: "steps", Message: "at least one step is required"}
	}

	seen := make(map[string]bool, len(t.Steps))
	for i, step := range t.Steps {
		if step.Name == "" {
			return &ValidationError{Field: "steps", Message: fmt.Sprintf("step %d has no name", i)}
		}
		if seen[step.Name] {
			return &ValidationError{Field: "steps", Message: fmt.Sprintf("duplicate step name %q", step.Name)}
		}
		seen[step.Name] = true

		switch step.Kind {
		case StepSequential:
			if step.Role == "" {
				return &ValidationError{Field: "steps", Message: fmt.Sprintf("sequential step %q has no role", step.Name)}
			}
		case StepParallelGroup:
			if len(step.Workers) == 0 {
				return &ValidationError{Field: "steps", Message: fmt.Sprintf("parallel step %q has no workers", step.Name)}
			}
			for _, w := range step.Workers {
				if w.Name == "" || w.Role == "" {
					return &ValidationError{Field: "steps", Message: fmt.Sprintf("parallel step %q has a worker missing name or role", step.Name)}
				}
			}
		default:
			return &ValidationError{Field: "steps", Message: fmt.Sprintf("step %q has unknown kind %q", step.Name, step.Kind)}
		}
	}
	return nil
}

// Materialize builds the step list for a new task record.
func (t Template) Materialize() []Step {
	steps := make([]Step, len(t.Steps))
	for i, st := range t.Steps {
		steps[i] = Step{
			Name:   st.Name,
			Kind:   st.Kind,
			Role:   st.Role,
			Status: StepPending,
		}
	}
	return steps
}

// builtinTemplates are the commands shipped with semflow.
var builtinTemplates = map[string]Template{
	"implement": {
		Name:        "implement",
		Description: "Implement a feature end to end with a parallel validation gate",
		Steps: []StepTemplate{
			{Name: "explore", Kind: StepSequential, Role: "explorer"},
			{Name: "design", Kind: StepSequential, Role: "architect"},
			{Name: "implement", Kind: StepSequential, Role: "implementer"},
			{Name: "validate", Kind: StepParallelGroup, Workers: []WorkerTemplate{
				{Name: "functional", Role: "reviewer"},
				{Name: "policy", Role: "reviewer"},
				{Name: "quality", Role: "reviewer"},
			}},
			{Name: "finalize", Kind: StepSequential, Role: "implementer"},
		},
	},
	"fix": {
		Name:        "fix",
		Description: "Diagnose and patch a defect",
		Steps: []StepTemplate{
			{Name: "diagnose", Kind: StepSequential, Role: "explorer"},
			{Name: "patch", Kind: StepSequential, Role: "implementer"},
			{Name: "validate", Kind: StepParallelGroup, Workers: []WorkerTemplate{
				{Name: "functional", Role: "reviewer"},
				{Name: "regression", Role: "reviewer"},
			}},
		},
	},
	"test": {
		Name:        "test",
		Description: "Survey coverage and add missing tests",
		Steps: []StepTemplate{
			{Name: "survey", Kind: StepSequential, Role: "explorer"},
			{Name: "write-tests", Kind: StepSequential, Role: "implementer"},
			{Name: "validate", Kind: StepParallelGroup, Workers: []WorkerTemplate{
				{Name: "functional", Role: "reviewer"},
				{Name: "quality", Role: "reviewer"},
			}},
		},
	},
}

// LookupTemplate returns the builtin template for a command name.
func LookupTemplate(name string) (Template, error) {
	t, ok := builtinTemplates[name]
	if !ok {
		return Template{}, fmt.Errorf("unknown command %q (available: %v)", name, TemplateNames())
	}
	return t, nil
}

// TemplateNames returns the builtin command names, sorted.
func TemplateNames() []string {
	names := make([]string, 0, len(builtinTemplates))
	for name := range builtinTemplates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GroupSpecs returns the worker templates for a parallel step of the
// command, by step name.
func (t Template) GroupSpecs(stepName string) []WorkerTemplate {
	for _, step := range t.Steps {
		if step.Name == stepName && step.Kind == StepParallelGroup {
			return step.Workers
		}
	}
	return nil
}
