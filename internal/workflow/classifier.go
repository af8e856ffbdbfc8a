package workflow

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"loom/internal/pipeline"
)

const defaultSuccessExpr = "ExitCode == 0"

// outcomeEnv is the environment success expressions are evaluated against.
type outcomeEnv struct {
	ExitCode int    `expr:"ExitCode"`
	Name     string `expr:"Name"`
	Stage    int    `expr:"Stage"`
	Task     int    `expr:"Task"`
	Pipeline string `expr:"Pipeline"`
	Attempt  int    `expr:"Attempt"`
	Path     string `expr:"Path"`
}

// Classifier decides whether a dequeued task succeeded. A task without an
// exit code never succeeds, whatever the expression says.
type Classifier struct {
	source  string
	program *vm.Program
}

// NewClassifier compiles source. Empty source means "ExitCode == 0".
func NewClassifier(source string) (*Classifier, error) {
	if source == "" {
		source = defaultSuccessExpr
	}
	program, err := expr.Compile(source, expr.Env(outcomeEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile success expression %q: %w", source, err)
	}
	return &Classifier{source: source, program: program}, nil
}

// Source returns the expression text.
func (c *Classifier) Source() string { return c.source }

// Succeeded evaluates the expression for t.
func (c *Classifier) Succeeded(t *pipeline.Task) (bool, error) {
	if t.ExitCode == nil {
		return false, nil
	}
	env := outcomeEnv{
		ExitCode: *t.ExitCode,
		Name:     t.Name,
		Stage:    t.StageIndex,
		Task:     t.TaskIndex,
		Pipeline: t.PipelineID,
		Attempt:  t.Attempt,
		Path:     t.Path,
	}
	out, err := expr.Run(c.program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate %q for %s: %w", c.source, t.UID(), err)
	}
	ok, _ := out.(bool)
	return ok, nil
}
