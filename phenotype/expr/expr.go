// Package expr compiles CEL expressions into per-event predicates.
//
// Expressions see four variables: code (int), value (double), unit (int),
// and days (int, the event's duration in days). A program whose result is
// not a boolean matches nothing.
package expr

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

const costLimit = 1_000_000

// Facts are the variable bindings for one event.
type Facts struct {
	Code  int64
	Value float64
	Unit  int64
	Days  int64
}

// Program is a compiled event predicate. Programs are safe for concurrent use.
type Program struct {
	prog cel.Program
}

// Compile type-checks and compiles the expression. A cost limit guards
// against runaway expressions in untrusted definitions.
func Compile(expression string) (*Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("code", cel.IntType),
		cel.Variable("value", cel.DoubleType),
		cel.Variable("unit", cel.IntType),
		cel.Variable("days", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	prog, err := env.Program(ast, cel.CostLimit(costLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	return &Program{prog: prog}, nil
}

// Match evaluates the predicate against one event's facts.
func (p *Program) Match(facts Facts) (bool, error) {
	out, _, err := p.prog.Eval(map[string]any{
		"code":  facts.Code,
		"value": facts.Value,
		"unit":  facts.Unit,
		"days":  facts.Days,
	})
	if err != nil {
		return false, err
	}

	matched, ok := out.Value().(bool)
	if !ok {
		return false, nil
	}

	return matched, nil
}
