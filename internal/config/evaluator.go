package config

import (
	"fmt"

	"github.com/expr-lang/expr"
)

// Target describes the transfer a host entry is matched against. Its fields
// are the names available inside a `when` condition.
type Target struct {
	Host   string
	User   string
	Scheme string
	Path   string
}

// EvaluateCondition compiles and evaluates condition against t. An empty
// condition is always true.
func EvaluateCondition(condition string, t Target) (bool, error) {
	if condition == "" {
		return true, nil
	}

	program, err := expr.Compile(condition, expr.Env(Target{}), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("invalid condition '%s': %w", condition, err)
	}

	output, err := expr.Run(program, t)
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}

	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("condition must return a boolean, got %T", output)
	}
	return result, nil
}
