package plotter

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Selection is a compiled per-object filter expression, e.g.
// "pt > 20 && abseta < 2.8". An empty source accepts everything.
// Programs are compiled once at booking time and evaluated per candidate.
type Selection struct {
	src  string
	prog *vm.Program
}

// CompileSelection compiles a selection expression.
func CompileSelection(src string) (*Selection, error) {
	if src == "" {
		return &Selection{}, nil
	}

	prog, err := expr.Compile(src,
		expr.Env(map[string]interface{}{}),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile selection %q: %w", src, err)
	}

	return &Selection{src: src, prog: prog}, nil
}

// Source returns the original expression text.
func (s *Selection) Source() string { return s.src }

// Accept evaluates the selection against one candidate's variables.
func (s *Selection) Accept(env map[string]interface{}) (bool, error) {
	if s.prog == nil {
		return true, nil
	}

	out, err := expr.Run(s.prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate selection %q: %w", s.src, err)
	}

	pass, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("selection %q did not yield a boolean", s.src)
	}
	return pass, nil
}
