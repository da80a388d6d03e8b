package query

import (
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/eclipse-ditto/ditto-sub092/search"
	"github.com/eclipse-ditto/ditto-sub092/thing"
)

// FilterVariable is the name under which the document is exposed to filters.
const FilterVariable = "thing"

var (
	envOnce sync.Once
	env     *cel.Env
	envErr  error
)

func filterEnv() (*cel.Env, error) {
	envOnce.Do(func() {
		env, envErr = cel.NewEnv(
			cel.Variable(FilterVariable, cel.MapType(cel.StringType, cel.DynType)),
			cel.CrossTypeNumericComparisons(true),
		)
	})
	return env, envErr
}

// Filter is a compiled filter expression. The zero value matches everything.
type Filter struct {
	expr string
	prog cel.Program
}

// ParseFilter compiles expr. An empty expression matches every document.
func ParseFilter(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &Filter{}, nil
	}
	e, err := filterEnv()
	if err != nil {
		return nil, search.ErrInternal.WithDescription(err.Error())
	}
	ast, iss := e.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, search.ErrInvalidFilter.WithDescription(iss.Err().Error())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, search.ErrInvalidFilter.WithDescription("filter must evaluate to a boolean, got " + out.String())
	}
	prog, err := e.Program(ast)
	if err != nil {
		return nil, search.ErrInvalidFilter.WithDescription(err.Error())
	}
	return &Filter{expr: expr, prog: prog}, nil
}

// Matches evaluates the filter against doc. Evaluation errors, such as
// selecting a field the document lacks, count as a non-match.
func (f *Filter) Matches(doc thing.Thing) bool {
	if f == nil || f.prog == nil {
		return true
	}
	out, _, err := f.prog.Eval(map[string]any{FilterVariable: map[string]any(doc)})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}
