package changestream

import (
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/rzbill/changeflo/internal/changecoll"
)

// celFilter is a compiled CEL predicate over change events. A disabled
// filter accepts everything.
//
// Variables: operationType (string), ns (map with db, coll),
// documentKey, fullDocument and updateDescription (dyn), ts_secs (int).
type celFilter struct {
	prog    cel.Program
	enabled bool
}

func newCELFilter(expr string) (celFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return celFilter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("operationType", cel.StringType),
		cel.Variable("ns", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("documentKey", cel.DynType),
		cel.Variable("fullDocument", cel.DynType),
		cel.Variable("updateDescription", cel.DynType),
		cel.Variable("ts_secs", cel.IntType),
	)
	if err != nil {
		return celFilter{}, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return celFilter{}, iss.Err()
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return celFilter{}, errNotBool(t.String())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return celFilter{}, err
	}
	return celFilter{prog: prog, enabled: true}, nil
}

type errNotBool string

func (e errNotBool) Error() string { return "filter must evaluate to bool, got " + string(e) }

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

// Eval reports whether ev passes the filter. Evaluation errors reject.
func (f celFilter) Eval(ev changecoll.Event) bool {
	if !f.enabled {
		return true
	}
	out, _, err := f.prog.Eval(map[string]any{
		"operationType":     string(ev.OpType),
		"ns":                map[string]string{"db": ev.NS.DB, "coll": ev.NS.Coll},
		"documentKey":       orEmpty(ev.DocumentKey),
		"fullDocument":      orEmpty(ev.FullDocument),
		"updateDescription": orEmpty(ev.UpdateDescription),
		"ts_secs":           int64(ev.Ts.Secs()),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
