package flow

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/nfrund/tabletop/internal/domain"
	"github.com/nfrund/tabletop/internal/engine"
)

// conditionEnv compiles phase completion expressions. Expressions see the
// JSON form of the triggering event, the turn slice and the domain core.
type conditionEnv struct {
	env *cel.Env
}

func newConditionEnv() (*conditionEnv, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("turn", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("core", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, err
	}
	return &conditionEnv{env: env}, nil
}

type condition struct {
	expr     string
	program  cel.Program
	usesCore bool
}

func (e *conditionEnv) compile(expr string) (*condition, error) {
	ast, iss := e.env.Compile(expr)
	if iss.Err() != nil {
		return nil, iss.Err()
	}
	out := ast.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression %q must evaluate to bool, got %s", expr, out)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, err
	}
	return &condition{expr: expr, program: prg, usesCore: references(ast, "core")}, nil
}

// references reports whether the checked expression reads the named variable.
func references(ast *cel.Ast, name string) bool {
	for _, ref := range ast.NativeRep().ReferenceMap() {
		if ref.Name == name {
			return true
		}
	}
	return false
}

func (c *condition) eval(core any, turn engine.TurnState, evt domain.Event) (bool, error) {
	vars := map[string]any{}
	var err error
	if vars["event"], err = plain(evt); err != nil {
		return false, err
	}
	if vars["turn"], err = plain(turn); err != nil {
		return false, err
	}
	vars["core"] = map[string]any{}
	if c.usesCore {
		if vars["core"], err = plain(core); err != nil {
			return false, err
		}
	}

	out, _, err := c.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", c.expr, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("evaluate %q: result %v is not a bool", c.expr, out.Value())
	}
	return b, nil
}

// plain converts v to maps, slices and scalars.
func plain(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode condition input: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode condition input: %w", err)
	}
	return out, nil
}
