package ugc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"

	"github.com/nfrund/tabletop/internal/random"
)

// Script operations. A rules script reads the op global and assigns result.
const (
	OpMeta     = "meta"
	OpSetup    = "setup"
	OpValidate = "validate"
	OpExecute  = "execute"
	OpReduce   = "reduce"
	OpView     = "view"
	OpGameOver = "game_over"
)

// inputs are the globals every script may read.
var inputs = []string{"op", "state", "command", "event", "players", "viewer", "result"}

var randFuncs = []string{"rand_next", "rand_die", "rand_range"}

// Program is a compiled rules script. It is safe for concurrent use: each
// call runs on a clone of the compiled program.
type Program struct {
	game     string
	limits   Limits
	compiled *tengo.Compiled
	logger   *slog.Logger

	faults  atomic.Int64
	onFault atomic.Pointer[func(error)]
}

// Compile prepares src for execution under limits.
func Compile(game string, src []byte, limits Limits, logger *slog.Logger) (*Program, error) {
	limits = limits.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("game", game, "source", "tengo_script")

	script := tengo.NewScript(src)
	script.SetImports(stdlib.GetModuleMap(limits.AllowedModules...))
	script.SetMaxAllocs(limits.MaxAllocs)
	for _, name := range inputs {
		if err := script.Add(name, nil); err != nil {
			return nil, NewScriptError(ErrorTypeCompilation, game, "", "declare "+name, err)
		}
	}
	for _, name := range randFuncs {
		if err := script.Add(name, unavailable(name, "compile")); err != nil {
			return nil, NewScriptError(ErrorTypeCompilation, game, "", "declare "+name, err)
		}
	}
	if err := script.Add("log", logFunction(logger)); err != nil {
		return nil, NewScriptError(ErrorTypeCompilation, game, "", "declare log", err)
	}

	compiled, err := script.Compile()
	if err != nil {
		return nil, NewScriptError(ErrorTypeCompilation, game, "", "failed to compile rules script", err)
	}
	return &Program{game: game, limits: limits, compiled: compiled, logger: logger}, nil
}

// Game is the id the program was compiled for.
func (p *Program) Game() string { return p.game }

// Faults counts consecutive failed calls. A successful call resets it.
func (p *Program) Faults() int64 { return p.faults.Load() }

// OnFault registers a hook called after every failed call.
func (p *Program) OnFault(fn func(error)) { p.onFault.Store(&fn) }

// Run executes op with vars bound as globals and returns the script's result
// as plain Go values. rng is bound to the rand_* functions when non-nil.
func (p *Program) Run(ctx context.Context, op string, vars map[string]any, rng random.Source) (any, error) {
	out, err := p.run(ctx, op, vars, rng)
	if err != nil {
		p.faults.Add(1)
		if fn := p.onFault.Load(); fn != nil {
			(*fn)(err)
		}
		return nil, err
	}
	p.faults.Store(0)
	return out, nil
}

func (p *Program) run(ctx context.Context, op string, vars map[string]any, rng random.Source) (out any, err error) {
	c := p.compiled.Clone()
	if err := c.Set("op", op); err != nil {
		return nil, NewScriptError(ErrorTypeExecution, p.game, op, "bind op", err)
	}
	for name, value := range vars {
		plain, err := toScript(value)
		if err != nil {
			return nil, NewScriptError(ErrorTypeExecution, p.game, op, "encode "+name, err)
		}
		if err := c.Set(name, plain); err != nil {
			return nil, NewScriptError(ErrorTypeExecution, p.game, op, "bind "+name, err)
		}
	}
	for name, fn := range randBindings(rng, op) {
		if err := c.Set(name, fn); err != nil {
			return nil, NewScriptError(ErrorTypeExecution, p.game, op, "bind "+name, err)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, p.limits.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = NewScriptError(ErrorTypeExecution, p.game, op, "script panic", fmt.Errorf("%v", r))
		}
	}()

	if err := c.RunContext(runCtx); err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, NewScriptError(ErrorTypeTimeout, p.game, op, fmt.Sprintf("script exceeded %s", p.limits.Timeout), err)
		case errors.Is(err, tengo.ErrObjectAllocLimit):
			return nil, NewScriptError(ErrorTypeAllocLimit, p.game, op, fmt.Sprintf("script exceeded %d allocations", p.limits.MaxAllocs), err)
		}
		return nil, NewScriptError(ErrorTypeExecution, p.game, op, "script execution failed", err)
	}

	result := c.Get("result")
	if result == nil || result.IsUndefined() {
		return nil, nil
	}
	return result.Value(), nil
}

// randBindings exposes rng to setup and execute only. Other ops get functions
// that fail, so reduce and view stay draw-free.
func randBindings(rng random.Source, op string) map[string]*tengo.UserFunction {
	out := make(map[string]*tengo.UserFunction, len(randFuncs))
	if rng == nil || (op != OpSetup && op != OpExecute) {
		for _, name := range randFuncs {
			out[name] = unavailable(name, op)
		}
		return out
	}

	out["rand_next"] = &tengo.UserFunction{Name: "rand_next", Value: func(args ...tengo.Object) (tengo.Object, error) {
		if len(args) != 0 {
			return nil, tengo.ErrWrongNumArguments
		}
		return &tengo.Float{Value: rng.Next()}, nil
	}}
	out["rand_die"] = &tengo.UserFunction{Name: "rand_die", Value: func(args ...tengo.Object) (tengo.Object, error) {
		if len(args) != 1 {
			return nil, tengo.ErrWrongNumArguments
		}
		sides, ok := tengo.ToInt(args[0])
		if !ok || sides < 1 {
			return nil, tengo.ErrInvalidArgumentType{Name: "sides", Expected: "positive int", Found: args[0].TypeName()}
		}
		return &tengo.Int{Value: int64(rng.Die(sides))}, nil
	}}
	out["rand_range"] = &tengo.UserFunction{Name: "rand_range", Value: func(args ...tengo.Object) (tengo.Object, error) {
		if len(args) != 2 {
			return nil, tengo.ErrWrongNumArguments
		}
		lo, ok1 := tengo.ToInt(args[0])
		hi, ok2 := tengo.ToInt(args[1])
		if !ok1 || !ok2 || hi < lo {
			return nil, fmt.Errorf("rand_range needs ints lo <= hi")
		}
		return &tengo.Int{Value: int64(rng.Range(lo, hi))}, nil
	}}
	return out
}

func unavailable(name, op string) *tengo.UserFunction {
	return &tengo.UserFunction{Name: name, Value: func(...tengo.Object) (tengo.Object, error) {
		return nil, fmt.Errorf("%s is not available during %s", name, op)
	}}
}

// logFunction routes script log calls to the structured logger.
func logFunction(logger *slog.Logger) *tengo.UserFunction {
	return &tengo.UserFunction{
		Name: "log",
		Value: func(args ...tengo.Object) (tengo.Object, error) {
			if len(args) != 1 {
				return nil, tengo.ErrWrongNumArguments
			}
			message, ok := tengo.ToString(args[0])
			if !ok {
				message = args[0].String()
			}
			logger.Debug("Script log", "message", message)
			return tengo.UndefinedValue, nil
		},
	}
}

// toScript converts v to the maps, slices and scalars tengo understands.
// Integral numbers stay int64 so scripts can index and compare them.
func toScript(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return normalize(out), nil
}

func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case []any:
		for i := range t {
			t[i] = normalize(t[i])
		}
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	default:
		return v
	}
}

// decode copies a script result into target through JSON.
func decode(v any, target any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}
