package ugc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/tabletop/internal/random"
)

func compile(t *testing.T, src string, limits Limits) *Program {
	t.Helper()
	prog, err := Compile("test", []byte(src), limits, nil)
	require.NoError(t, err)
	return prog
}

func TestCompile_SyntaxError(t *testing.T) {
	_, err := Compile("broken", []byte(`result = {`), Limits{}, nil)
	require.Error(t, err)

	var scriptErr *ScriptError
	require.ErrorAs(t, err, &scriptErr)
	assert.Equal(t, ErrorTypeCompilation, scriptErr.Type)
	assert.Equal(t, "broken", scriptErr.Game)
}

func TestCompile_DisallowedImport(t *testing.T) {
	_, err := Compile("sneaky", []byte(`os := import("os")
result = os.getenv("HOME")`), Limits{}, nil)
	require.Error(t, err, "os is not in the allowed module list")
}

func TestRun_ReturnsPlainValues(t *testing.T) {
	prog := compile(t, `result = {n: state.n + 1, names: players, ok: true}`, Limits{})

	out, err := prog.Run(context.Background(), OpReduce, map[string]any{
		"state":   map[string]any{"n": 41},
		"players": []string{"a", "b"},
	}, nil)
	require.NoError(t, err)

	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int64(42), m["n"])
	assert.Equal(t, []any{"a", "b"}, m["names"])
	assert.Equal(t, true, m["ok"])
}

func TestRun_UndefinedResultIsNil(t *testing.T) {
	prog := compile(t, `x := 1`, Limits{})
	out, err := prog.Run(context.Background(), OpView, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestRun_Timeout(t *testing.T) {
	prog := compile(t, `
sum := 0
for i := 0; i < 100000000; i++ {
	sum += i
}
result = sum`, Limits{Timeout: 50 * time.Millisecond, MaxAllocs: 1 << 40})

	start := time.Now()
	_, err := prog.Run(context.Background(), OpExecute, nil, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	var scriptErr *ScriptError
	require.ErrorAs(t, err, &scriptErr)
	assert.Equal(t, ErrorTypeTimeout, scriptErr.Type)
	assert.Equal(t, OpExecute, scriptErr.Op)
}

func TestRun_AllocationLimit(t *testing.T) {
	prog := compile(t, `
items := []
for i := 0; i < 10000; i++ {
	items = append(items, {i: i})
}
result = len(items)`, Limits{Timeout: time.Second, MaxAllocs: 100})

	_, err := prog.Run(context.Background(), OpExecute, nil, nil)
	require.Error(t, err)

	var scriptErr *ScriptError
	require.ErrorAs(t, err, &scriptErr)
	assert.Equal(t, ErrorTypeAllocLimit, scriptErr.Type)
}

func TestRun_RandomOnlyDuringSetupAndExecute(t *testing.T) {
	prog := compile(t, `result = rand_die(6)`, Limits{})
	ctx := context.Background()

	for _, op := range []string{OpSetup, OpExecute} {
		out, err := prog.Run(ctx, op, nil, random.New("seed"))
		require.NoError(t, err, op)
		v, ok := out.(int64)
		require.True(t, ok, op)
		assert.GreaterOrEqual(t, v, int64(1))
		assert.LessOrEqual(t, v, int64(6))
	}

	for _, op := range []string{OpReduce, OpView, OpValidate, OpGameOver} {
		_, err := prog.Run(ctx, op, nil, random.New("seed"))
		assert.Error(t, err, op)
	}

	_, err := prog.Run(ctx, OpExecute, nil, nil)
	assert.Error(t, err, "no source bound")
}

func TestRun_RandomMatchesSource(t *testing.T) {
	prog := compile(t, `result = [rand_die(6), rand_range(10, 20), rand_next()]`, Limits{})

	rng := random.New("same")
	out, err := prog.Run(context.Background(), OpExecute, nil, rng)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rng.Cursor().Draws)

	want := random.New("same")
	assert.Equal(t, []any{int64(want.Die(6)), int64(want.Range(10, 20)), want.Next()}, out)
}

func TestRun_FaultCountingAndHook(t *testing.T) {
	prog := compile(t, `
if op == "execute" {
	n := 1
	result = n()
} else {
	result = 1
}`, Limits{})

	var seen []error
	prog.OnFault(func(err error) { seen = append(seen, err) })

	ctx := context.Background()
	for range 2 {
		_, err := prog.Run(ctx, OpExecute, nil, nil)
		require.Error(t, err)
	}
	assert.Equal(t, int64(2), prog.Faults())
	assert.Len(t, seen, 2)

	_, err := prog.Run(ctx, OpReduce, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), prog.Faults(), "success resets the streak")
}

func TestRun_ConcurrentCallsAreIsolated(t *testing.T) {
	prog := compile(t, `result = state.n * 2`, Limits{})

	done := make(chan int64, 20)
	for i := range 20 {
		go func(n int) {
			out, err := prog.Run(context.Background(), OpReduce, map[string]any{"state": map[string]any{"n": n}}, nil)
			if err != nil {
				done <- -1
				return
			}
			done <- out.(int64) - int64(2*n)
		}(i)
	}
	for range 20 {
		assert.Equal(t, int64(0), <-done)
	}
}

func TestLimits_WithDefaults(t *testing.T) {
	got := Limits{}.withDefaults()
	assert.Equal(t, DefaultLimits.Timeout, got.Timeout)
	assert.Equal(t, DefaultLimits.MaxAllocs, got.MaxAllocs)
	assert.Equal(t, DefaultLimits.AllowedModules, got.AllowedModules)

	custom := Limits{Timeout: time.Second, AllowedModules: []string{}}.withDefaults()
	assert.Equal(t, time.Second, custom.Timeout)
	assert.Empty(t, custom.AllowedModules)
}
