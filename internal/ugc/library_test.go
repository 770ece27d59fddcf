package ugc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/tabletop/internal/domain"
	"github.com/nfrund/tabletop/internal/game"
)

const soloScript = `
if op == "meta" {
	result = {name: "Solo", minPlayers: 1, maxPlayers: 1, commands: ["go"]}
} else if op == "setup" {
	result = {n: 0}
} else if op == "validate" {
	result = true
} else if op == "execute" {
	result = [{type: "WENT"}]
} else if op == "reduce" {
	if event.type == "WENT" {
		state.n = state.n + 1
	}
	result = state
}`

// brittleScript faults on every command.
const brittleScript = `
if op == "meta" {
	result = {minPlayers: 1, maxPlayers: 1, commands: ["go"]}
} else if op == "setup" {
	result = {}
} else if op == "validate" || op == "execute" {
	n := 1
	result = n()
} else {
	result = state
}`

func newLibrary(t *testing.T, files map[string]string) (*Library, *game.Catalog, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("rules", 0o755))
	for name, src := range files {
		require.NoError(t, afero.WriteFile(fs, filepath.Join("rules", name), []byte(src), 0o644))
	}
	catalog := game.NewCatalog()
	return NewLibrary(fs, "rules", catalog, Limits{QuarantineAfter: 2}, nil), catalog, fs
}

func TestLibrary_LoadAll(t *testing.T) {
	lib, catalog, _ := newLibrary(t, map[string]string{
		"solo.tengo":   soloScript,
		"broken.tengo": `result = {`,
		"notes.txt":    "ignored",
	})

	n, err := lib.LoadAll()
	require.NoError(t, err)
	assert.Equal(t, 1, n, "broken scripts are skipped")

	infos := catalog.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "solo", infos[0].ID)
	assert.Equal(t, "Solo", infos[0].Name)
	assert.Equal(t, game.SourceScript, infos[0].Source)

	_, ok := lib.Program("solo")
	assert.True(t, ok)
}

func TestLibrary_LoadAllMissingDirectory(t *testing.T) {
	lib := NewLibrary(afero.NewMemMapFs(), "nowhere", game.NewCatalog(), Limits{}, nil)
	n, err := lib.LoadAll()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLibrary_ReloadReplacesAndKeepsOpenSessions(t *testing.T) {
	lib, catalog, fs := newLibrary(t, map[string]string{"solo.tengo": soloScript})
	_, err := lib.LoadAll()
	require.NoError(t, err)

	sess, err := catalog.Open("solo", "seed", []string{"me"})
	require.NoError(t, err)

	renamed := `
if op == "meta" {
	result = {name: "Solo v2", minPlayers: 1, maxPlayers: 1, commands: ["go"]}
} else {
	result = state
}`
	require.NoError(t, afero.WriteFile(fs, "rules/solo.tengo", []byte(renamed), 0o644))
	require.NoError(t, lib.Reload("solo.tengo"))

	m, err := catalog.Lookup("solo")
	require.NoError(t, err)
	assert.Equal(t, "Solo v2", m.Name())

	out := sess.Apply(domain.Command{Type: "go", PlayerID: "me"})
	assert.True(t, out.Accepted(), "open sessions keep the version they started with: %v", out.Rejection)
}

func TestLibrary_Unload(t *testing.T) {
	lib, catalog, _ := newLibrary(t, map[string]string{"solo.tengo": soloScript})
	_, err := lib.LoadAll()
	require.NoError(t, err)

	lib.Unload("solo.tengo")
	_, err = catalog.Lookup("solo")
	assert.ErrorIs(t, err, domain.ErrGameNotFound)
	_, ok := lib.Program("solo")
	assert.False(t, ok)
}

func TestLibrary_QuarantineAfterRepeatedFaults(t *testing.T) {
	lib, catalog, _ := newLibrary(t, map[string]string{"brittle.tengo": brittleScript})
	_, err := lib.LoadAll()
	require.NoError(t, err)

	sess, err := catalog.Open("brittle", "seed", []string{"me"})
	require.NoError(t, err)

	for range 2 {
		out := sess.Apply(domain.Command{Type: "go", PlayerID: "me"})
		require.False(t, out.Accepted())
		assert.Equal(t, domain.ReasonDomainFault, out.Rejection.Reason)
	}

	infos := catalog.List()
	require.Len(t, infos, 1)
	assert.NotEmpty(t, infos[0].Quarantined)

	_, err = catalog.Open("brittle", "seed", []string{"me"})
	assert.Error(t, err, "quarantined games refuse new matches")

	// A fixed script lifts the quarantine.
	require.NoError(t, afero.WriteFile(lib.fs, "rules/brittle.tengo", []byte(soloScript), 0o644))
	require.NoError(t, lib.Reload("brittle.tengo"))
	_, err = catalog.Open("brittle", "seed", []string{"me"})
	assert.NoError(t, err)
}

func TestLibrary_WatchReloadsChangedFiles(t *testing.T) {
	dir := t.TempDir()
	catalog := game.NewCatalog()
	lib := NewLibrary(afero.NewOsFs(), dir, catalog, Limits{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, lib.Watch(ctx))

	path := filepath.Join(dir, "solo.tengo")
	require.NoError(t, os.WriteFile(path, []byte(soloScript), 0o644))

	require.Eventually(t, func() bool {
		_, err := catalog.Lookup("solo")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		_, err := catalog.Lookup("solo")
		return err != nil
	}, 5*time.Second, 20*time.Millisecond)
}
