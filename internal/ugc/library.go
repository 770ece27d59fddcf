package ugc

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"github.com/nfrund/tabletop/internal/game"
)

// Extension is the file extension of rules scripts.
const Extension = ".tengo"

type loadOptions struct {
	logger *slog.Logger
}

// LoadOption customizes Load.
type LoadOption func(*loadOptions)

// WithLogger sets the logger script log() calls are written to.
func WithLogger(logger *slog.Logger) LoadOption {
	return func(o *loadOptions) { o.logger = logger }
}

// Library keeps the catalog in sync with a directory of rules scripts. Each
// file <id>.tengo becomes the catalog game <id>.
type Library struct {
	fs      afero.Fs
	dir     string
	catalog *game.Catalog
	limits  Limits
	logger  *slog.Logger

	mu       sync.Mutex
	programs map[string]*Program
}

// NewLibrary creates a library reading dir on fs.
func NewLibrary(fs afero.Fs, dir string, catalog *game.Catalog, limits Limits, logger *slog.Logger) *Library {
	if logger == nil {
		logger = slog.Default()
	}
	return &Library{
		fs:       fs,
		dir:      dir,
		catalog:  catalog,
		limits:   limits.withDefaults(),
		logger:   logger,
		programs: make(map[string]*Program),
	}
}

// LoadAll loads every script in the directory. Scripts that fail to load are
// logged and skipped; the count of loaded games is returned.
func (l *Library) LoadAll() (int, error) {
	exists, err := afero.DirExists(l.fs, l.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to stat rules directory: %w", err)
	}
	if !exists {
		l.logger.Debug("Rules directory does not exist, skipping", "path", l.dir)
		return 0, nil
	}
	entries, err := afero.ReadDir(l.fs, l.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read rules directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !isScript(entry.Name()) {
			continue
		}
		if err := l.Reload(entry.Name()); err != nil {
			l.logger.Error("Failed to load rules script", "file", entry.Name(), "error", err)
			continue
		}
		loaded++
	}
	l.logger.Info("Loaded rules scripts", "count", loaded, "path", l.dir)
	return loaded, nil
}

// Reload (re)loads one script by file name and replaces its catalog entry.
// Running matches keep the version they were opened with.
func (l *Library) Reload(name string) error {
	id := gameID(name)
	src, err := afero.ReadFile(l.fs, filepath.Join(l.dir, filepath.Base(name)))
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	g, prog, err := Load(id, src, l.limits, WithLogger(l.logger))
	if err != nil {
		return err
	}
	prog.OnFault(l.faultHandler(prog))

	if err := l.catalog.Replace(g, game.SourceScript); err != nil {
		return err
	}
	l.mu.Lock()
	l.programs[id] = prog
	l.mu.Unlock()
	l.logger.Info("Loaded rules script", "game", id, "file", name)
	return nil
}

// Unload removes a script's game from the catalog.
func (l *Library) Unload(name string) {
	id := gameID(name)
	l.mu.Lock()
	delete(l.programs, id)
	l.mu.Unlock()
	if l.catalog.Remove(id) {
		l.logger.Info("Unloaded rules script", "game", id)
	}
}

// Program returns the compiled program behind a library game.
func (l *Library) Program(id string) (*Program, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.programs[id]
	return p, ok
}

func (l *Library) faultHandler(prog *Program) func(error) {
	return func(err error) {
		l.logger.Warn("Rules script fault", "game", prog.Game(), "faults", prog.Faults(), "error", err)
		if l.limits.QuarantineAfter <= 0 || prog.Faults() < int64(l.limits.QuarantineAfter) {
			return
		}
		// Only the current program for an id may quarantine it.
		if current, ok := l.Program(prog.Game()); !ok || current != prog {
			return
		}
		reason := fmt.Sprintf("quarantined after %d consecutive faults", prog.Faults())
		if err := l.catalog.Quarantine(prog.Game(), reason); err == nil {
			l.logger.Error("Rules script quarantined", "game", prog.Game(), "reason", reason)
		}
	}
}

// Watch reloads scripts as they change on disk until ctx is done. It needs
// the library's fs to be backed by the OS filesystem.
func (l *Library) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file system watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch rules directory: %w", err)
	}
	l.logger.Debug("Started file system watcher for rules hot-reloading", "directory", l.dir)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				l.logger.Debug("Rules watcher stopped")
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				l.handleFileEvent(event)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Error("File system watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (l *Library) handleFileEvent(event fsnotify.Event) {
	if !isScript(event.Name) {
		return
	}
	name := filepath.Base(event.Name)
	switch {
	case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
		if err := l.Reload(name); err != nil {
			l.logger.Error("Failed to reload rules script", "file", name, "error", err)
		}
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		l.Unload(name)
	}
}

func isScript(name string) bool {
	return strings.HasSuffix(name, Extension)
}

func gameID(name string) string {
	return strings.TrimSuffix(filepath.Base(name), Extension)
}
