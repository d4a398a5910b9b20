package formula

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// ErrNotFound is returned when no formula is registered under a name.
var ErrNotFound = errors.New("formula not found")

// Registry holds the formulas loaded from a directory. Load swaps the
// whole set at once, so readers never observe a half-finished reload.
type Registry struct {
	dir    string
	logger *slog.Logger

	mu       sync.RWMutex
	formulas map[string]*Formula
}

// NewRegistry returns an empty registry over dir. Call Load to populate.
func NewRegistry(dir string, logger *slog.Logger) *Registry {
	return &Registry{
		dir:      dir,
		logger:   logger.With("component", "formula"),
		formulas: make(map[string]*Formula),
	}
}

// Load parses and validates every *.toml file under the registry
// directory. Any bad file fails the whole load and the previous set
// stays in place. A formula without a name takes its file's base name.
func (r *Registry) Load() error {
	paths, err := filepath.Glob(filepath.Join(r.dir, "*.toml"))
	if err != nil {
		return fmt.Errorf("formula: glob %s: %w", r.dir, err)
	}
	sort.Strings(paths)

	loaded := make(map[string]*Formula, len(paths))
	for _, path := range paths {
		var f Formula
		if _, err := toml.DecodeFile(path, &f); err != nil {
			return fmt.Errorf("formula: parse %s: %w", path, err)
		}
		if f.Name == "" {
			f.Name = strings.TrimSuffix(filepath.Base(path), ".toml")
		}
		if err := f.Validate(); err != nil {
			return fmt.Errorf("formula: load %s: %w", path, err)
		}
		if _, dup := loaded[f.Name]; dup {
			return fmt.Errorf("formula: load %s: duplicate formula name %q", path, f.Name)
		}
		loaded[f.Name] = &f
	}

	r.mu.Lock()
	r.formulas = loaded
	r.mu.Unlock()

	r.logger.Info("formulas loaded", "count", len(loaded), "dir", r.dir, "names", r.Names())
	return nil
}

// Register validates f and adds it to the registry, replacing any
// existing formula with the same name.
func (r *Registry) Register(f *Formula) error {
	if err := f.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.formulas[f.Name] = f
	r.mu.Unlock()
	return nil
}

// Get returns the formula registered under name.
func (r *Registry) Get(name string) (*Formula, error) {
	r.mu.RLock()
	f, ok := r.formulas[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("formula: get %q: %w", name, ErrNotFound)
	}
	return f, nil
}

// Names lists the registered formula names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.formulas))
	for name := range r.formulas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
