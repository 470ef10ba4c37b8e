package analysis

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrUnknownModule is returned for operations on a module that is not registered
	ErrUnknownModule = errors.New("no module registered for key")
	// ErrModuleExists is returned when registering a key twice
	ErrModuleExists = errors.New("module already registered")
)

// Module is a client workspace folder analyzed as a unit
type Module struct {
	Key     string            `json:"key"`
	BaseDir string            `json:"baseDir"`
	Ignore  []string          `json:"ignore,omitempty"`
	Props   map[string]string `json:"props,omitempty"`
}

// Resolve turns a path relative to the module base dir (or a file URI) into an input file
func (m Module) Resolve(path string) (InputFile, error) {
	return NewInputFile(m.BaseDir, path)
}

// Files walks the module base dir and returns the files with a known language.
// Hidden directories and Ignore patterns (matched against the relative path) are skipped.
func (m Module) Files(ctx context.Context) ([]InputFile, error) {
	var files []InputFile
	err := filepath.WalkDir(m.BaseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != m.BaseDir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(m.BaseDir, path)
		if m.ignored(filepath.ToSlash(rel)) || LanguageOf(path) == "" {
			return nil
		}
		file, err := m.Resolve(path)
		if err != nil {
			return err
		}
		files = append(files, file)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list files of module %s: %w", m.Key, err)
	}
	return files, nil
}

func (m Module) ignored(rel string) bool {
	for _, pattern := range m.Ignore {
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, filepath.Base(rel)); ok {
			return true
		}
	}
	return false
}

// ModuleRegistry tracks the registered client modules
type ModuleRegistry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewModuleRegistry creates an empty registry
func NewModuleRegistry() *ModuleRegistry {
	return &ModuleRegistry{modules: make(map[string]Module)}
}

// Register adds a module
func (r *ModuleRegistry) Register(m Module) error {
	if m.Key == "" {
		return fmt.Errorf("module key is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[m.Key]; exists {
		return fmt.Errorf("%w: %s", ErrModuleExists, m.Key)
	}
	r.modules[m.Key] = m
	return nil
}

// Unregister removes a module and returns it
func (r *ModuleRegistry) Unregister(key string) (Module, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.modules[key]
	if ok {
		delete(r.modules, key)
	}
	return m, ok
}

// Get returns a module by key
func (r *ModuleRegistry) Get(key string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.modules[key]
	return m, ok
}

// Keys returns the registered module keys, sorted
func (r *ModuleRegistry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.modules))
	for k := range r.modules {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of registered modules
func (r *ModuleRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}
