package analysis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrDuplicateAnalyzer is returned when an analyzer key is registered twice
var ErrDuplicateAnalyzer = errors.New("analyzer already registered")

// Analyzer is a language plugin. Analyze reports issues for one file through report
// and should return early once ctx is done.
type Analyzer interface {
	Key() string
	Languages() []string
	Analyze(ctx context.Context, file InputFile, rules []ActiveRule, report IssueListener) error
}

// FileEventType is the kind of change a client notifies
type FileEventType string

const (
	FileCreated  FileEventType = "created"
	FileModified FileEventType = "modified"
	FileDeleted  FileEventType = "deleted"
)

// FileEvent is a change to a file of a registered module
type FileEvent struct {
	Type FileEventType `json:"type"`
	File InputFile     `json:"file"`
}

// FileEventListener is implemented by analyzers that keep per-module state
type FileEventListener interface {
	OnFileEvent(ctx context.Context, module Module, event FileEvent) error
}

// ModuleListener is implemented by analyzers that track module lifecycle
type ModuleListener interface {
	ModuleStarted(ctx context.Context, module Module) error
	ModuleStopped(ctx context.Context, module Module) error
}

// Registry holds the loaded analyzers
type Registry struct {
	mu        sync.RWMutex
	analyzers map[string]Analyzer
}

// NewRegistry creates a registry with the given analyzers
func NewRegistry(analyzers ...Analyzer) (*Registry, error) {
	r := &Registry{analyzers: make(map[string]Analyzer)}
	for _, a := range analyzers {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an analyzer
func (r *Registry) Register(a Analyzer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.analyzers[a.Key()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAnalyzer, a.Key())
	}
	r.analyzers[a.Key()] = a
	return nil
}

// Get returns an analyzer by key
func (r *Registry) Get(key string) (Analyzer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.analyzers[key]
	return a, ok
}

// All returns the analyzers sorted by key
func (r *Registry) All() []Analyzer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Analyzer, 0, len(r.analyzers))
	for _, a := range r.analyzers {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// ForLanguage returns the analyzers that handle a language, sorted by key.
// An analyzer declaring "*" handles every language.
func (r *Registry) ForLanguage(language string) []Analyzer {
	var out []Analyzer
	for _, a := range r.All() {
		for _, l := range a.Languages() {
			if l == "*" || l == language {
				out = append(out, a)
				break
			}
		}
	}
	return out
}
