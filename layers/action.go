package layers

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// ExtractAction is a named handler for files at matching paths. Paths passed to
// Match are absolute, slash separated and cleaned ("/etc/os-release").
type ExtractAction interface {
	Name() string
	Match(path string) bool
	// Handle consumes the file content and returns the value stored under the
	// action's name in ExtractedLayers.
	Handle(ctx context.Context, r io.Reader) (interface{}, error)
}

// ActionFunc adapts a function to the Handle half of an ExtractAction
type ActionFunc func(ctx context.Context, r io.Reader) (interface{}, error)

// GlobAction matches paths against one or more doublestar patterns. Dot files
// are matched by wildcards.
type GlobAction struct {
	name     string
	patterns []string
	handle   ActionFunc
}

// NewGlobAction returns an action named name that runs fn on every file matching
// any of patterns.
func NewGlobAction(name string, fn ActionFunc, patterns ...string) (*GlobAction, error) {
	if name == "" {
		return nil, fmt.Errorf("extract action requires a name")
	}
	if fn == nil {
		return nil, fmt.Errorf("extract action %s requires a handler", name)
	}
	if len(patterns) == 0 {
		return nil, fmt.Errorf("extract action %s requires at least one pattern", name)
	}
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("extract action %s: invalid pattern %q", name, p)
		}
	}
	return &GlobAction{name: name, patterns: patterns, handle: fn}, nil
}

// MustGlobAction is NewGlobAction for package-level registrations
func MustGlobAction(name string, fn ActionFunc, patterns ...string) *GlobAction {
	a, err := NewGlobAction(name, fn, patterns...)
	if err != nil {
		panic(err)
	}
	return a
}

func (a *GlobAction) Name() string {
	return a.name
}

func (a *GlobAction) Patterns() []string {
	return append([]string(nil), a.patterns...)
}

func (a *GlobAction) Match(path string) bool {
	for _, p := range a.patterns {
		if ok, _ := doublestar.Match(p, path); ok {
			return true
		}
	}
	return false
}

func (a *GlobAction) Handle(ctx context.Context, r io.Reader) (interface{}, error) {
	return a.handle(ctx, r)
}

// ReadAll is an ActionFunc that returns the file content as a string
func ReadAll(_ context.Context, r io.Reader) (interface{}, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Registry holds extract actions by name. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]ExtractAction
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]ExtractAction)}
}

// Register adds action, failing if an action with the same name exists
func (r *Registry) Register(action ExtractAction) error {
	if action == nil {
		return fmt.Errorf("cannot register nil extract action")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	name := action.Name()
	if _, exists := r.actions[name]; exists {
		return fmt.Errorf("extract action %s already registered", name)
	}
	r.actions[name] = action
	r.order = append(r.order, name)
	return nil
}

func (r *Registry) Get(name string) (ExtractAction, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

// Actions returns the registered actions in registration order
func (r *Registry) Actions() []ExtractAction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ExtractAction, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.actions[name])
	}
	return out
}

// Names returns the registered action names sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

var defaultRegistry = NewRegistry()

// RegisterAction adds action to the default registry. Package-manager frontends
// call it from init.
func RegisterAction(action ExtractAction) {
	if err := defaultRegistry.Register(action); err != nil {
		panic(err)
	}
}

// DefaultActions returns the actions registered with RegisterAction
func DefaultActions() []ExtractAction {
	return defaultRegistry.Actions()
}
