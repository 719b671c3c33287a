package connectors

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/guthubrx/rekall-sub000/internal/models"
)

// Connector reads the conversation history of one AI CLI and turns the URLs
// it finds into inbox captures.
type Connector interface {
	Name() string
	// IsAvailable reports whether the CLI's history exists on this machine.
	IsAvailable() bool
	HistoryPaths() ([]string, error)
	// ExtractURLs returns the URLs cited in path at or after since. A zero
	// since returns everything.
	ExtractURLs(ctx context.Context, path string, since time.Time) ([]models.InboxEntry, error)
	ValidateURL(raw string) bool
}

// Options configures a connector instance.
type Options struct {
	Dirs    []string `yaml:"dirs"`
	Pattern string   `yaml:"pattern"`
}

// Factory builds a connector from its options.
type Factory func(name string, opts Options) Connector

// Registry maps connector kinds to constructors.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in connector kinds.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("jsonl", func(name string, opts Options) Connector { return NewJSONL(name, opts) })
	return r
}

// Register adds or replaces a connector kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// New builds a connector of the given kind.
func (r *Registry) New(kind, name string, opts Options) (Connector, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown connector kind %q", kind)
	}
	if name == "" {
		name = kind
	}
	return f(name, opts), nil
}

// Kinds lists the registered connector kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
