package workflows

import (
	"sort"
	"sync"
)

// Built-in pattern names.
const (
	PatternHierarchical = "hierarchical"
	PatternDomainSwarm  = "domain_swarm"
	PatternSequential   = "sequential"
	PatternConditional  = "conditional"
	PatternIterative    = "iterative"
)

// Registry maps pattern names to implementations. Registration is
// explicit; nothing is discovered by reflection.
type Registry struct {
	mu       sync.RWMutex
	patterns map[string]Pattern
}

func NewRegistry() *Registry {
	return &Registry{patterns: make(map[string]Pattern)}
}

// Register adds or replaces a pattern under its own name.
func (r *Registry) Register(p Pattern) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns[p.Name()] = p
}

func (r *Registry) Get(name string) (Pattern, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patterns[name]
	return p, ok
}

// Names returns the registered pattern names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.patterns))
	for name := range r.patterns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a fresh registry with the five built-in
// patterns. Each call builds a new instance; engines never share one
// unless told to.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&hierarchicalPattern{})
	r.Register(&domainSwarmPattern{})
	r.Register(&sequentialPattern{})
	r.Register(&conditionalPattern{})
	r.Register(&iterativePattern{})
	return r
}
