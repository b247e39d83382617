package workerpool

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrPoolNotFound = errors.New("pool not found")

// Registry tracks the pools of one process so they can be resized by name.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]*Pool)}
}

func (r *Registry) Register(p *Pool) error {
	if p == nil {
		return fmt.Errorf("pool is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pools[p.Name()]; exists {
		return fmt.Errorf("pool %q already registered", p.Name())
	}
	r.pools[p.Name()] = p
	return nil
}

func (r *Registry) Get(name string) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[name]
	return p, ok
}

func (r *Registry) Resize(name string, capacity int) error {
	p, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("resize %q: %w", name, ErrPoolNotFound)
	}
	return p.Resize(capacity)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
