// Package category interns note category tags so that every record tagged
// with the same name shares one *Category.
package category

import (
	"errors"
	"fmt"
	"sync"
)

// ErrDuplicate is returned by Create when the name is already registered.
var ErrDuplicate = errors.New("category already in registry")

// Category is a tag attached to notes. Compare categories by pointer inside
// one Registry, by Name across registries.
type Category struct {
	Name string
}

// Registry maps names to categories for one application session.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Category
	names  []string
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Category)}
}

// Create registers a new category. It is meant for explicit creation paths;
// parsing uses CreateOrReturn.
func (r *Registry) Create(name string) (*Category, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicate, name)
	}
	return r.add(name), nil
}

// CreateOrReturn returns the registered category for name, registering it
// first if needed.
func (r *Registry) CreateOrReturn(name string) *Category {
	r.mu.RLock()
	c, ok := r.byName[name]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byName[name]; ok {
		return c
	}
	return r.add(name)
}

func (r *Registry) add(name string) *Category {
	c := &Category{Name: name}
	r.byName[name] = c
	r.names = append(r.names, name)
	return c
}

func (r *Registry) Get(name string) (*Category, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[name]
	return c, ok
}

// All returns every category in registration order.
func (r *Registry) All() []*Category {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Category, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.byName[n])
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.names)
}

// Names returns the names of cats, preserving order.
func Names(cats []*Category) []string {
	if cats == nil {
		return nil
	}
	out := make([]string, len(cats))
	for i, c := range cats {
		out[i] = c.Name
	}
	return out
}
