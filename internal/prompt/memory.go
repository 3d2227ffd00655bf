package prompt

import (
	"context"
	"fmt"
	"sync"
)

// MemoryRegistry is a process-local Registry used when no ML platform is
// configured, and in tests.
type MemoryRegistry struct {
	mu       sync.RWMutex
	versions map[string][]string
	aliases  map[string]map[string]int
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		versions: make(map[string][]string),
		aliases:  make(map[string]map[string]int),
	}
}

// Seed registers template under fullName and points alias at it.
func (r *MemoryRegistry) Seed(fullName, alias, template string) int {
	v, _ := r.Register(context.Background(), fullName, template, "seed")
	_ = r.SetAlias(context.Background(), fullName, alias, v)
	return v
}

func (r *MemoryRegistry) Load(_ context.Context, c Coordinate) (Prompt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name := c.FullName()
	v, ok := r.aliases[name][c.Alias]
	if !ok {
		return Prompt{}, fmt.Errorf("%w: %s", ErrNotFound, c.URI())
	}
	return Prompt{Coordinate: c, Version: v, Template: r.versions[name][v-1]}, nil
}

func (r *MemoryRegistry) Register(_ context.Context, fullName, template, _ string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.versions[fullName] = append(r.versions[fullName], template)
	return len(r.versions[fullName]), nil
}

func (r *MemoryRegistry) SetAlias(_ context.Context, fullName, alias string, version int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if version < 1 || version > len(r.versions[fullName]) {
		return fmt.Errorf("%w: %s version %d", ErrNotFound, fullName, version)
	}
	if r.aliases[fullName] == nil {
		r.aliases[fullName] = make(map[string]int)
	}
	r.aliases[fullName][alias] = version
	return nil
}
