package provider

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrNoProvider means neither a provider name nor a default was given.
	ErrNoProvider = errors.New("no provider selected")

	// ErrUnknownProvider means the name is not registered.
	ErrUnknownProvider = errors.New("unknown provider")
)

// Factory constructs a provider. Construction may fail, for example when
// credentials are missing.
type Factory func() (Provider, error)

// Registry maps provider names to factories. It is built explicitly at
// startup and injected where needed.
type Registry struct {
	mu          sync.RWMutex
	factories   map[string]Factory
	defaultName string
}

// NewRegistry returns an empty registry that falls back to defaultName.
func NewRegistry(defaultName string) *Registry {
	return &Registry{
		factories:   make(map[string]Factory),
		defaultName: normalizeName(defaultName),
	}
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[normalizeName(name)] = f
}

// SetDefault changes the fallback provider.
func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultName = normalizeName(name)
}

// Default returns the fallback provider name.
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}

// Resolve constructs the named provider, or the default when name is empty.
func (r *Registry) Resolve(name string) (Provider, error) {
	r.mu.RLock()
	key := normalizeName(name)
	if key == "" {
		key = r.defaultName
	}
	f, ok := r.factories[key]
	r.mu.RUnlock()

	if key == "" {
		return nil, ErrNoProvider
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, key)
	}
	p, err := f()
	if err != nil {
		return nil, fmt.Errorf("init provider %q: %w", key, err)
	}
	return p, nil
}

// Names lists the registered providers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
