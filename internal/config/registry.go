package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mkurimoto/kaiwa/pkg/provider/backend"
	"github.com/mkurimoto/kaiwa/pkg/provider/capture"
	"github.com/mkurimoto/kaiwa/pkg/provider/synth"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// pipeline stage. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	capture map[string]func(ProviderEntry) (capture.Provider, error)
	synth   map[string]func(ProviderEntry) (synth.Provider, error)
	backend map[string]func(ProviderEntry) (backend.Client, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		capture: make(map[string]func(ProviderEntry) (capture.Provider, error)),
		synth:   make(map[string]func(ProviderEntry) (synth.Provider, error)),
		backend: make(map[string]func(ProviderEntry) (backend.Client, error)),
	}
}

// RegisterCapture registers a capture provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterCapture(name string, factory func(ProviderEntry) (capture.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterSynth registers a synthesis provider factory under name.
func (r *Registry) RegisterSynth(name string, factory func(ProviderEntry) (synth.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synth[name] = factory
}

// RegisterBackend registers a conversation backend factory under name.
func (r *Registry) RegisterBackend(name string, factory func(ProviderEntry) (backend.Client, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backend[name] = factory
}

// CreateCapture instantiates a capture provider using the factory registered
// under entry.Provider. Returns [ErrProviderNotRegistered] if no factory has
// been registered for that name.
func (r *Registry) CreateCapture(entry ProviderEntry) (capture.Provider, error) {
	r.mu.RLock()
	factory, ok := r.capture[entry.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrProviderNotRegistered, entry.Provider)
	}
	return factory(entry)
}

// CreateSynth instantiates a synthesis provider using the factory registered
// under entry.Provider.
func (r *Registry) CreateSynth(entry ProviderEntry) (synth.Provider, error) {
	r.mu.RLock()
	factory, ok := r.synth[entry.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: synth/%q", ErrProviderNotRegistered, entry.Provider)
	}
	return factory(entry)
}

// CreateBackend instantiates a conversation backend using the factory
// registered under entry.Provider.
func (r *Registry) CreateBackend(entry ProviderEntry) (backend.Client, error) {
	r.mu.RLock()
	factory, ok := r.backend[entry.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: backend/%q", ErrProviderNotRegistered, entry.Provider)
	}
	return factory(entry)
}
