package providers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry resolves provider-qualified model identifiers to a Provider.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	fallback  string
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its Name. The first registered provider
// becomes the fallback for unqualified model ids.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := strings.ToLower(p.Name())
	if len(r.providers) == 0 {
		r.fallback = name
	}
	r.providers[name] = p
}

// Resolve returns the provider and bare model id for a qualified model
// identifier such as "anthropic/claude-sonnet-4-20250514".
func (r *Registry) Resolve(qualified string) (Provider, string, error) {
	providerName, model := SplitModel(qualified)
	r.mu.RLock()
	defer r.mu.RUnlock()

	if providerName == "" {
		providerName = r.fallback
	}
	provider, ok := r.providers[providerName]
	if !ok {
		return nil, "", fmt.Errorf("providers: no provider registered for model %q", qualified)
	}
	return provider, model, nil
}

// Complete resolves the request's qualified model and streams from the
// matching provider.
func (r *Registry) Complete(ctx context.Context, qualifiedModel string, req *Request) (<-chan *Chunk, error) {
	provider, model, err := r.Resolve(qualifiedModel)
	if err != nil {
		return nil, err
	}
	copyReq := *req
	copyReq.Model = model
	return provider.Complete(ctx, &copyReq)
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
