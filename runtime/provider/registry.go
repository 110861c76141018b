package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"goa.design/clue/log"
)

// Registry groups providers by category, preserving registration order, and
// owns the per-category round-robin cursor used by both single-call
// endpoints and the failover executors. The registry is populated once at
// startup and read-mostly afterwards; all methods are safe for concurrent
// use.
type Registry struct {
	mu        sync.RWMutex
	providers map[Category][]Provider
	cursor    map[Category]int
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[Category][]Provider),
		cursor:    make(map[Category]int),
	}
}

// Register appends p to its category's list and returns the registry for
// chaining. It panics if the provider value does not implement the operation
// interface of its declared category: that is a wiring bug, caught at
// startup.
func (r *Registry) Register(ctx context.Context, p Provider) *Registry {
	if err := checkCategory(p); err != nil {
		panic(err)
	}
	r.mu.Lock()
	existing := len(r.providers[p.Category()])
	r.providers[p.Category()] = append(r.providers[p.Category()], p)
	r.mu.Unlock()
	if existing == 0 {
		log.Printf(ctx, "registered %s provider %q (first for category)", p.Category(), p.Name())
	} else {
		log.Printf(ctx, "registered %s provider %q (position %d)", p.Category(), p.Name(), existing)
	}
	return r
}

// checkCategory verifies that the concrete provider type matches its
// declared category.
func checkCategory(p Provider) error {
	var ok bool
	switch p.Category() {
	case CategoryText:
		_, ok = p.(TextProvider)
	case CategoryVision:
		_, ok = p.(VisionProvider)
	case CategoryImage:
		_, ok = p.(ImageProvider)
	case CategoryVideo:
		_, ok = p.(VideoProvider)
	case CategoryAudio:
		_, ok = p.(AudioProvider)
	case CategoryEmbedding:
		_, ok = p.(EmbeddingProvider)
	default:
		return fmt.Errorf("provider %q declares unknown category %q", p.Name(), p.Category())
	}
	if !ok {
		return fmt.Errorf("provider %q does not implement the %s operation interface", p.Name(), p.Category())
	}
	return nil
}

// Next returns the next provider for the category in round-robin order,
// advancing the shared cursor. It fails with a classified SERVICE_ERROR when
// the category has no registrations.
func (r *Registry) Next(category Category) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.providers[category]
	if len(list) == 0 {
		return nil, NewError(CodeServiceError, "", fmt.Sprintf("no providers registered for category %q", category))
	}
	p := list[r.cursor[category]%len(list)]
	r.cursor[category] = (r.cursor[category] + 1) % len(list)
	return p, nil
}

// All returns the ordered provider list for the category. The result is
// never nil and is a copy safe for the caller to hold.
func (r *Registry) All(category Category) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.providers[category]
	out := make([]Provider, len(list))
	copy(out, list)
	return out
}

// Has reports whether at least one provider is registered for the category.
func (r *Registry) Has(category Category) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers[category]) > 0
}

// Categories returns the categories with at least one registration, sorted
// for deterministic output.
func (r *Registry) Categories() []Category {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Category, 0, len(r.providers))
	for c, list := range r.providers {
		if len(list) > 0 {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Stats returns the provider names per category, in registration order.
func (r *Registry) Stats() map[Category][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Category][]string, len(r.providers))
	for c, list := range r.providers {
		names := make([]string, len(list))
		for i, p := range list {
			names[i] = p.Name()
		}
		out[c] = names
	}
	return out
}

// Reset clears all registrations and cursors. Test hook.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = make(map[Category][]Provider)
	r.cursor = make(map[Category]int)
}
