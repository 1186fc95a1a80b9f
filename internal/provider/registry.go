package provider

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry is the ordered set of provider types known to the process.
type Registry struct {
	mu     sync.Mutex
	order  []*Descriptor
	byName map[string]*Descriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Descriptor)}
}

// Register validates d (once per descriptor) and adds it. A provider whose
// checks fail is still registered, disabled; only a duplicate name is an
// error.
func (r *Registry) Register(ctx context.Context, d *Descriptor) error {
	if d == nil || d.Name == "" {
		return fmt.Errorf("provider must have a name")
	}
	r.mu.Lock()
	if _, ok := r.byName[d.Name]; ok {
		r.mu.Unlock()
		return fmt.Errorf("provider %q already registered", d.Name)
	}
	r.byName[d.Name] = d
	r.order = append(r.order, d)
	r.mu.Unlock()

	d.mu.Lock()
	done := d.validated
	d.mu.Unlock()
	if !done {
		_ = d.Validate(ctx)
	}
	return nil
}

// Get returns the provider with the given name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byName[name]
	return d, ok
}

// All returns every registered provider in registration order.
func (r *Registry) All() []*Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Descriptor(nil), r.order...)
}

// Enabled returns the providers whose checks passed.
func (r *Registry) Enabled() []*Descriptor {
	var out []*Descriptor
	for _, d := range r.All() {
		if d.IsEnabled() {
			out = append(out, d)
		}
	}
	return out
}

// RegisterAll validates ds concurrently, at most workers at a time, then
// registers them in order.
func (r *Registry) RegisterAll(ctx context.Context, ds []*Descriptor, workers int) error {
	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for _, d := range ds {
		g.Go(func() error {
			// Failures disable the provider; they do not abort the others.
			_ = d.Validate(gctx)
			return nil
		})
	}
	_ = g.Wait()
	for _, d := range ds {
		if err := r.Register(ctx, d); err != nil {
			return err
		}
	}
	return nil
}
