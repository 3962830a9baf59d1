// Package memory provides an in-memory registry, identifier counter store and
// deployment binding table.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/tendant/simple-objectstore/pkg/objectstore"
)

type bindingKey struct {
	deployment        string
	contentModel      string
	serviceDefinition string
}

func keyOf(deploymentID string, sc objectstore.ServiceContext) bindingKey {
	return bindingKey{deploymentID, sc.ContentModel, sc.ServiceDefinition}
}

type storedBinding struct {
	binding objectstore.DeploymentBinding
	seq     int64
}

// Registry implements objectstore.Registry, objectstore.CounterStore and
// objectstore.BindingSource in memory.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*objectstore.RegistryEntry
	bindings map[bindingKey]storedBinding
	counters map[string]int64
	seq      int64
}

var (
	_ objectstore.Registry      = (*Registry)(nil)
	_ objectstore.CounterStore  = (*Registry)(nil)
	_ objectstore.BindingSource = (*Registry)(nil)
)

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries:  make(map[string]*objectstore.RegistryEntry),
		bindings: make(map[bindingKey]storedBinding),
		counters: make(map[string]int64),
	}
}

func (r *Registry) Exists(ctx context.Context, pid string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[pid]
	return ok, nil
}

func (r *Registry) Register(ctx context.Context, entry objectstore.RegistryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[entry.PID]; ok {
		return objectstore.ErrObjectExists
	}
	entry.Version = 0
	r.entries[entry.PID] = &entry
	return nil
}

func (r *Registry) Unregister(ctx context.Context, pid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[pid]; !ok {
		return objectstore.ErrObjectNotFound
	}
	delete(r.entries, pid)
	return nil
}

func (r *Registry) Get(ctx context.Context, pid string) (*objectstore.RegistryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[pid]
	if !ok {
		return nil, objectstore.ErrObjectNotFound
	}
	entryCopy := *e
	return &entryCopy, nil
}

// Update runs fn against a staging transaction and applies what it wrote
// only if fn succeeds.
func (r *Registry) Update(ctx context.Context, fn func(tx objectstore.RegistryTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := &tx{
		r:        r,
		entries:  make(map[string]*objectstore.RegistryEntry),
		bindings: make(map[bindingKey]*objectstore.DeploymentBinding),
	}
	if err := fn(t); err != nil {
		return err
	}

	for pid, e := range t.entries {
		r.entries[pid] = e
	}
	for _, k := range t.order {
		b := t.bindings[k]
		if b == nil {
			delete(r.bindings, k)
			continue
		}
		if existing, ok := r.bindings[k]; ok {
			existing.binding = *b
			r.bindings[k] = existing
			continue
		}
		r.seq++
		r.bindings[k] = storedBinding{binding: *b, seq: r.seq}
	}
	return nil
}

// ListBindings lists bindings in the order they were first stored.
func (r *Registry) ListBindings(ctx context.Context, fn func(objectstore.DeploymentBinding) error) error {
	r.mu.RLock()
	list := make([]storedBinding, 0, len(r.bindings))
	for _, b := range r.bindings {
		list = append(list, b)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	for _, b := range list {
		if err := fn(b.binding); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) LoadCounters(ctx context.Context) (map[string]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int64, len(r.counters))
	for ns, n := range r.counters {
		out[ns] = n
	}
	return out, nil
}

func (r *Registry) SaveCounter(ctx context.Context, namespace string, high int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[namespace] = high
	return nil
}

// tx stages writes; r.mu is held for its whole life.
type tx struct {
	r        *Registry
	entries  map[string]*objectstore.RegistryEntry
	bindings map[bindingKey]*objectstore.DeploymentBinding
	order    []bindingKey
}

func (t *tx) IncrementVersion(ctx context.Context, pid, ownerID, label string, state objectstore.State) (int64, error) {
	e, ok := t.entries[pid]
	if !ok {
		stored, found := t.r.entries[pid]
		if !found {
			return 0, objectstore.ErrObjectNotFound
		}
		entryCopy := *stored
		e = &entryCopy
		t.entries[pid] = e
	}
	e.Version++
	e.OwnerID = ownerID
	e.Label = label
	e.State = state
	return e.Version, nil
}

func (t *tx) PutBinding(ctx context.Context, b objectstore.DeploymentBinding) error {
	t.stage(keyOf(b.DeploymentID, b.Context), &b)
	return nil
}

func (t *tx) DeleteBinding(ctx context.Context, deploymentID string, sc objectstore.ServiceContext) error {
	t.stage(keyOf(deploymentID, sc), nil)
	return nil
}

func (t *tx) stage(k bindingKey, b *objectstore.DeploymentBinding) {
	if _, ok := t.bindings[k]; !ok {
		t.order = append(t.order, k)
	}
	t.bindings[k] = b
}
