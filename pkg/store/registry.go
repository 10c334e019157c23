package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/Snshadow/update-server-server-sync/pkg/model"
)

// Partition names the scoping dimension a deployment mirrors against —
// typically a product line or environment ring. A package belongs to
// exactly one partition; a deployment's sync scope names the partitions
// it will consider (spec.md §6's `metadata/partitions/...` layout).
type Partition string

// Opener constructs a Backend for one partition, given the root
// directory a concrete backend should use for its on-disk state.
type Opener func(partitionDir string) (Backend, error)

// Registry maps partition names to the Backend each one opened with.
// cmd/updateserver registers every configured partition here (all
// opened with the same backend kind) and copies their packages into a
// single working store through EnumerateAll; the engine and the
// ingestion pipeline each work against one Backend and do not consult
// the registry.
type Registry struct {
	mu       sync.RWMutex
	backends map[Partition]Backend
}

// NewRegistry returns an empty registry; call Register for each
// partition present under the root's metadata/partitions/ directory.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[Partition]Backend)}
}

// Register attaches an already-opened backend for partition. Calling it
// twice for the same partition replaces the prior backend without
// closing it — callers are responsible for closing superseded backends.
func (r *Registry) Register(partition Partition, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[partition] = b
}

// Lookup returns the backend registered for partition, or
// ErrUnknownPartition if none was registered.
func (r *Registry) Lookup(partition Partition) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[partition]
	if !ok {
		return nil, fmt.Errorf("partition %q: %w", partition, ErrUnknownPartition)
	}
	return b, nil
}

// Partitions returns every registered partition name.
func (r *Registry) Partitions() []Partition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Partition, 0, len(r.backends))
	for p := range r.backends {
		out = append(out, p)
	}
	return out
}

// CloseAll closes every registered backend, returning the first error
// encountered while still attempting to close the rest.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for p, b := range r.backends {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close partition %q: %w", p, err)
		}
	}
	return firstErr
}

// EnumerateAll calls fn once per package across every registered
// partition, in registry-iteration order (not spec-guaranteed to be
// stable across runs; callers needing determinism should sort).
func (r *Registry) EnumerateAll(ctx context.Context, fn func(Partition, *model.Package) error) error {
	r.mu.RLock()
	partitions := make(map[Partition]Backend, len(r.backends))
	for p, b := range r.backends {
		partitions[p] = b
	}
	r.mu.RUnlock()

	for p, b := range partitions {
		p := p
		err := b.Enumerate(ctx, func(pkg *model.Package) error {
			return fn(p, pkg)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
