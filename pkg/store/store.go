// Package store defines the Metadata Backing Store contract (spec.md
// §4.1): a polymorphic capability set that three interchangeable
// backends (compressed-delta zip, directory, embedded SQL) satisfy
// identically. Callers — the graph builder, the engine, the sync state
// machine — depend only on this interface, never on a concrete backend.
package store

import (
	"context"
	"errors"
	"io"

	"github.com/Snshadow/update-server-server-sync/pkg/identity"
	"github.com/Snshadow/update-server-server-sync/pkg/model"
)

// Sentinel errors, per spec.md §7's error-kinds table. Backends wrap
// these with fmt.Errorf("...: %w", ...) so callers can errors.Is against
// them regardless of backend.
var (
	// ErrNoMetadataSource means no backend is configured/reachable for a
	// lookup; distinct from ErrNotFound, which means the backend is
	// reachable but the identity/index is simply absent.
	ErrNoMetadataSource = errors.New("store: no metadata source configured")

	// ErrInvalidMetadataXML means the parser rejected a stored blob;
	// callers should exclude the one package and continue (spec.md §7).
	ErrInvalidMetadataXML = errors.New("store: invalid metadata xml")

	// ErrInvalidIndex means the caller referenced an index the store
	// never assigned; fatal for the request that triggered it.
	ErrInvalidIndex = errors.New("store: invalid revision index")

	// ErrUnknownPartition means a stored package references a partition
	// the current build's registry does not implement; fatal at
	// store-open time.
	ErrUnknownPartition = errors.New("store: unknown partition")

	// ErrNotImplemented marks backend capabilities deliberately left
	// unimplemented for a given store variant (e.g. Enumerate ordering
	// guarantees a minimal backend opts out of).
	ErrNotImplemented = errors.New("store: not implemented")

	// ErrNotFound means the identity/index is simply absent.
	ErrNotFound = errors.New("store: not found")
)

// Backend is the capability set every metadata backing store
// implementation satisfies (spec.md §4.1, Design Notes §9).
type Backend interface {
	// AddPackage assigns a new index to pkg if its (GUID, revision) is
	// not already present; otherwise it is a no-op. Returns the
	// package's index either way.
	AddPackage(ctx context.Context, pkg *model.Package) (identity.Index, error)

	// GetMetadata returns a readable stream of the raw XML for id.
	GetMetadata(ctx context.Context, id identity.ID) (io.ReadCloser, error)

	// GetFiles returns the deserialized file-descriptor list for id.
	GetFiles(ctx context.Context, id identity.ID) ([]model.FileRef, error)

	// GetPackageByID reconstructs the in-memory package for id.
	GetPackageByID(ctx context.Context, id identity.ID) (*model.Package, error)

	// GetPackageByIndex reconstructs the in-memory package for idx.
	GetPackageByIndex(ctx context.Context, idx identity.Index) (*model.Package, error)

	// GetPackageIndex resolves id to its assigned index, if present.
	GetPackageIndex(ctx context.Context, id identity.ID) (identity.Index, bool, error)

	// GetPackageIdentity resolves idx back to its full identity.
	GetPackageIdentity(ctx context.Context, idx identity.Index) (identity.ID, bool, error)

	// ContainsPackage reports whether id has been stored.
	ContainsPackage(ctx context.Context, id identity.ID) (bool, error)

	// Enumerate calls fn once per stored package, in an
	// implementation-defined but snapshot-consistent order (spec.md
	// §5). fn returning an error stops enumeration and propagates.
	Enumerate(ctx context.Context, fn func(*model.Package) error) error

	// Flush durably persists any pending mutations.
	Flush(ctx context.Context) error

	// Close releases backend resources. Safe to call once.
	Close() error
}
