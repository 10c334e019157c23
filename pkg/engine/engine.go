// Package engine implements the Update-Graph Engine (spec.md §4.3): it
// owns the attached metadata source, rebuilds the derived identity and
// classification maps on attach/reindex, and exposes XML fragment
// extraction to the sync layer. Grounded on the teacher's
// New/Ready/Start view-assembly pattern in lake/pkg/indexer/indexer.go.
package engine

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/Snshadow/update-server-server-sync/pkg/driver"
	"github.com/Snshadow/update-server-server-sync/pkg/graph"
	"github.com/Snshadow/update-server-server-sync/pkg/identity"
	"github.com/Snshadow/update-server-server-sync/pkg/model"
	"github.com/Snshadow/update-server-server-sync/pkg/store"
	"github.com/Snshadow/update-server-server-sync/pkg/xmlfrag"
)

// Engine holds the currently attached metadata source and its derived
// maps, guarded by a single reader-writer lock: sync requests and graph
// queries take the read lock for the full request duration; Attach,
// Detach, and Reindex take the write lock and rebuild everything
// atomically (spec.md §5).
type Engine struct {
	mu sync.RWMutex

	backend store.Backend
	graph   *graph.Graph
	matcher *driver.Matcher

	idToRevisionIndex map[uuid.UUID]identity.Index
	idToFullIdentity  map[uuid.UUID]identity.ID
}

// New returns an Engine with no metadata source attached. Call Attach
// before issuing sync requests against it.
func New() *Engine {
	return &Engine{}
}

// Attach builds the prerequisite graph and derived maps from backend,
// then installs them under the write lock (spec.md §4.3 steps 1-5).
// A previously attached source is detached first.
func (e *Engine) Attach(ctx context.Context, backend store.Backend) error {
	g, err := graph.Build(ctx, backend)
	if err != nil {
		return fmt.Errorf("engine: attach: %w", err)
	}

	idToRevisionIndex := make(map[uuid.UUID]identity.Index, len(g.Packages))
	idToFullIdentity := make(map[uuid.UUID]identity.ID, len(g.Packages))
	for guid, pkg := range g.Packages {
		idx, ok, err := backend.GetPackageIndex(ctx, pkg.Identity)
		if err != nil {
			g.Close()
			return fmt.Errorf("engine: attach: resolve index for %s: %w", pkg.Identity, err)
		}
		if !ok {
			g.Close()
			return fmt.Errorf("engine: attach: %s: %w", pkg.Identity, store.ErrNotFound)
		}
		idToRevisionIndex[guid] = idx
		idToFullIdentity[guid] = pkg.Identity
	}

	m := driver.Build(g)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.graph != nil {
		e.graph.Close()
	}
	e.backend = backend
	e.graph = g
	e.matcher = m
	e.idToRevisionIndex = idToRevisionIndex
	e.idToFullIdentity = idToFullIdentity
	return nil
}

// Reindex rebuilds the derived maps from the currently attached
// backend, without changing which backend is attached — used after a
// bulk ingest to pick up newly added packages.
func (e *Engine) Reindex(ctx context.Context) error {
	e.mu.RLock()
	backend := e.backend
	e.mu.RUnlock()
	if backend == nil {
		return fmt.Errorf("engine: reindex: %w", store.ErrNoMetadataSource)
	}
	return e.Attach(ctx, backend)
}

// Detach releases the attached source's derived state. The backend
// itself is not closed — callers own its lifecycle.
func (e *Engine) Detach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.graph != nil {
		e.graph.Close()
	}
	e.backend = nil
	e.graph = nil
	e.matcher = nil
	e.idToRevisionIndex = nil
	e.idToFullIdentity = nil
}

// View is a read-locked snapshot handle returned by Engine.View. Its
// methods are only valid for the duration of the callback passed to
// View; callers must not retain it past that scope.
type View struct {
	e *Engine
}

// View takes the read lock for the duration of fn, exposing the
// currently attached graph/backend/matcher/derived maps — the pattern
// every sync-request-scoped operation uses (spec.md §5: "sync requests
// ... take the read lock for the full duration of the request").
func (e *Engine) View(fn func(*View) error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.graph == nil {
		return fmt.Errorf("engine: %w", store.ErrNoMetadataSource)
	}
	return fn(&View{e: e})
}

// Graph returns the attached prerequisite graph.
func (v *View) Graph() *graph.Graph { return v.e.graph }

// Backend returns the attached metadata backend.
func (v *View) Backend() store.Backend { return v.e.backend }

// Matcher returns the attached driver matcher.
func (v *View) Matcher() *driver.Matcher { return v.e.matcher }

// IndexOf returns the dense wire index currently assigned to guid's
// current revision.
func (v *View) IndexOf(guid uuid.UUID) (identity.Index, bool) {
	idx, ok := v.e.idToRevisionIndex[guid]
	return idx, ok
}

// IdentityOf returns the full (GUID, revision) identity currently
// assigned to guid.
func (v *View) IdentityOf(guid uuid.UUID) (identity.ID, bool) {
	id, ok := v.e.idToFullIdentity[guid]
	return id, ok
}

// GUIDFromIndex resolves a wire index back to a GUID via the backend's
// own index, used to translate client-submitted indexes into graph
// GUIDs (spec.md §4.4 "Translation").
func (v *View) GUIDFromIndex(ctx context.Context, idx identity.Index) (uuid.UUID, error) {
	id, ok, err := v.e.backend.GetPackageIdentity(ctx, idx)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("engine: resolve index %d: %w", idx, err)
	}
	if !ok {
		return uuid.UUID{}, fmt.Errorf("engine: index %d: %w", idx, store.ErrInvalidIndex)
	}
	// An index resolves to a stale (superseded) revision if its GUID's
	// current revision has since advanced; the graph always has the
	// currently-resident revision for the GUID, so the caller's
	// "installed" interpretation follows the GUID, never the raw index.
	return id.GUID, nil
}

// CoreFragment extracts the core applicability-essential XML fragment
// for guid's current revision, via pkg/xmlfrag.
func (v *View) CoreFragment(ctx context.Context, guid uuid.UUID) ([]byte, error) {
	raw, err := v.rawXML(ctx, guid)
	if err != nil {
		return nil, err
	}
	frag, err := xmlfrag.Core(raw)
	if err != nil {
		return nil, fmt.Errorf("engine: core fragment for %s: %w", guid, store.ErrInvalidMetadataXML)
	}
	return frag, nil
}

// ExtendedFragment extracts the extended (file-location / handler) XML
// fragment for guid's current revision.
func (v *View) ExtendedFragment(ctx context.Context, guid uuid.UUID) ([]byte, error) {
	raw, err := v.rawXML(ctx, guid)
	if err != nil {
		return nil, err
	}
	frag, err := xmlfrag.Extended(raw)
	if err != nil {
		return nil, fmt.Errorf("engine: extended fragment for %s: %w", guid, store.ErrInvalidMetadataXML)
	}
	return frag, nil
}

// LocalizedProperties extracts per-language properties for guid's
// current revision, falling back to "en".
func (v *View) LocalizedProperties(ctx context.Context, guid uuid.UUID, locales []string) ([]byte, error) {
	raw, err := v.rawXML(ctx, guid)
	if err != nil {
		return nil, err
	}
	frag, err := xmlfrag.LocalizedProperties(raw, locales)
	if err != nil {
		return nil, fmt.Errorf("engine: localized properties for %s: %w", guid, store.ErrInvalidMetadataXML)
	}
	return frag, nil
}

func (v *View) rawXML(ctx context.Context, guid uuid.UUID) ([]byte, error) {
	id, ok := v.IdentityOf(guid)
	if !ok {
		return nil, fmt.Errorf("engine: %s: %w", guid, store.ErrNotFound)
	}
	rc, err := v.e.backend.GetMetadata(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("engine: read metadata for %s: %w", id, err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("engine: read metadata for %s: %w", id, err)
	}
	return raw, nil
}

// PackageByGUID returns the current-revision in-memory package for
// guid, straight from the attached graph (no backend round-trip).
func (v *View) PackageByGUID(guid uuid.UUID) (*model.Package, bool) {
	pkg, ok := v.e.graph.Packages[guid]
	return pkg, ok
}
