// Package graph builds the prerequisite graph (spec.md §4.2) over a
// metadata corpus: root/non-leaf/leaf partitioning, the applicability
// oracle, and category-scoped filtering. Construction is a single pass
// grounded on the teacher's single-pass delta computation in
// lake/pkg/duck/scd.go.
package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/Snshadow/update-server-server-sync/pkg/model"
	"github.com/Snshadow/update-server-server-sync/pkg/store"
)

// Graph is the immutable result of one construction pass over a
// corpus. Callers rebuild it wholesale on attach/reindex (see
// pkg/engine) rather than mutating it incrementally.
type Graph struct {
	// Packages indexes every package by GUID, the currently resident
	// revision only — construction resolves supersedence up front so
	// the rest of the graph never has to.
	Packages map[uuid.UUID]*model.Package

	Roots         map[uuid.UUID]struct{}
	NonLeafs      map[uuid.UUID]struct{}
	Leafs         map[uuid.UUID]struct{}
	SoftwareLeafs map[uuid.UUID]struct{}

	dependents   map[uuid.UUID]map[uuid.UUID]struct{}
	dependencies map[uuid.UUID][]uuid.UUID

	cache *ttlcache.Cache[cacheKey, bool]
}

type cacheKey struct {
	root      uuid.UUID
	installed string
}

// Build performs the single construction pass over every package
// `Enumerate` yields, resolving supersedence (highest revision per
// GUID wins) before classifying root/non-leaf/leaf (spec.md §4.2).
func Build(ctx context.Context, backend store.Backend) (*Graph, error) {
	current := make(map[uuid.UUID]*model.Package)

	err := backend.Enumerate(ctx, func(pkg *model.Package) error {
		existing, ok := current[pkg.Identity.GUID]
		if !ok || pkg.Identity.Revision > existing.Identity.Revision {
			current[pkg.Identity.GUID] = pkg
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("graph: enumerate corpus: %w", err)
	}

	return buildFromCurrent(current), nil
}

func buildFromCurrent(current map[uuid.UUID]*model.Package) *Graph {
	g := &Graph{
		Packages:      current,
		Roots:         make(map[uuid.UUID]struct{}),
		NonLeafs:      make(map[uuid.UUID]struct{}),
		Leafs:         make(map[uuid.UUID]struct{}),
		SoftwareLeafs: make(map[uuid.UUID]struct{}),
		dependents:    make(map[uuid.UUID]map[uuid.UUID]struct{}),
		dependencies:  make(map[uuid.UUID][]uuid.UUID),
		cache: ttlcache.New[cacheKey, bool](
			ttlcache.WithTTL[cacheKey, bool](applicabilityCacheTTL),
		),
	}

	for guid, pkg := range current {
		deps := model.Dependencies(pkg.Prerequisites)
		// Unresolved references are dropped from the dependency set
		// (spec.md §4.2 invariant): an update referencing an unknown
		// GUID is treated as not applicable rather than crashing
		// construction; graph.IsApplicable independently re-checks
		// membership in Packages for the same reason.
		resolved := make([]uuid.UUID, 0, len(deps))
		for _, d := range deps {
			if _, ok := current[d]; ok {
				resolved = append(resolved, d)
			}
		}
		g.dependencies[guid] = resolved

		for _, dep := range resolved {
			if g.dependents[dep] == nil {
				g.dependents[dep] = make(map[uuid.UUID]struct{})
			}
			g.dependents[dep][guid] = struct{}{}
		}
	}

	for guid := range current {
		switch {
		case len(g.dependencies[guid]) == 0:
			g.Roots[guid] = struct{}{}
		case len(g.dependents[guid]) > 0:
			g.NonLeafs[guid] = struct{}{}
		default:
			g.Leafs[guid] = struct{}{}
		}
	}

	for guid := range g.Leafs {
		if current[guid].IsSoftwareOrDriver() {
			g.SoftwareLeafs[guid] = struct{}{}
		}
	}

	return g
}

// applicabilityCacheTTL bounds how long a memoized (treeRoot,
// installedSet) evaluation is trusted before re-evaluation, so a
// long-lived engine does not serve stale results after a reindex swaps
// the Graph without also invalidating this cache (reindex always
// builds a fresh Graph, and therefore a fresh cache, so this is a
// belt-and-suspenders bound rather than a correctness requirement).
const applicabilityCacheTTL = 5 * time.Minute

// IsApplicable implements the §4.2 oracle: pkg's prerequisite tree must
// evaluate true against installed, and pkg itself must still be a
// known, current-revision package in the graph.
func (g *Graph) IsApplicable(guid uuid.UUID, installed map[uuid.UUID]struct{}) bool {
	pkg, ok := g.Packages[guid]
	if !ok {
		return false
	}
	key := cacheKey{root: guid, installed: fingerprint(installed)}
	if item := g.cache.Get(key); item != nil {
		return item.Value()
	}
	result := model.Evaluate(pkg.Prerequisites, installed)
	g.cache.Set(key, result, ttlcache.DefaultTTL)
	return result
}

// fingerprint produces a stable, order-independent key for an
// installed-set so the memoization cache hits across requests that
// pass the same set built in different orders. Collisions are
// acceptable only in the sense that a cache hit saves a re-evaluation
// that is otherwise recomputed correctly on miss — this is a cache, not
// a source of truth.
func fingerprint(installed map[uuid.UUID]struct{}) string {
	ids := make([]uuid.UUID, 0, len(installed))
	for id := range installed {
		ids = append(ids, id)
	}
	// Sort for determinism; small sets in practice (a client's known
	// updates), so an O(n²) insertion sort per fingerprint is not a hot
	// path concern.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && less(ids[j], ids[j-1]); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	out := make([]byte, 0, len(ids)*16)
	for _, id := range ids {
		out = append(out, id[:]...)
	}
	return string(out)
}

func less(a, b uuid.UUID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// CategoryFilter retains only the GUIDs in candidates whose prerequisite
// tree contains an AtLeastOne(isCategory=true) node mentioning at least
// one of categories (spec.md §4.2's category filtering rule). An empty
// categories set is a no-op (all candidates pass).
func (g *Graph) CategoryFilter(candidates []uuid.UUID, categories map[uuid.UUID]struct{}) []uuid.UUID {
	if len(categories) == 0 {
		return candidates
	}
	out := make([]uuid.UUID, 0, len(candidates))
	for _, guid := range candidates {
		pkg, ok := g.Packages[guid]
		if !ok {
			continue
		}
		for _, cat := range model.CategoryGUIDs(pkg.Prerequisites) {
			if _, ok := categories[cat]; ok {
				out = append(out, guid)
				break
			}
		}
	}
	return out
}

// Close releases the applicability memoization cache's background
// eviction goroutine.
func (g *Graph) Close() {
	g.cache.Stop()
}
