package sync

import (
	"sort"

	"github.com/google/uuid"

	"github.com/Snshadow/update-server-server-sync/pkg/deploy"
	"github.com/Snshadow/update-server-server-sync/pkg/engine"
	"github.com/Snshadow/update-server-server-sync/pkg/graph"
)

// Deployment wire IDs (spec.md §4.4 "UpdateInfo assembly").
const (
	deploymentIDBundle     = 20000
	deploymentIDBundled    = 20001
	deploymentIDStandalone = 20002
	deploymentIDNonLeaf    = 15000
)

// ActionPolicy supplies the default deployment action assigned when no
// deployment row exists, resolving spec.md §9's open question 1: the
// deployment row is always authoritative when present; these are only
// the fallback defaults. Exposed as a struct (rather than a hard-coded
// switch) so a caller can restore the historical
// always-Install-for-bundles behavior without touching the state
// machine.
type ActionPolicy struct {
	StandaloneLeaf deploy.Action
	BundledLeaf    deploy.Action
	NonLeafOrRoot  deploy.Action
}

// DefaultActionPolicy matches spec.md §9's recommended resolution:
// Install for standalone leaves, Bundle for bundled leaves, Evaluate
// for non-leafs and roots.
var DefaultActionPolicy = ActionPolicy{
	StandaloneLeaf: deploy.ActionInstall,
	BundledLeaf:    deploy.ActionBundle,
	NonLeafOrRoot:  deploy.ActionEvaluate,
}

// stage identifies which of the four ordered tiers emitted a response
// (spec.md §4.4).
type stage int

const (
	stageNone stage = iota
	stageRoots
	stageNonLeafs
	stageBundleLeaves
	stageSoftwareLeaves
)

func (s stage) isLeaf() bool {
	return s == stageBundleLeaves || s == stageSoftwareLeaves
}

// String names the stage for metrics labels (internal/metrics).
func (s stage) String() string {
	switch s {
	case stageRoots:
		return "roots"
	case stageNonLeafs:
		return "non_leafs"
	case stageBundleLeaves:
		return "bundle_leaves"
	case stageSoftwareLeaves:
		return "software_leaves"
	default:
		return "none"
	}
}

// selection is the result of walking the four stages: which stage
// emitted, and its candidate GUIDs before truncation.
type selection struct {
	stage      stage
	candidates []uuid.UUID
}

// selectStage implements the strict stage ordering of spec.md §4.4's
// table: exactly one stage emits per request, the first with any
// candidate. applicable is the category-filtered applicability oracle
// result restricted to clientKnown-excluded candidates; roots are never
// applicability-filtered (they have no prerequisites to evaluate).
func selectStage(g *graph.Graph, clientKnown map[uuid.UUID]struct{}, applicable map[uuid.UUID]struct{}) selection {
	if roots := subtract(setKeys(g.Roots), clientKnown); len(roots) > 0 {
		return selection{stage: stageRoots, candidates: roots}
	}
	if nonLeafs := intersectSubtract(setKeys(g.NonLeafs), applicable, clientKnown); len(nonLeafs) > 0 {
		return selection{stage: stageNonLeafs, candidates: nonLeafs}
	}

	var bundleLeaves, softwareLeaves []uuid.UUID
	for guid := range g.SoftwareLeafs {
		if _, ok := applicable[guid]; !ok {
			continue
		}
		if _, known := clientKnown[guid]; known {
			continue
		}
		pkg := g.Packages[guid]
		// Stage 3 holds bundles (leaves whose BundledUpdates is
		// non-empty); leaves that are only bundled inside another update
		// fall through to stage 4 with the bundled-leaf defaults.
		if len(pkg.BundledUpdates) > 0 {
			bundleLeaves = append(bundleLeaves, guid)
		} else {
			softwareLeaves = append(softwareLeaves, guid)
		}
	}
	if len(bundleLeaves) > 0 {
		return selection{stage: stageBundleLeaves, candidates: bundleLeaves}
	}
	if len(softwareLeaves) > 0 {
		return selection{stage: stageSoftwareLeaves, candidates: softwareLeaves}
	}
	return selection{stage: stageNone}
}

// classifyStage derives a single guid's graph-position stage directly
// from Graph membership, for callers (ChangedUpdates, driver matching)
// that assemble UpdateInfo outside the emission-stage selection
// selectStage performs for NewUpdates.
func classifyStage(g *graph.Graph, guid uuid.UUID) stage {
	switch {
	case isMember(g.Roots, guid):
		return stageRoots
	case isMember(g.NonLeafs, guid):
		return stageNonLeafs
	case isMember(g.SoftwareLeafs, guid):
		if pkg, ok := g.Packages[guid]; ok && len(pkg.BundledUpdates) > 0 {
			return stageBundleLeaves
		}
		return stageSoftwareLeaves
	default:
		return stageNone
	}
}

func isMember(m map[uuid.UUID]struct{}, guid uuid.UUID) bool {
	_, ok := m[guid]
	return ok
}

func setKeys(m map[uuid.UUID]struct{}) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func subtract(candidates []uuid.UUID, exclude map[uuid.UUID]struct{}) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := exclude[c]; !ok {
			out = append(out, c)
		}
	}
	return out
}

func intersectSubtract(candidates []uuid.UUID, include, exclude map[uuid.UUID]struct{}) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := include[c]; !ok {
			continue
		}
		if _, ok := exclude[c]; ok {
			continue
		}
		out = append(out, c)
	}
	return out
}

// truncate sorts candidates by wire index (ascending) and caps them at
// max, reporting whether the result was truncated (spec.md §4.4: "take
// up to MaxUpdatesInResponse+1 candidates").
func truncate(v *engine.View, candidates []uuid.UUID, max int) (kept []uuid.UUID, truncated bool) {
	type indexed struct {
		guid uuid.UUID
		idx  uint32
	}
	ordered := make([]indexed, 0, len(candidates))
	for _, guid := range candidates {
		idx, ok := v.IndexOf(guid)
		if !ok {
			continue
		}
		ordered = append(ordered, indexed{guid: guid, idx: uint32(idx)})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].idx < ordered[j].idx })

	if len(ordered) > max {
		truncated = true
		ordered = ordered[:max]
	}
	kept = make([]uuid.UUID, len(ordered))
	for i, e := range ordered {
		kept[i] = e.guid
	}
	return kept, truncated
}

// defaultAction resolves the fallback action for a package lacking a
// deployment row, per ActionPolicy and the stage it was emitted under
// (spec.md §4.4's "UpdateInfo assembly" bullet list).
func defaultAction(policy ActionPolicy, st stage, bundlesOthers, isBundled bool) deploy.Action {
	switch {
	case st == stageRoots || st == stageNonLeafs:
		return policy.NonLeafOrRoot
	case bundlesOthers:
		return policy.NonLeafOrRoot
	case isBundled:
		return policy.BundledLeaf
	default:
		return policy.StandaloneLeaf
	}
}

// deploymentWireID resolves spec.md §4.4's Deployment.ID rule.
func deploymentWireID(st stage, bundlesOthers, isBundled bool) int {
	switch {
	case st == stageRoots || st == stageNonLeafs:
		return deploymentIDNonLeaf
	case bundlesOthers:
		return deploymentIDBundle
	case isBundled:
		return deploymentIDBundled
	default:
		return deploymentIDStandalone
	}
}
