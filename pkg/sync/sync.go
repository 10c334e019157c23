// Package sync implements the Staged Sync State Machine (spec.md
// §4.4): per-request tiered selection of missing updates across four
// ordered stages, truncation, out-of-scope detection, and
// changed-deployment diffing.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Snshadow/update-server-server-sync/internal/metrics"
	"github.com/Snshadow/update-server-server-sync/pkg/deploy"
	"github.com/Snshadow/update-server-server-sync/pkg/engine"
	"github.com/Snshadow/update-server-server-sync/pkg/identity"
	"github.com/Snshadow/update-server-server-sync/pkg/store"
)

// MaxUpdatesInResponse is the hard-coded response cap (spec.md §6).
const MaxUpdatesInResponse = 50

// Request is one syncUpdates call's parameters (spec.md §6).
type Request struct {
	InstalledNonLeafIndexes []identity.Index
	OtherCachedIndexes      []identity.Index
	FilterCategoryIndexes   []identity.Index
	SkipSoftwareSync        bool

	// HardwareIDs and ComputerHardwareIDs are only consulted when
	// SkipSoftwareSync is set, delegating the request to driver matching
	// (spec.md §4.7) instead of the software-update state machine.
	HardwareIDs         []string
	ComputerHardwareIDs []string
}

// Deployment is the wire shape embedded in each UpdateInfo (spec.md
// §4.4).
type Deployment struct {
	Action         deploy.Action
	ID             int
	LastChangeTime string
	Deadline       *string
}

// UpdateInfo is one emitted update descriptor (spec.md §6).
type UpdateInfo struct {
	ID         identity.Index
	IsLeaf     bool
	IsShared   bool
	Xml        []byte
	Deployment Deployment
}

// SyncInfo is the full response wire shape (spec.md §6).
type SyncInfo struct {
	NewUpdates            []UpdateInfo
	ChangedUpdates        []UpdateInfo
	Truncated             bool
	OutOfScopeRevisionIDs []identity.Index
	DriverSyncNotNeeded   string
}

// legacyLastChangeTime is the fixed fallback formatted date used when a
// package has no deployment row at all (spec.md §4.4:
// "Deployment.LastChangeTime: ... or a fixed legacy fallback").
const legacyLastChangeTime = "2000-01-01"

// Machine ties the engine (graph/store access), the deployment/sync
// store, and an ActionPolicy together to answer sync requests.
type Machine struct {
	engine *engine.Engine
	deploy *deploy.Store
	policy ActionPolicy
}

// Option configures a Machine.
type Option func(*Machine)

// WithActionPolicy overrides DefaultActionPolicy.
func WithActionPolicy(p ActionPolicy) Option {
	return func(m *Machine) { m.policy = p }
}

// New returns a Machine bound to e and d. Determinism in tests comes
// from the clockwork.Clock injected into d via deploy.OpenWithClock,
// since every timestamp the state machine reasons about (deployment
// LastChangeTime, computer LastSyncTime) is read from or written
// through d.
func New(e *engine.Engine, d *deploy.Store, opts ...Option) *Machine {
	m := &Machine{engine: e, deploy: d, policy: DefaultActionPolicy}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Sync answers one syncUpdates call for computerID (spec.md §4.4's
// Translating → SelectingStage → EmittingStage → DiffingDeployments →
// Finalizing state sequence).
func (m *Machine) Sync(ctx context.Context, computerID string, req Request) (*SyncInfo, error) {
	start := time.Now()
	var resp *SyncInfo
	var emitted stage
	err := m.engine.View(func(v *engine.View) error {
		r, st, err := m.syncLocked(ctx, v, computerID, req)
		resp = r
		emitted = st
		return err
	})
	metrics.SyncStageDuration.WithLabelValues(emitted.String()).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	metrics.SyncRequestsTotal.WithLabelValues(emitted.String()).Inc()
	if resp.Truncated {
		metrics.SyncTruncatedTotal.Inc()
	}

	if err := m.deploy.Now(ctx, computerID); err != nil {
		return nil, fmt.Errorf("sync: update computer sync time: %w", err)
	}
	return resp, nil
}

func (m *Machine) syncLocked(ctx context.Context, v *engine.View, computerID string, req Request) (*SyncInfo, stage, error) {
	installedNonLeaf, err := translate(ctx, v, req.InstalledNonLeafIndexes)
	if err != nil {
		return nil, stageNone, err
	}
	otherCached, err := translate(ctx, v, req.OtherCachedIndexes)
	if err != nil {
		return nil, stageNone, err
	}
	categories, err := translate(ctx, v, req.FilterCategoryIndexes)
	if err != nil {
		return nil, stageNone, err
	}

	clientKnown := make(map[uuid.UUID]struct{}, len(installedNonLeaf)+len(otherCached))
	installedSet := make(map[uuid.UUID]struct{}, len(installedNonLeaf))
	for _, g := range installedNonLeaf {
		clientKnown[g] = struct{}{}
		installedSet[g] = struct{}{}
	}
	for _, g := range otherCached {
		clientKnown[g] = struct{}{}
	}
	categorySet := make(map[uuid.UUID]struct{}, len(categories))
	for _, c := range categories {
		categorySet[c] = struct{}{}
	}

	if req.SkipSoftwareSync {
		return m.driverSyncLocked(ctx, v, installedSet, req)
	}

	g := v.Graph()

	applicableUniverse := make(map[uuid.UUID]struct{})
	for guid := range g.Packages {
		if g.IsApplicable(guid, installedSet) {
			applicableUniverse[guid] = struct{}{}
		}
	}
	if len(categorySet) > 0 {
		filtered := g.CategoryFilter(setKeys(applicableUniverse), categorySet)
		applicableUniverse = make(map[uuid.UUID]struct{}, len(filtered))
		for _, guid := range filtered {
			applicableUniverse[guid] = struct{}{}
		}
	}

	sel := selectStage(g, clientKnown, applicableUniverse)
	kept, truncated := truncate(v, sel.candidates, MaxUpdatesInResponse)

	newUpdates := make([]UpdateInfo, 0, len(kept))
	for _, guid := range kept {
		info, err := m.buildUpdateInfo(ctx, v, guid, sel.stage)
		if err != nil {
			return nil, stageNone, err
		}
		newUpdates = append(newUpdates, info)
	}

	outOfScope := make([]identity.Index, 0)
	for guid := range clientKnown {
		if _, ok := applicableUniverse[guid]; ok {
			continue
		}
		idx, ok := v.IndexOf(guid)
		if ok {
			outOfScope = append(outOfScope, idx)
		}
	}

	computerSync, err := m.deploy.GetComputerSync(ctx, computerID)
	if err != nil {
		return nil, stageNone, fmt.Errorf("sync: load computer sync state: %w", err)
	}
	var lastSyncTime time.Time
	if computerSync != nil {
		lastSyncTime = computerSync.LastSyncTime
	}

	changedUpdates := make([]UpdateInfo, 0)
	for guid := range clientKnown {
		idx, ok := v.IndexOf(guid)
		if !ok {
			continue
		}
		entry, err := m.deploy.GetDeployment(ctx, idx)
		if err != nil {
			return nil, stageNone, fmt.Errorf("sync: load deployment for %s: %w", guid, err)
		}
		if entry == nil || !entry.LastChangeTime.After(lastSyncTime) {
			continue
		}
		info, err := m.buildUpdateInfoWithDeployment(ctx, v, guid, classifyStage(g, guid), entry)
		if err != nil {
			return nil, stageNone, err
		}
		changedUpdates = append(changedUpdates, info)
	}

	return &SyncInfo{
		NewUpdates:            newUpdates,
		ChangedUpdates:        changedUpdates,
		Truncated:             truncated,
		OutOfScopeRevisionIDs: outOfScope,
		DriverSyncNotNeeded:   "false",
	}, sel.stage, nil
}

// driverSyncLocked implements the §4.7 driver branch: matching replaces
// stage selection entirely, and ChangedUpdates/OutOfScopeRevisionIDs are
// left empty since driver matching does not track a client's cached
// update set the way the software state machine does.
func (m *Machine) driverSyncLocked(ctx context.Context, v *engine.View, installedSet map[uuid.UUID]struct{}, req Request) (*SyncInfo, stage, error) {
	g := v.Graph()
	matches := v.Matcher().Match(installedSet, req.HardwareIDs, req.ComputerHardwareIDs, func(guid uuid.UUID) bool {
		idx, ok := v.IndexOf(guid)
		if !ok {
			return false
		}
		entry, err := m.deploy.GetDeployment(ctx, idx)
		if err != nil || entry == nil {
			return false
		}
		return entry.Action != deploy.ActionPreDeploymentCheck
	})

	kept, truncated := truncate(v, matches, MaxUpdatesInResponse)

	updates := make([]UpdateInfo, 0, len(kept))
	for _, guid := range kept {
		info, err := m.buildUpdateInfo(ctx, v, guid, classifyStage(g, guid))
		if err != nil {
			return nil, stageNone, err
		}
		updates = append(updates, info)
	}

	driverSyncNotNeeded := "true"
	if len(updates) > 0 {
		driverSyncNotNeeded = "false"
	}

	return &SyncInfo{
		NewUpdates:            updates,
		ChangedUpdates:        make([]UpdateInfo, 0),
		Truncated:             truncated,
		OutOfScopeRevisionIDs: make([]identity.Index, 0),
		DriverSyncNotNeeded:   driverSyncNotNeeded,
	}, stageSoftwareLeaves, nil
}

func translate(ctx context.Context, v *engine.View, indexes []identity.Index) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(indexes))
	for _, idx := range indexes {
		guid, err := v.GUIDFromIndex(ctx, idx)
		if err != nil {
			return nil, err
		}
		out = append(out, guid)
	}
	return out, nil
}

func (m *Machine) buildUpdateInfo(ctx context.Context, v *engine.View, guid uuid.UUID, st stage) (UpdateInfo, error) {
	idx, ok := v.IndexOf(guid)
	if !ok {
		return UpdateInfo{}, fmt.Errorf("sync: %s: %w", guid, store.ErrNotFound)
	}
	entry, err := m.deploy.GetDeployment(ctx, idx)
	if err != nil {
		return UpdateInfo{}, fmt.Errorf("sync: load deployment for %s: %w", guid, err)
	}
	return m.assembleUpdateInfo(ctx, v, guid, st, entry)
}

func (m *Machine) buildUpdateInfoWithDeployment(ctx context.Context, v *engine.View, guid uuid.UUID, st stage, entry *deploy.Entry) (UpdateInfo, error) {
	return m.assembleUpdateInfo(ctx, v, guid, st, entry)
}

func (m *Machine) assembleUpdateInfo(ctx context.Context, v *engine.View, guid uuid.UUID, st stage, entry *deploy.Entry) (UpdateInfo, error) {
	idx, ok := v.IndexOf(guid)
	if !ok {
		return UpdateInfo{}, fmt.Errorf("sync: %s: %w", guid, store.ErrNotFound)
	}
	pkg, ok := v.PackageByGUID(guid)
	if !ok {
		return UpdateInfo{}, fmt.Errorf("sync: %s: %w", guid, store.ErrNotFound)
	}
	xml, err := v.CoreFragment(ctx, guid)
	if err != nil {
		return UpdateInfo{}, err
	}

	bundlesOthers := len(pkg.BundledUpdates) > 0
	isBundled := len(pkg.BundledWith) > 0

	var d Deployment
	if entry != nil {
		d.Action = entry.Action
		d.LastChangeTime = entry.LastChangeTime.Format("2006-01-02")
		if entry.Deadline != nil {
			s := entry.Deadline.Format(time.RFC3339)
			d.Deadline = &s
		}
	} else {
		d.Action = defaultAction(m.policy, st, bundlesOthers, isBundled)
		d.LastChangeTime = legacyLastChangeTime
	}
	d.ID = deploymentWireID(st, bundlesOthers, isBundled)

	return UpdateInfo{
		ID:         idx,
		IsLeaf:     st.isLeaf(),
		IsShared:   isBundled,
		Xml:        xml,
		Deployment: d,
	}, nil
}
