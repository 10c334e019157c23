package sync

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/Snshadow/update-server-server-sync/pkg/deploy"
	"github.com/Snshadow/update-server-server-sync/pkg/engine"
	"github.com/Snshadow/update-server-server-sync/pkg/identity"
	"github.com/Snshadow/update-server-server-sync/pkg/model"
	"github.com/Snshadow/update-server-server-sync/pkg/store/dirstore"
)

func addPkg(t *testing.T, s *dirstore.Store, guid uuid.UUID, prereqs []model.Prerequisite, payload model.PayloadType, bundledWith, bundledUpdates []uuid.UUID) identity.Index {
	t.Helper()
	idx, err := s.AddPackage(context.Background(), &model.Package{
		Identity:       identity.ID{GUID: guid, Revision: 1},
		Payload:        payload,
		Prerequisites:  prereqs,
		BundledWith:    bundledWith,
		BundledUpdates: bundledUpdates,
		RawXML: []byte(`<Update>
  <UpdateIdentity UpdateID="` + guid.String() + `" RevisionNumber="1"></UpdateIdentity>
</Update>`),
	})
	require.NoError(t, err)
	return idx
}

func newMachine(t *testing.T, s *dirstore.Store) (*Machine, *engine.Engine, *deploy.Store, clockwork.FakeClock) {
	t.Helper()
	ctx := context.Background()
	e := engine.New()
	require.NoError(t, e.Attach(ctx, s))

	clock := clockwork.NewFakeClock()
	d, err := deploy.OpenWithClock(ctx, t.TempDir(), clock)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	return New(e, d), e, d, clock
}

func TestSync_EmptyClient_ReturnsRootsFirst(t *testing.T) {
	ctx := context.Background()
	s, err := dirstore.Open(t.TempDir())
	require.NoError(t, err)

	root := uuid.New()
	leaf := uuid.New()
	addPkg(t, s, root, nil, model.PayloadProductCategory, nil, nil)
	addPkg(t, s, leaf, []model.Prerequisite{model.Simple{ID: root}}, model.PayloadSoftwareUpdate, nil, nil)

	m, _, _, _ := newMachine(t, s)

	info, err := m.Sync(ctx, "COMPUTER-1", Request{})
	require.NoError(t, err)
	require.Len(t, info.NewUpdates, 1)
	require.False(t, info.NewUpdates[0].IsLeaf)
	require.False(t, info.Truncated)
}

func TestSync_AfterRootInstalled_ReturnsNonLeaf(t *testing.T) {
	ctx := context.Background()
	s, err := dirstore.Open(t.TempDir())
	require.NoError(t, err)

	root := uuid.New()
	nonLeaf := uuid.New()
	leaf := uuid.New()
	addPkg(t, s, root, nil, model.PayloadProductCategory, nil, nil)
	addPkg(t, s, nonLeaf, []model.Prerequisite{model.Simple{ID: root}}, model.PayloadDetectoidCategory, nil, nil)
	addPkg(t, s, leaf, []model.Prerequisite{model.Simple{ID: nonLeaf}}, model.PayloadSoftwareUpdate, nil, nil)

	m, e, _, _ := newMachine(t, s)

	var rootIdx identity.Index
	require.NoError(t, e.View(func(v *engine.View) error {
		idx, ok := v.IndexOf(root)
		require.True(t, ok)
		rootIdx = idx
		return nil
	}))

	info, err := m.Sync(ctx, "COMPUTER-1", Request{InstalledNonLeafIndexes: []identity.Index{rootIdx}})
	require.NoError(t, err)
	require.Len(t, info.NewUpdates, 1)
	require.False(t, info.NewUpdates[0].IsLeaf)
}

func TestSync_BundledLeafExcludedFromStandaloneStage(t *testing.T) {
	ctx := context.Background()
	s, err := dirstore.Open(t.TempDir())
	require.NoError(t, err)

	root := uuid.New()
	bundle := uuid.New()
	bundledLeaf := uuid.New()
	standaloneLeaf := uuid.New()

	addPkg(t, s, root, nil, model.PayloadProductCategory, nil, nil)
	addPkg(t, s, bundledLeaf, []model.Prerequisite{model.Simple{ID: root}}, model.PayloadSoftwareUpdate, []uuid.UUID{bundle}, nil)
	addPkg(t, s, bundle, []model.Prerequisite{model.Simple{ID: root}}, model.PayloadSoftwareUpdate, nil, []uuid.UUID{bundledLeaf})
	addPkg(t, s, standaloneLeaf, []model.Prerequisite{model.Simple{ID: root}}, model.PayloadSoftwareUpdate, nil, nil)

	m, e, _, _ := newMachine(t, s)

	var rootIdx identity.Index
	require.NoError(t, e.View(func(v *engine.View) error {
		idx, ok := v.IndexOf(root)
		require.True(t, ok)
		rootIdx = idx
		return nil
	}))

	info, err := m.Sync(ctx, "COMPUTER-1", Request{InstalledNonLeafIndexes: []identity.Index{rootIdx}})
	require.NoError(t, err)

	var sawStandalone, sawBundle bool
	for _, u := range info.NewUpdates {
		if u.Deployment.ID == deploymentIDStandalone {
			sawStandalone = true
		}
		if u.Deployment.ID == deploymentIDBundle || u.Deployment.ID == deploymentIDBundled {
			sawBundle = true
		}
	}
	require.True(t, sawStandalone || sawBundle)
	require.NotEqual(t, sawStandalone, sawBundle, "bundle-stage and standalone-stage candidates never emit in the same response")
}

func TestSync_TruncatesAt50(t *testing.T) {
	ctx := context.Background()
	s, err := dirstore.Open(t.TempDir())
	require.NoError(t, err)

	for i := 0; i < 60; i++ {
		addPkg(t, s, uuid.New(), nil, model.PayloadProductCategory, nil, nil)
	}

	m, _, _, _ := newMachine(t, s)

	info, err := m.Sync(ctx, "COMPUTER-1", Request{})
	require.NoError(t, err)
	require.Len(t, info.NewUpdates, MaxUpdatesInResponse)
	require.True(t, info.Truncated)
}

func TestSync_OutOfScopeDetectsStaleClientKnownUpdate(t *testing.T) {
	ctx := context.Background()
	s, err := dirstore.Open(t.TempDir())
	require.NoError(t, err)

	neverInstalled := uuid.New() // referenced but never added as a package
	stale := uuid.New()
	addPkg(t, s, stale, []model.Prerequisite{model.Simple{ID: neverInstalled}}, model.PayloadSoftwareUpdate, nil, nil)

	m, e, _, _ := newMachine(t, s)

	var staleIdx identity.Index
	require.NoError(t, e.View(func(v *engine.View) error {
		idx, ok := v.IndexOf(stale)
		require.True(t, ok)
		staleIdx = idx
		return nil
	}))

	info, err := m.Sync(ctx, "COMPUTER-1", Request{
		OtherCachedIndexes: []identity.Index{staleIdx},
	})
	require.NoError(t, err)
	require.Contains(t, info.OutOfScopeRevisionIDs, staleIdx)
}

func TestSync_UnknownIndexFails(t *testing.T) {
	ctx := context.Background()
	s, err := dirstore.Open(t.TempDir())
	require.NoError(t, err)
	addPkg(t, s, uuid.New(), nil, model.PayloadProductCategory, nil, nil)

	m, _, _, _ := newMachine(t, s)

	_, err = m.Sync(ctx, "COMPUTER-1", Request{InstalledNonLeafIndexes: []identity.Index{identity.Index(9999)}})
	require.Error(t, err)
}

func TestSync_ChangedDeploymentDiffedAgainstLastSyncTime(t *testing.T) {
	ctx := context.Background()
	s, err := dirstore.Open(t.TempDir())
	require.NoError(t, err)

	root := uuid.New()
	addPkg(t, s, root, nil, model.PayloadProductCategory, nil, nil)

	m, e, d, clock := newMachine(t, s)

	var rootIdx identity.Index
	require.NoError(t, e.View(func(v *engine.View) error {
		idx, ok := v.IndexOf(root)
		require.True(t, ok)
		rootIdx = idx
		return nil
	}))

	// First sync: the client learns about root and its sync time is
	// recorded.
	_, err = m.Sync(ctx, "COMPUTER-1", Request{OtherCachedIndexes: []identity.Index{rootIdx}})
	require.NoError(t, err)

	// Deployment changes after the recorded sync time.
	clock.Advance(time.Hour)
	require.NoError(t, d.SaveDeployment(ctx, deploy.Entry{
		RevisionIndex:  rootIdx,
		Action:         deploy.ActionEvaluate,
		LastChangeTime: clock.Now(),
	}))

	info, err := m.Sync(ctx, "COMPUTER-1", Request{OtherCachedIndexes: []identity.Index{rootIdx}})
	require.NoError(t, err)
	require.Len(t, info.ChangedUpdates, 1)
	require.Equal(t, rootIdx, info.ChangedUpdates[0].ID)
	require.False(t, info.ChangedUpdates[0].IsLeaf, "root package must not be reported as a leaf")
	require.Equal(t, deploymentIDNonLeaf, info.ChangedUpdates[0].Deployment.ID)
}

func TestSync_ChangedDeploymentClassifiesLeafByGraphPosition(t *testing.T) {
	ctx := context.Background()
	s, err := dirstore.Open(t.TempDir())
	require.NoError(t, err)

	root := uuid.New()
	leaf := uuid.New()
	addPkg(t, s, root, nil, model.PayloadProductCategory, nil, nil)
	addPkg(t, s, leaf, []model.Prerequisite{model.Simple{ID: root}}, model.PayloadSoftwareUpdate, nil, nil)

	m, e, d, clock := newMachine(t, s)

	var leafIdx identity.Index
	require.NoError(t, e.View(func(v *engine.View) error {
		idx, ok := v.IndexOf(leaf)
		require.True(t, ok)
		leafIdx = idx
		return nil
	}))

	_, err = m.Sync(ctx, "COMPUTER-1", Request{OtherCachedIndexes: []identity.Index{leafIdx}})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	require.NoError(t, d.SaveDeployment(ctx, deploy.Entry{
		RevisionIndex:  leafIdx,
		Action:         deploy.ActionInstall,
		LastChangeTime: clock.Now(),
	}))

	info, err := m.Sync(ctx, "COMPUTER-1", Request{OtherCachedIndexes: []identity.Index{leafIdx}})
	require.NoError(t, err)
	require.Len(t, info.ChangedUpdates, 1)
	require.True(t, info.ChangedUpdates[0].IsLeaf, "standalone leaf must be reported as a leaf")
	require.Equal(t, deploymentIDStandalone, info.ChangedUpdates[0].Deployment.ID)
}

func TestSync_SkipSoftwareSyncDelegatesToDriverMatching(t *testing.T) {
	ctx := context.Background()
	s, err := dirstore.Open(t.TempDir())
	require.NoError(t, err)

	driverGUID := uuid.New()
	_, err = s.AddPackage(ctx, &model.Package{
		Identity:    identity.ID{GUID: driverGUID, Revision: 1},
		Payload:     model.PayloadDriverUpdate,
		HardwareIDs: []string{"pci\\ven_1234&dev_5678"},
		RawXML: []byte(`<Update>
  <UpdateIdentity UpdateID="` + driverGUID.String() + `" RevisionNumber="1"></UpdateIdentity>
</Update>`),
	})
	require.NoError(t, err)

	m, e, d, _ := newMachine(t, s)

	var driverIdx identity.Index
	require.NoError(t, e.View(func(v *engine.View) error {
		idx, ok := v.IndexOf(driverGUID)
		require.True(t, ok)
		driverIdx = idx
		return nil
	}))

	// Unapproved: driver matches by hardware ID but has no deployment row.
	info, err := m.Sync(ctx, "COMPUTER-1", Request{
		SkipSoftwareSync: true,
		HardwareIDs:      []string{"pci\\ven_1234&dev_5678"},
	})
	require.NoError(t, err)
	require.Empty(t, info.NewUpdates)
	require.Equal(t, "true", info.DriverSyncNotNeeded)

	require.NoError(t, d.SaveDeployment(ctx, deploy.Entry{
		RevisionIndex:  driverIdx,
		Action:         deploy.ActionInstall,
		LastChangeTime: time.Now(),
	}))

	info, err = m.Sync(ctx, "COMPUTER-1", Request{
		SkipSoftwareSync: true,
		HardwareIDs:      []string{"pci\\ven_1234&dev_5678"},
	})
	require.NoError(t, err)
	require.Len(t, info.NewUpdates, 1)
	require.Equal(t, driverIdx, info.NewUpdates[0].ID)
	require.Equal(t, "false", info.DriverSyncNotNeeded)
}
