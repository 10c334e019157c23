package graph

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Snshadow/update-server-server-sync/pkg/identity"
	"github.com/Snshadow/update-server-server-sync/pkg/model"
	"github.com/Snshadow/update-server-server-sync/pkg/store/dirstore"
)

func addPkg(t *testing.T, s *dirstore.Store, guid uuid.UUID, prereqs []model.Prerequisite, payload model.PayloadType) {
	t.Helper()
	_, err := s.AddPackage(context.Background(), &model.Package{
		Identity:      identity.ID{GUID: guid, Revision: 1},
		Payload:       payload,
		Prerequisites: prereqs,
		RawXML:        []byte(`<Update/>`),
	})
	require.NoError(t, err)
}

func TestBuild_ClassifiesRootNonLeafLeaf(t *testing.T) {
	ctx := context.Background()
	s, err := dirstore.Open(t.TempDir())
	require.NoError(t, err)

	root := uuid.New()
	leaf := uuid.New()

	addPkg(t, s, root, nil, model.PayloadProductCategory)
	addPkg(t, s, leaf, []model.Prerequisite{model.Simple{ID: root}}, model.PayloadSoftwareUpdate)

	g, err := Build(ctx, s)
	require.NoError(t, err)
	defer g.Close()

	_, isRoot := g.Roots[root]
	require.True(t, isRoot)
	_, isNonLeaf := g.NonLeafs[root]
	require.False(t, isNonLeaf, "a root with a dependent stays only in Roots; the classes are disjoint")

	_, isLeaf := g.Leafs[leaf]
	require.True(t, isLeaf)
	_, isSoftwareLeaf := g.SoftwareLeafs[leaf]
	require.True(t, isSoftwareLeaf)
}

func TestBuild_KeepsOnlyHighestRevisionPerGUID(t *testing.T) {
	ctx := context.Background()
	s, err := dirstore.Open(t.TempDir())
	require.NoError(t, err)

	guid := uuid.New()
	_, err = s.AddPackage(ctx, &model.Package{
		Identity: identity.ID{GUID: guid, Revision: 1},
		Title:    "old",
		RawXML:   []byte(`<Update/>`),
	})
	require.NoError(t, err)
	_, err = s.AddPackage(ctx, &model.Package{
		Identity: identity.ID{GUID: guid, Revision: 2},
		Title:    "new",
		RawXML:   []byte(`<Update/>`),
	})
	require.NoError(t, err)

	g, err := Build(ctx, s)
	require.NoError(t, err)
	defer g.Close()

	require.Equal(t, "new", g.Packages[guid].Title)
	require.Equal(t, 2, g.Packages[guid].Identity.Revision)
}

func TestIsApplicable_SimpleAndUnresolvedReference(t *testing.T) {
	ctx := context.Background()
	s, err := dirstore.Open(t.TempDir())
	require.NoError(t, err)

	known := uuid.New()
	unknown := uuid.New() // never added
	dependsOnKnown := uuid.New()
	dependsOnUnknown := uuid.New()

	addPkg(t, s, known, nil, model.PayloadProductCategory)
	addPkg(t, s, dependsOnKnown, []model.Prerequisite{model.Simple{ID: known}}, model.PayloadSoftwareUpdate)
	addPkg(t, s, dependsOnUnknown, []model.Prerequisite{model.Simple{ID: unknown}}, model.PayloadSoftwareUpdate)

	g, err := Build(ctx, s)
	require.NoError(t, err)
	defer g.Close()

	installed := map[uuid.UUID]struct{}{known: {}}
	require.True(t, g.IsApplicable(dependsOnKnown, installed))
	// The unresolved reference is dropped at construction, so the
	// dependency becomes a root (empty resolved deps) and is never
	// classified as depending on `unknown`; IsApplicable still evaluates
	// its Simple prerequisite against installed, so it is not applicable.
	_, isRoot := g.Roots[dependsOnUnknown]
	require.True(t, isRoot)
}

func TestCategoryFilter_RetainsOnlyMatchingCategory(t *testing.T) {
	ctx := context.Background()
	s, err := dirstore.Open(t.TempDir())
	require.NoError(t, err)

	cat1, cat2 := uuid.New(), uuid.New()
	matches := uuid.New()
	doesNotMatch := uuid.New()

	addPkg(t, s, matches, []model.Prerequisite{model.AtLeastOne{Children: []uuid.UUID{cat1}, IsCategory: true}}, model.PayloadSoftwareUpdate)
	addPkg(t, s, doesNotMatch, []model.Prerequisite{model.AtLeastOne{Children: []uuid.UUID{cat2}, IsCategory: true}}, model.PayloadSoftwareUpdate)

	g, err := Build(ctx, s)
	require.NoError(t, err)
	defer g.Close()

	filtered := g.CategoryFilter([]uuid.UUID{matches, doesNotMatch}, map[uuid.UUID]struct{}{cat1: {}})
	require.Equal(t, []uuid.UUID{matches}, filtered)
}
