package main

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Snshadow/update-server-server-sync/internal/appconfig"
	"github.com/Snshadow/update-server-server-sync/pkg/identity"
	"github.com/Snshadow/update-server-server-sync/pkg/model"
	"github.com/Snshadow/update-server-server-sync/pkg/store/dirstore"
)

func TestOpenWorkingStore_SinglePartitionOpensStoreDirDirectly(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := dirstore.Open(dir)
	require.NoError(t, err)
	guid := uuid.New()
	_, err = s.AddPackage(ctx, &model.Package{
		Identity: identity.ID{GUID: guid, Revision: 1},
		Payload:  model.PayloadProductCategory,
		RawXML:   []byte(`<Update></Update>`),
	})
	require.NoError(t, err)

	backend, closeFn, err := openWorkingStore(ctx, appconfig.Config{StoreBackend: "dir", StoreDir: dir})
	require.NoError(t, err)
	defer closeFn()

	ok, err := backend.ContainsPackage(ctx, identity.ID{GUID: guid, Revision: 1})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestOpenWorkingStore_MultiPartitionMergesAllPackages(t *testing.T) {
	ctx := context.Background()

	dirA := t.TempDir()
	sA, err := dirstore.Open(dirA)
	require.NoError(t, err)
	guidA := uuid.New()
	_, err = sA.AddPackage(ctx, &model.Package{
		Identity: identity.ID{GUID: guidA, Revision: 1},
		Payload:  model.PayloadProductCategory,
		RawXML:   []byte(`<Update></Update>`),
	})
	require.NoError(t, err)

	dirB := t.TempDir()
	sB, err := dirstore.Open(dirB)
	require.NoError(t, err)
	guidB := uuid.New()
	_, err = sB.AddPackage(ctx, &model.Package{
		Identity: identity.ID{GUID: guidB, Revision: 1},
		Payload:  model.PayloadProductCategory,
		RawXML:   []byte(`<Update></Update>`),
	})
	require.NoError(t, err)

	backend, closeFn, err := openWorkingStore(ctx, appconfig.Config{
		StoreBackend:    "dir",
		StoreDir:        t.TempDir(),
		StorePartitions: []string{"ring0=" + dirA, "ring1=" + dirB},
	})
	require.NoError(t, err)
	defer closeFn()

	okA, err := backend.ContainsPackage(ctx, identity.ID{GUID: guidA, Revision: 1})
	require.NoError(t, err)
	require.True(t, okA)

	okB, err := backend.ContainsPackage(ctx, identity.ID{GUID: guidB, Revision: 1})
	require.NoError(t, err)
	require.True(t, okB)
}

func TestOpenWorkingStore_MalformedPartitionEntryFails(t *testing.T) {
	_, _, err := openWorkingStore(context.Background(), appconfig.Config{
		StoreBackend:    "dir",
		StoreDir:        t.TempDir(),
		StorePartitions: []string{"no-equals-sign"},
	})
	require.Error(t, err)
}
