package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/Snshadow/update-server-server-sync/pkg/identity"
	"github.com/Snshadow/update-server-server-sync/pkg/model"
	"github.com/Snshadow/update-server-server-sync/pkg/store/dirstore"
)

type fakeSource struct {
	mu      sync.Mutex
	batches [][]*model.Package
	cursors []string
	calls   int
	failN   int // fail this many calls before succeeding
}

func (f *fakeSource) FetchSince(ctx context.Context, cursor string) ([]*model.Package, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls < f.failN {
		f.calls++
		return nil, "", errors.New("transient upstream error")
	}
	idx := f.calls - f.failN
	if idx >= len(f.batches) {
		return nil, cursor, nil
	}
	f.calls++
	return f.batches[idx], f.cursors[idx], nil
}

func newPkg() *model.Package {
	return &model.Package{
		Identity: identity.ID{GUID: uuid.New(), Revision: 1},
		RawXML:   []byte(`<Update/>`),
	}
}

func TestMirror_PollAppliesFetchedPackages(t *testing.T) {
	ctx := context.Background()
	s, err := dirstore.Open(t.TempDir())
	require.NoError(t, err)

	batch := []*model.Package{newPkg(), newPkg()}
	src := &fakeSource{batches: [][]*model.Package{batch}, cursors: []string{"c1"}}

	m, err := New(Config{
		Logger:       slog.Default(),
		Source:       src,
		Store:        s,
		PollInterval: time.Hour,
		Clock:        clockwork.NewFakeClock(),
	})
	require.NoError(t, err)

	require.NoError(t, m.poll(ctx))
	require.True(t, m.Ready())

	ok, err := s.ContainsPackage(ctx, batch[0].Identity)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMirror_RetriesTransientFetchErrors(t *testing.T) {
	ctx := context.Background()
	s, err := dirstore.Open(t.TempDir())
	require.NoError(t, err)

	batch := []*model.Package{newPkg()}
	src := &fakeSource{batches: [][]*model.Package{batch}, cursors: []string{"c1"}, failN: 2}

	m, err := New(Config{
		Logger:       slog.Default(),
		Source:       src,
		Store:        s,
		PollInterval: time.Hour,
		MaxRetries:   5,
	})
	require.NoError(t, err)

	require.NoError(t, m.poll(ctx))
}

func TestMirror_Run_StopsOnContextCancel(t *testing.T) {
	s, err := dirstore.Open(t.TempDir())
	require.NoError(t, err)

	src := &fakeSource{}
	clock := clockwork.NewFakeClock()
	m, err := New(Config{
		Logger:       slog.Default(),
		Source:       src,
		Store:        s,
		PollInterval: time.Second,
		Clock:        clock,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func TestCopyTo_CopiesEveryPackage(t *testing.T) {
	ctx := context.Background()
	src, err := dirstore.Open(t.TempDir())
	require.NoError(t, err)
	dst, err := dirstore.Open(t.TempDir())
	require.NoError(t, err)

	pkgs := []*model.Package{newPkg(), newPkg(), newPkg()}
	for _, p := range pkgs {
		_, err := src.AddPackage(ctx, p)
		require.NoError(t, err)
	}

	n, err := CopyTo(ctx, src, dst)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	for _, p := range pkgs {
		ok, err := dst.ContainsPackage(ctx, p.Identity)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestCopyTo_StopsOnCancelledContext(t *testing.T) {
	src, err := dirstore.Open(t.TempDir())
	require.NoError(t, err)
	dst, err := dirstore.Open(t.TempDir())
	require.NoError(t, err)

	_, err = src.AddPackage(context.Background(), newPkg())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = CopyTo(ctx, src, dst)
	require.Error(t, err)
}
