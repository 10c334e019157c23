// Command updateserver runs the HTTP Demo Transport (spec.md §4.9)
// against a configured metadata store, serving staged sync requests
// until an OS signal requests shutdown. Grounded on the run()/signal
// handling skeleton in lake/api/main.go.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Snshadow/update-server-server-sync/internal/appconfig"
	"github.com/Snshadow/update-server-server-sync/internal/httpapi"
	"github.com/Snshadow/update-server-server-sync/pkg/deploy"
	"github.com/Snshadow/update-server-server-sync/pkg/engine"
	"github.com/Snshadow/update-server-server-sync/pkg/model"
	"github.com/Snshadow/update-server-server-sync/pkg/store"
	"github.com/Snshadow/update-server-server-sync/pkg/store/dirstore"
	"github.com/Snshadow/update-server-server-sync/pkg/store/sqlstore"
	"github.com/Snshadow/update-server-server-sync/pkg/store/zipstore"
	"github.com/Snshadow/update-server-server-sync/pkg/sync"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "updateserver:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := appconfig.Load(args)
	if err != nil {
		return err
	}
	if cfg.ShowVersion {
		fmt.Printf("updateserver %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}

	log := appconfig.NewLogger(cfg.Verbose)

	backend, closeBackend, err := openWorkingStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store backend: %w", err)
	}
	defer closeBackend()

	e := engine.New()
	if err := e.Attach(ctx, backend); err != nil {
		return fmt.Errorf("attach engine: %w", err)
	}

	deployStore, err := deploy.Open(ctx, cfg.DeploySyncDir)
	if err != nil {
		return fmt.Errorf("open deployment/sync store: %w", err)
	}
	defer deployStore.Close()

	machine := sync.New(e, deployStore)
	clock := clockwork.NewRealClock()
	api := httpapi.New(httpapi.Config{Machine: machine, Backend: backend, Clock: clock})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go httpapi.ObserveStoreSize(ctx, clock, backend, time.Minute)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("updateserver: listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-shutdown:
		log.Info("updateserver: received signal, shutting down", "signal", sig.String())
	}

	api.Shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func openBackend(ctx context.Context, kind, dir string) (store.Backend, error) {
	switch kind {
	case "dir":
		return dirstore.Open(dir)
	case "zip":
		return zipstore.Open(dir)
	case "sql":
		return sqlstore.Open(ctx, dir)
	default:
		return nil, fmt.Errorf("unknown store backend %q", kind)
	}
}

// openWorkingStore returns the single Backend the engine attaches to.
// In single-partition mode (the common case) that's cfg.StoreDir
// opened directly. In multi-partition mode (spec.md §6's
// metadata/partitions/... layout) every "name=dir" pair in
// cfg.StorePartitions is opened and registered in a store.Registry,
// then merged into one on-disk working dirstore at cfg.StoreDir via
// ingest.CopyTo's enumerate-and-add pattern, since the engine's graph
// builder expects a single Backend rather than a partition-aware one.
func openWorkingStore(ctx context.Context, cfg appconfig.Config) (store.Backend, func(), error) {
	if len(cfg.StorePartitions) == 0 {
		backend, err := openBackend(ctx, cfg.StoreBackend, cfg.StoreDir)
		if err != nil {
			return nil, nil, err
		}
		return backend, func() { backend.Close() }, nil
	}

	registry := store.NewRegistry()
	for _, pair := range cfg.StorePartitions {
		name, dir, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, nil, fmt.Errorf("malformed store-partitions entry %q, want name=dir", pair)
		}
		backend, err := openBackend(ctx, cfg.StoreBackend, dir)
		if err != nil {
			return nil, nil, fmt.Errorf("open partition %q: %w", name, err)
		}
		registry.Register(store.Partition(name), backend)
	}

	merged, err := dirstore.Open(cfg.StoreDir)
	if err != nil {
		registry.CloseAll()
		return nil, nil, fmt.Errorf("open merged working store: %w", err)
	}
	err = registry.EnumerateAll(ctx, func(_ store.Partition, pkg *model.Package) error {
		_, err := merged.AddPackage(ctx, pkg)
		return err
	})
	if err != nil {
		registry.CloseAll()
		return nil, nil, fmt.Errorf("merge partitions: %w", err)
	}

	return merged, func() { registry.CloseAll(); merged.Close() }, nil
}
