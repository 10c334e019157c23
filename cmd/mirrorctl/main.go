// Command mirrorctl runs the Mirror/Ingestion Pipeline (spec.md §4.8),
// continuously copying packages from an upstream metadata store into a
// destination Metadata Backing Store. Grounded on the run()/Config/
// getenv loadConfig idiom in telemetry/flow-ingest/cmd/server/main.go.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/Snshadow/update-server-server-sync/internal/appconfig"
	"github.com/Snshadow/update-server-server-sync/pkg/ingest"
	"github.com/Snshadow/update-server-server-sync/pkg/model"
	"github.com/Snshadow/update-server-server-sync/pkg/store"
	"github.com/Snshadow/update-server-server-sync/pkg/store/dirstore"
	"github.com/Snshadow/update-server-server-sync/pkg/store/sqlstore"
	"github.com/Snshadow/update-server-server-sync/pkg/store/zipstore"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "mirrorctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := appconfig.Load(args)
	if err != nil {
		return err
	}
	if cfg.ShowVersion {
		fmt.Printf("mirrorctl %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}

	log := appconfig.NewLogger(cfg.Verbose)

	upstream, err := openBackend(ctx, cfg.StoreBackend, cfg.StoreDir)
	if err != nil {
		return fmt.Errorf("open upstream store: %w", err)
	}
	defer upstream.Close()

	dest, err := dirstore.Open(cfg.DeploySyncDir + "/mirror")
	if err != nil {
		return fmt.Errorf("open mirror destination store: %w", err)
	}
	defer dest.Close()

	mirror, err := ingest.New(ingest.Config{
		Logger:       log,
		Source:       &backendSource{backend: upstream},
		Store:        dest,
		PollInterval: cfg.PollInterval,
	})
	if err != nil {
		return fmt.Errorf("construct mirror: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("mirrorctl: starting", "poll_interval", cfg.PollInterval)
	return mirror.Run(ctx)
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

// backendSource adapts a store.Backend into an ingest.UpstreamSource,
// treating the backend's assigned indexes as the incremental cursor: a
// poll re-enumerates and skips everything at or below the last index
// already fetched (spec.md §4.8's "cursor-based incremental fetch").
type backendSource struct {
	backend store.Backend
}

func (s *backendSource) FetchSince(ctx context.Context, cursor string) ([]*model.Package, string, error) {
	var after uint64
	if cursor != "" {
		var err error
		after, err = strconv.ParseUint(cursor, 10, 32)
		if err != nil {
			return nil, cursor, fmt.Errorf("backendSource: malformed cursor %q: %w", cursor, err)
		}
	}

	var fetched []*model.Package
	next := after
	err := s.backend.Enumerate(ctx, func(pkg *model.Package) error {
		idx, ok, err := s.backend.GetPackageIndex(ctx, pkg.Identity)
		if err != nil {
			return err
		}
		if !ok || uint64(idx) <= after {
			return nil
		}
		fetched = append(fetched, pkg)
		if uint64(idx) > next {
			next = uint64(idx)
		}
		return nil
	})
	if err != nil {
		return nil, cursor, err
	}
	return fetched, strconv.FormatUint(next, 10), nil
}
