// Package ingest implements the Mirror/Ingestion Pipeline (spec.md
// §4.8): a background process that polls an upstream metadata
// collaborator on an interval and feeds fetched packages into a
// Metadata Backing Store. Grounded on the New(ctx, cfg)-validates,
// Start(ctx)-launches-background-loop pattern in
// lake/pkg/indexer/indexer.go and lake/pkg/indexer/sol/view.go.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/Snshadow/update-server-server-sync/internal/metrics"
	"github.com/Snshadow/update-server-server-sync/pkg/model"
	"github.com/Snshadow/update-server-server-sync/pkg/store"
)

// UpstreamSource is the seam a real transport adapter implements. The
// actual wire protocol the upstream speaks is out of scope; Mirror
// only needs a cursor-based incremental fetch.
type UpstreamSource interface {
	FetchSince(ctx context.Context, cursor string) (packages []*model.Package, nextCursor string, err error)
}

// Config configures a Mirror.
type Config struct {
	Logger       *slog.Logger
	Clock        clockwork.Clock
	Source       UpstreamSource
	Store        store.Backend
	PollInterval time.Duration
	MaxRetries   uint64
}

func (c *Config) validate() error {
	if c.Logger == nil {
		return errors.New("ingest: logger is required")
	}
	if c.Source == nil {
		return errors.New("ingest: source is required")
	}
	if c.Store == nil {
		return errors.New("ingest: store is required")
	}
	if c.PollInterval <= 0 {
		return errors.New("ingest: poll interval must be greater than 0")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	return nil
}

// Mirror polls cfg.Source on cfg.PollInterval, applying every fetched
// package to cfg.Store, retrying transient upstream errors with
// exponential backoff.
type Mirror struct {
	log *slog.Logger
	cfg Config

	mu     sync.Mutex
	cursor string

	readyOnce sync.Once
	readyCh   chan struct{}
}

// New validates cfg and returns a Mirror ready to Run.
func New(cfg Config) (*Mirror, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Mirror{log: cfg.Logger, cfg: cfg, readyCh: make(chan struct{})}, nil
}

// Ready reports whether at least one poll has completed successfully.
func (m *Mirror) Ready() bool {
	select {
	case <-m.readyCh:
		return true
	default:
		return false
	}
}

// Run polls on cfg.PollInterval until ctx is cancelled, fetching one
// batch per tick and applying it to cfg.Store (spec.md §4.8).
func (m *Mirror) Run(ctx context.Context) error {
	m.log.Info("ingest: starting poll loop", "interval", m.cfg.PollInterval)

	if err := m.poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
		m.log.Error("ingest: initial poll failed", "error", err)
	}

	ticker := m.cfg.Clock.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := m.poll(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				m.log.Error("ingest: poll failed", "error", err)
			}
		}
	}
}

func (m *Mirror) poll(ctx context.Context) error {
	start := time.Now()
	err := m.pollOnce(ctx)
	metrics.MirrorFetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.MirrorFetchTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.MirrorFetchTotal.WithLabelValues("success").Inc()
	return nil
}

func (m *Mirror) pollOnce(ctx context.Context) error {
	m.mu.Lock()
	cursor := m.cursor
	m.mu.Unlock()

	var packages []*model.Package
	var nextCursor string

	op := func() error {
		var err error
		packages, nextCursor, err = m.cfg.Source.FetchSince(ctx, cursor)
		return err
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	bo := backoff.WithMaxRetries(policy, m.cfg.MaxRetries)
	attempt := 0
	if err := backoff.RetryNotify(op, bo, func(err error, wait time.Duration) {
		attempt++
		m.log.Warn("ingest: fetch failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	}); err != nil {
		return fmt.Errorf("ingest: fetch since %q: %w", cursor, err)
	}

	for _, pkg := range packages {
		if _, err := m.cfg.Store.AddPackage(ctx, pkg); err != nil {
			return fmt.Errorf("ingest: add package %s: %w", pkg.Identity, err)
		}
	}
	if err := m.cfg.Store.Flush(ctx); err != nil {
		return fmt.Errorf("ingest: flush store: %w", err)
	}

	m.mu.Lock()
	m.cursor = nextCursor
	m.mu.Unlock()

	m.log.Info("ingest: poll completed", "fetched", len(packages), "cursor", nextCursor)
	m.readyOnce.Do(func() { close(m.readyCh) })
	return nil
}

// CopyTo bulk-copies every package currently in src into dst,
// checking ctx at each package boundary so a cancellation lands
// between writes rather than mid-write (spec.md §5).
func CopyTo(ctx context.Context, src, dst store.Backend) (copied int, err error) {
	err = src.Enumerate(ctx, func(pkg *model.Package) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := dst.AddPackage(ctx, pkg); err != nil {
			return fmt.Errorf("ingest: copy %s: %w", pkg.Identity, err)
		}
		copied++
		return nil
	})
	if err != nil {
		return copied, err
	}
	return copied, dst.Flush(ctx)
}
