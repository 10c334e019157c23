// Package deploy implements the Deployment & Sync Store (spec.md §4.5):
// per-revision approval state and per-client last-sync timestamps,
// backed by an embedded WAL-mode SQLite database for concurrent reader
// access. Grounded on modernc.org/sqlite usage in the
// theRebelliousNerd-codenerd example repo (cmd/query-kb/main.go:
// sql.Open("sqlite", path) against the pure-Go driver).
package deploy

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jonboulle/clockwork"

	"github.com/Snshadow/update-server-server-sync/pkg/identity"
)

// Action is the deployment action a client is instructed to take for a
// given revision (spec.md §3, §4.4). PreDeploymentCheck marks a driver
// update as "unapproved" — present in the graph but not yet surfaced.
type Action string

const (
	ActionInstall            Action = "Install"
	ActionBundle             Action = "Bundle"
	ActionEvaluate           Action = "Evaluate"
	ActionPreDeploymentCheck Action = "PreDeploymentCheck"
)

// Entry is one deployment row: the action approved for a revision, an
// optional deadline, and the time the row last changed.
type Entry struct {
	RevisionIndex  identity.Index
	Action         Action
	Deadline       *time.Time
	LastChangeTime time.Time
}

// ComputerSync is one client's last-sync bookkeeping row.
type ComputerSync struct {
	ComputerID   string
	LastSyncTime time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS deployments (
	revision_index   INTEGER PRIMARY KEY,
	action           TEXT NOT NULL,
	deadline         TEXT,
	last_change_time TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS computer_sync (
	computer_id    TEXT PRIMARY KEY,
	last_sync_time TEXT NOT NULL
);
`

// Store is the deploy/sync side-store, backed by a single SQLite file
// with WAL enabled so concurrent sync requests never block on a writer
// (spec.md §5: "independently serializable; all writes use
// upsert-with-timestamp semantics").
type Store struct {
	db    *sql.DB
	clock clockwork.Clock
}

// Open opens (creating if absent) <dir>/deploySync.db, enables WAL, and
// ensures the schema exists.
func Open(ctx context.Context, dir string) (*Store, error) {
	return OpenWithClock(ctx, dir, clockwork.NewRealClock())
}

// OpenWithClock is Open with an injected clock, for deterministic
// testing of the upsert-wins-if-newer comparisons.
func OpenWithClock(ctx context.Context, dir string, clock clockwork.Clock) (*Store, error) {
	path := filepath.Join(dir, "deploySync.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("deploy: open %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("deploy: enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("deploy: apply schema: %w", err)
	}
	return &Store{db: db, clock: clock}, nil
}

// SaveDeployment upserts entry by RevisionIndex: the new row wins iff
// its LastChangeTime is strictly greater than the stored one (spec.md
// §4.5) — the sole place the core resolves concurrent approvals.
func (s *Store) SaveDeployment(ctx context.Context, entry Entry) error {
	var deadline any
	if entry.Deadline != nil {
		deadline = entry.Deadline.Format(time.RFC3339Nano)
	}
	// last_change_time is stored as fixed-width UTC text so the SQL ">"
	// below orders rows by time.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployments (revision_index, action, deadline, last_change_time)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (revision_index) DO UPDATE SET
			action = excluded.action,
			deadline = excluded.deadline,
			last_change_time = excluded.last_change_time
		WHERE excluded.last_change_time > deployments.last_change_time`,
		int64(entry.RevisionIndex), string(entry.Action), deadline,
		entry.LastChangeTime.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"))
	if err != nil {
		return fmt.Errorf("deploy: save deployment %d: %w", entry.RevisionIndex, err)
	}
	return nil
}

// DeleteDeployment removes the deployment row for idx, if present.
func (s *Store) DeleteDeployment(ctx context.Context, idx identity.Index) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM deployments WHERE revision_index = ?`, int64(idx))
	if err != nil {
		return fmt.Errorf("deploy: delete deployment %d: %w", idx, err)
	}
	return nil
}

// GetDeployment returns the deployment row for idx, or (nil, nil) if
// none exists.
func (s *Store) GetDeployment(ctx context.Context, idx identity.Index) (*Entry, error) {
	var action, lastChange string
	var deadline sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT action, deadline, last_change_time FROM deployments WHERE revision_index = ?`,
		int64(idx)).Scan(&action, &deadline, &lastChange)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("deploy: get deployment %d: %w", idx, err)
	}
	lastChangeTime, err := time.Parse(time.RFC3339Nano, lastChange)
	if err != nil {
		return nil, fmt.Errorf("deploy: parse last_change_time for %d: %w", idx, err)
	}
	entry := &Entry{RevisionIndex: idx, Action: Action(action), LastChangeTime: lastChangeTime}
	if deadline.Valid {
		t, err := time.Parse(time.RFC3339Nano, deadline.String)
		if err != nil {
			return nil, fmt.Errorf("deploy: parse deadline for %d: %w", idx, err)
		}
		entry.Deadline = &t
	}
	return entry, nil
}

// UpdateComputerSync upserts (computerID, t) with new-row-wins-if-newer
// semantics, matching SaveDeployment's conflict rule.
func (s *Store) UpdateComputerSync(ctx context.Context, computerID string, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO computer_sync (computer_id, last_sync_time)
		VALUES (?, ?)
		ON CONFLICT (computer_id) DO UPDATE SET
			last_sync_time = excluded.last_sync_time
		WHERE excluded.last_sync_time > computer_sync.last_sync_time`,
		computerID, t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"))
	if err != nil {
		return fmt.Errorf("deploy: update computer sync %s: %w", computerID, err)
	}
	return nil
}

// Now upserts computerID's last-sync time to the store's clock, the
// convenience path the sync state machine calls after constructing a
// response (spec.md §4.4: "Update computerSync.lastSyncTime = now()").
func (s *Store) Now(ctx context.Context, computerID string) error {
	return s.UpdateComputerSync(ctx, computerID, s.clock.Now())
}

// GetComputerSync returns computerID's last-sync row, or (nil, nil) if
// none exists.
func (s *Store) GetComputerSync(ctx context.Context, computerID string) (*ComputerSync, error) {
	var lastSync string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sync_time FROM computer_sync WHERE computer_id = ?`, computerID).Scan(&lastSync)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("deploy: get computer sync %s: %w", computerID, err)
	}
	t, err := time.Parse(time.RFC3339Nano, lastSync)
	if err != nil {
		return nil, fmt.Errorf("deploy: parse last_sync_time for %s: %w", computerID, err)
	}
	return &ComputerSync{ComputerID: computerID, LastSyncTime: t}, nil
}

// DeleteComputer removes computerID's sync row.
func (s *Store) DeleteComputer(ctx context.Context, computerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM computer_sync WHERE computer_id = ?`, computerID)
	if err != nil {
		return fmt.Errorf("deploy: delete computer %s: %w", computerID, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }
