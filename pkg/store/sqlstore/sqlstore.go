// Package sqlstore implements the embedded-SQL Metadata Backing Store
// backend (spec.md §4.1) on top of an embedded DuckDB database, grounded
// directly on the teacher's own DuckDB-backed lake
// (lake/pkg/duck/lake.go: sql.Open("duckdb", ...) against a single
// catalog file via database/sql). The metadata corpus is the bulkier,
// more analytically-shaped of the two embedded-SQL stores in this
// repo — see pkg/deploy for the deployment/sync OLTP pair instead.
package sqlstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/google/uuid"

	"github.com/Snshadow/update-server-server-sync/pkg/identity"
	"github.com/Snshadow/update-server-server-sync/pkg/model"
	"github.com/Snshadow/update-server-server-sync/pkg/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS packages (
	guid TEXT NOT NULL,
	revision INTEGER NOT NULL,
	idx BIGINT NOT NULL,
	payload INTEGER NOT NULL,
	title TEXT NOT NULL,
	kb_article_id TEXT,
	bundled_with TEXT,
	bundled_updates TEXT,
	hardware_ids TEXT,
	computer_hardware_ids TEXT,
	prerequisites TEXT,
	raw_xml BLOB NOT NULL,
	PRIMARY KEY (guid, revision)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_packages_idx ON packages(idx);
`

// Store is a DuckDB-backed store.Backend.
type Store struct {
	db *sql.DB
}

var _ store.Backend = (*Store)(nil)

// Open opens (creating if absent) a DuckDB database file at
// <dir>/corpus.duckdb and ensures its schema exists.
func Open(ctx context.Context, dir string) (*Store, error) {
	path := filepath.Join(dir, "corpus.duckdb")
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open duckdb %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func joinGUIDs(ids []uuid.UUID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ",")
}

func splitGUIDs(s string) []uuid.UUID {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]uuid.UUID, 0, len(parts))
	for _, p := range parts {
		if id, err := uuid.Parse(p); err == nil {
			out = append(out, id)
		}
	}
	return out
}

func joinStrings(ss []string) string { return strings.Join(ss, "\x1f") }

func splitStrings(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\x1f")
}

// encodePrerequisites and decodePrerequisites round-trip a prerequisite
// tree through the prerequisites TEXT column as JSON, following the
// same tagged-union DTO used by the other backends.
func encodePrerequisites(tree []model.Prerequisite) (string, error) {
	dtos := model.EncodePrerequisites(tree)
	if len(dtos) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(dtos)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodePrerequisites(s string) ([]model.Prerequisite, error) {
	if s == "" {
		return nil, nil
	}
	var dtos []model.PrerequisiteDTO
	if err := json.Unmarshal([]byte(s), &dtos); err != nil {
		return nil, err
	}
	return model.DecodePrerequisites(dtos), nil
}

// AddPackage implements store.Backend, assigning the next sequence
// value as idx on first insert and no-oping on a duplicate identity.
func (s *Store) AddPackage(ctx context.Context, pkg *model.Package) (identity.Index, error) {
	if idx, ok, err := s.GetPackageIndex(ctx, pkg.Identity); err != nil {
		return 0, err
	} else if ok {
		return idx, nil
	}

	var nextIdx int64
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(idx), 0) + 1 FROM packages`)
	if err := row.Scan(&nextIdx); err != nil {
		return 0, fmt.Errorf("sqlstore: compute next index: %w", err)
	}

	prereqs, err := encodePrerequisites(pkg.Prerequisites)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: encode prerequisites %s: %w", pkg.Identity, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO packages
			(guid, revision, idx, payload, title, kb_article_id, bundled_with,
			 bundled_updates, hardware_ids, computer_hardware_ids, prerequisites, raw_xml)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (guid, revision) DO NOTHING`,
		pkg.Identity.GUID.String(), pkg.Identity.Revision, nextIdx, int(pkg.Payload), pkg.Title,
		pkg.KBArticleID, joinGUIDs(pkg.BundledWith), joinGUIDs(pkg.BundledUpdates),
		joinStrings(pkg.HardwareIDs), joinStrings(pkg.ComputerHardwareIDs), prereqs, pkg.RawXML,
	)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: insert %s: %w", pkg.Identity, err)
	}
	return identity.Index(nextIdx), nil
}

// GetMetadata implements store.Backend.
func (s *Store) GetMetadata(ctx context.Context, id identity.ID) (io.ReadCloser, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT raw_xml FROM packages WHERE guid = ? AND revision = ?`,
		id.GUID.String(), id.Revision).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sqlstore: %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get metadata %s: %w", id, err)
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

// GetFiles implements store.Backend. File descriptors are not
// separately modeled in this backend's schema; callers needing file
// metadata should use the zip or directory backend for partitions that
// carry downloadable content.
func (s *Store) GetFiles(ctx context.Context, id identity.ID) ([]model.FileRef, error) {
	ok, err := s.ContainsPackage(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("sqlstore: %s: %w", id, store.ErrNotFound)
	}
	return nil, nil
}

// GetPackageByID implements store.Backend.
func (s *Store) GetPackageByID(ctx context.Context, id identity.ID) (*model.Package, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payload, title, kb_article_id, bundled_with, bundled_updates,
		       hardware_ids, computer_hardware_ids, prerequisites, raw_xml
		FROM packages WHERE guid = ? AND revision = ?`, id.GUID.String(), id.Revision)
	return scanPackage(row, id)
}

// GetPackageByIndex implements store.Backend.
func (s *Store) GetPackageByIndex(ctx context.Context, idx identity.Index) (*model.Package, error) {
	var guid string
	var revision int
	err := s.db.QueryRowContext(ctx, `SELECT guid, revision FROM packages WHERE idx = ?`, int64(idx)).
		Scan(&guid, &revision)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sqlstore: index %d: %w", idx, store.ErrInvalidIndex)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: lookup index %d: %w", idx, err)
	}
	g, err := uuid.Parse(guid)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: corrupt guid for index %d: %w", idx, err)
	}
	return s.GetPackageByID(ctx, identity.ID{GUID: g, Revision: revision})
}

// GetPackageIndex implements store.Backend.
func (s *Store) GetPackageIndex(ctx context.Context, id identity.ID) (identity.Index, bool, error) {
	var idx int64
	err := s.db.QueryRowContext(ctx, `SELECT idx FROM packages WHERE guid = ? AND revision = ?`,
		id.GUID.String(), id.Revision).Scan(&idx)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("sqlstore: lookup index for %s: %w", id, err)
	}
	return identity.Index(idx), true, nil
}

// GetPackageIdentity implements store.Backend.
func (s *Store) GetPackageIdentity(ctx context.Context, idx identity.Index) (identity.ID, bool, error) {
	var guid string
	var revision int
	err := s.db.QueryRowContext(ctx, `SELECT guid, revision FROM packages WHERE idx = ?`, int64(idx)).
		Scan(&guid, &revision)
	if err == sql.ErrNoRows {
		return identity.ID{}, false, nil
	}
	if err != nil {
		return identity.ID{}, false, fmt.Errorf("sqlstore: lookup identity for index %d: %w", idx, err)
	}
	g, err := uuid.Parse(guid)
	if err != nil {
		return identity.ID{}, false, fmt.Errorf("sqlstore: corrupt guid for index %d: %w", idx, err)
	}
	return identity.ID{GUID: g, Revision: revision}, true, nil
}

// ContainsPackage implements store.Backend.
func (s *Store) ContainsPackage(ctx context.Context, id identity.ID) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM packages WHERE guid = ? AND revision = ?`,
		id.GUID.String(), id.Revision).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlstore: contains %s: %w", id, err)
	}
	return true, nil
}

// Enumerate implements store.Backend, in ascending idx order.
func (s *Store) Enumerate(ctx context.Context, fn func(*model.Package) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT guid, revision, payload, title, kb_article_id, bundled_with,
		       bundled_updates, hardware_ids, computer_hardware_ids, prerequisites, raw_xml
		FROM packages ORDER BY idx ASC`)
	if err != nil {
		return fmt.Errorf("sqlstore: enumerate: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			guid, bundledWith, bundledUpdates, hwIDs, computerHWIDs, prereqs string
			revision, payload                                                int
			title, kbArticleID                                               string
			rawXML                                                           []byte
		)
		if err := rows.Scan(&guid, &revision, &payload, &title, &kbArticleID,
			&bundledWith, &bundledUpdates, &hwIDs, &computerHWIDs, &prereqs, &rawXML); err != nil {
			return fmt.Errorf("sqlstore: scan row: %w", err)
		}
		g, err := uuid.Parse(guid)
		if err != nil {
			return fmt.Errorf("sqlstore: corrupt guid: %w", err)
		}
		prereqTree, err := decodePrerequisites(prereqs)
		if err != nil {
			return fmt.Errorf("sqlstore: corrupt prerequisites for %s: %w", guid, err)
		}
		pkg := &model.Package{
			Identity:            identity.ID{GUID: g, Revision: revision},
			Payload:             model.PayloadType(payload),
			Title:               title,
			KBArticleID:         kbArticleID,
			BundledWith:         splitGUIDs(bundledWith),
			BundledUpdates:      splitGUIDs(bundledUpdates),
			HardwareIDs:         splitStrings(hwIDs),
			ComputerHardwareIDs: splitStrings(computerHWIDs),
			Prerequisites:       prereqTree,
			RawXML:              rawXML,
		}
		if err := fn(pkg); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Flush is a no-op: every statement already commits on execution since
// this backend does not batch writes inside an open transaction.
func (s *Store) Flush(ctx context.Context) error { return nil }

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPackage(row rowScanner, id identity.ID) (*model.Package, error) {
	var (
		payload                                         int
		title, kbArticleID, bundledWith, bundledUpdates string
		hwIDs, computerHWIDs, prereqs                   string
		rawXML                                          []byte
	)
	err := row.Scan(&payload, &title, &kbArticleID, &bundledWith, &bundledUpdates,
		&hwIDs, &computerHWIDs, &prereqs, &rawXML)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sqlstore: %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get %s: %w", id, err)
	}
	prereqTree, err := decodePrerequisites(prereqs)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: corrupt prerequisites for %s: %w", id, err)
	}
	return &model.Package{
		Identity:            id,
		Payload:             model.PayloadType(payload),
		Title:               title,
		KBArticleID:         kbArticleID,
		BundledWith:         splitGUIDs(bundledWith),
		BundledUpdates:      splitGUIDs(bundledUpdates),
		HardwareIDs:         splitStrings(hwIDs),
		ComputerHardwareIDs: splitStrings(computerHWIDs),
		Prerequisites:       prereqTree,
		RawXML:              rawXML,
	}, nil
}
