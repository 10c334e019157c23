// Package driver implements Driver Matching (spec.md §4.7): mapping a
// client's hardware-id list against driver updates for applicability,
// preferring the most specific match, and surfacing unapproved drivers
// to an external observer instead of silently dropping them.
//
// The observer is a plain func(model.Package) field rather than a
// generic pub/sub bus, consistent with the teacher's Config-struct-
// with-injected-collaborators idiom used throughout its *View
// constructors — no example repo in the retrieval pack implements an
// event bus, so the simplest idiomatic mechanism is used.
package driver

import (
	"sort"

	"github.com/google/uuid"

	"github.com/Snshadow/update-server-server-sync/pkg/graph"
	"github.com/Snshadow/update-server-server-sync/pkg/model"
)

// Matcher indexes every known driver update by the hardware IDs it
// declares, built once per graph.Build pass (see engine.Attach).
type Matcher struct {
	g *graph.Graph

	// byHardwareID maps a declared hardware ID to every driver update
	// GUID that declares it.
	byHardwareID map[string][]uuid.UUID

	onUnapproved func(model.Package)
}

// Build indexes every PayloadDriverUpdate package in g by its declared
// HardwareIDs.
func Build(g *graph.Graph) *Matcher {
	m := &Matcher{g: g, byHardwareID: make(map[string][]uuid.UUID)}
	for guid, pkg := range g.Packages {
		if pkg.Payload != model.PayloadDriverUpdate {
			continue
		}
		for _, hwid := range pkg.HardwareIDs {
			m.byHardwareID[hwid] = append(m.byHardwareID[hwid], guid)
		}
	}
	for hwid := range m.byHardwareID {
		sort.Slice(m.byHardwareID[hwid], func(i, j int) bool {
			return less(m.byHardwareID[hwid][i], m.byHardwareID[hwid][j])
		})
	}
	return m
}

// SetUnapprovedObserver installs fn to be called, once per match pass,
// with every driver package matched by hardware but excluded from the
// result because it lacks an approving deployment row.
func (m *Matcher) SetUnapprovedObserver(fn func(model.Package)) {
	m.onUnapproved = fn
}

// Match implements the §4.7 algorithm:
//  1. Walk hardwareIDs in client-supplied order (specific → generic);
//     the first one with any declaring driver wins — more specific IDs
//     are earlier in the client's list by convention, so the first hit
//     is already the most specific available match.
//  2. If computerHardwareIDs is non-empty, further restrict to drivers
//     that declare at least one of them, or declare none at all (which
//     match any computer).
//  3. Apply the applicability oracle against installed.
//  4. isApproved reports whether a deployment row approves guid; drivers
//     that match but are not approved are reported to the unapproved
//     observer (if set) and excluded from the result.
func (m *Matcher) Match(installed map[uuid.UUID]struct{}, hardwareIDs, computerHardwareIDs []string, isApproved func(uuid.UUID) bool) []uuid.UUID {
	var candidates []uuid.UUID
	for _, hwid := range hardwareIDs {
		if matches := m.byHardwareID[hwid]; len(matches) > 0 {
			candidates = matches
			break
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	computerSet := make(map[string]struct{}, len(computerHardwareIDs))
	for _, c := range computerHardwareIDs {
		computerSet[c] = struct{}{}
	}

	var out []uuid.UUID
	for _, guid := range candidates {
		pkg, ok := m.g.Packages[guid]
		if !ok {
			continue
		}
		if len(computerSet) > 0 && len(pkg.ComputerHardwareIDs) > 0 && !anyIn(pkg.ComputerHardwareIDs, computerSet) {
			continue
		}
		if !m.g.IsApplicable(guid, installed) {
			continue
		}
		if isApproved != nil && !isApproved(guid) {
			if m.onUnapproved != nil {
				m.onUnapproved(*pkg)
			}
			continue
		}
		out = append(out, guid)
	}
	return out
}

func anyIn(ids []string, set map[string]struct{}) bool {
	for _, id := range ids {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}

func less(a, b uuid.UUID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
