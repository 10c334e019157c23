// Package model defines the update package data model shared by every
// component: the backing store, the prerequisite graph, the sync engine,
// and driver matching. Variants are represented as a payload-type tag on
// a single record, not as a type hierarchy (see the Model entry in
// DESIGN.md — "avoid inheritance hierarchies").
package model

import (
	"github.com/Snshadow/update-server-server-sync/pkg/identity"
	"github.com/google/uuid"
)

// PayloadType distinguishes the five kinds of update payload the store
// can hold. A package carries exactly one.
type PayloadType int

const (
	PayloadSoftwareUpdate PayloadType = iota
	PayloadDriverUpdate
	PayloadDetectoidCategory
	PayloadClassificationCategory
	PayloadProductCategory
)

func (t PayloadType) String() string {
	switch t {
	case PayloadSoftwareUpdate:
		return "SoftwareUpdate"
	case PayloadDriverUpdate:
		return "DriverUpdate"
	case PayloadDetectoidCategory:
		return "DetectoidCategory"
	case PayloadClassificationCategory:
		return "ClassificationCategory"
	case PayloadProductCategory:
		return "ProductCategory"
	default:
		return "Unknown"
	}
}

// IsCategory reports whether this payload type is one of the three
// category kinds (detectoid, classification, product) rather than an
// installable leaf payload.
func (t PayloadType) IsCategory() bool {
	switch t {
	case PayloadDetectoidCategory, PayloadClassificationCategory, PayloadProductCategory:
		return true
	default:
		return false
	}
}

// PatchingType describes how a file's bytes relate to the target it
// patches (full replacement, binary delta, etc). The core never inspects
// this beyond passing it through; content download is out of scope.
type PatchingType string

const (
	PatchingFull  PatchingType = "Full"
	PatchingDelta PatchingType = "Delta"
)

// FileRef is one file reference attached to an update: a content digest,
// its size, an upstream URL, and how it patches (full vs delta).
type FileRef struct {
	Digest       []byte
	Size         int64
	URL          string
	PatchingType PatchingType
}

// Package is the in-memory reconstruction of a stored update, regardless
// of which backend (B) it came from.
type Package struct {
	Identity    identity.ID
	Payload     PayloadType
	Title       string
	KBArticleID string // optional; empty string means absent

	// Prerequisites is the recursive expression tree this update must
	// satisfy before it is applicable. See Prerequisite in
	// prerequisite.go.
	Prerequisites []Prerequisite

	// BundledWith holds the identities of bundles that contain this
	// update (back-references). Non-empty means "this is a bundled
	// leaf".
	BundledWith []uuid.UUID

	// BundledUpdates holds the identities this update bundles
	// (forward-references). Non-empty means "this update is a bundle".
	BundledUpdates []uuid.UUID

	Files []FileRef

	// RawXML is the untouched metadata blob as stored; core/extended/
	// localized fragments are derived from it on demand (pkg/xmlfrag).
	RawXML []byte

	// HardwareIDs and ComputerHardwareIDs are populated for
	// PayloadDriverUpdate only; see Driver Matching (G) in
	// pkg/driver.
	HardwareIDs         []string
	ComputerHardwareIDs []string
}

// IsSoftwareOrDriver reports whether this package's payload is something
// a client actually installs, as opposed to a category/detectoid used
// only for graph scoping.
func (p *Package) IsSoftwareOrDriver() bool {
	return p.Payload == PayloadSoftwareUpdate || p.Payload == PayloadDriverUpdate
}
