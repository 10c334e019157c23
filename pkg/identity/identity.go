// Package identity defines the canonical (GUID, revision) identity used
// throughout the update graph, and the dense integer index the backing
// store assigns to each identity for use on the wire.
package identity

import (
	"fmt"

	"github.com/google/uuid"
)

// ID is the global identity of an update: a GUID plus a monotonically
// increasing revision number. Only the highest revision per GUID is
// eligible for delivery; superseded revisions remain addressable by
// identity but are never "current".
type ID struct {
	GUID     uuid.UUID
	Revision int
}

// String renders the identity as "guid/revision" for logging.
func (id ID) String() string {
	return fmt.Sprintf("%s/%d", id.GUID, id.Revision)
}

// Index is the 1-based dense integer index the backing store assigns to
// an (GUID, revision) pair on first insert. The wire protocol addresses
// updates by index; the graph addresses them by GUID.
type Index uint32

// Valid reports whether idx could have been assigned by a store (indexes
// are 1-based; 0 is never a valid assignment).
func (idx Index) Valid() bool {
	return idx != 0
}
