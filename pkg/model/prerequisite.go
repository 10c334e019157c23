package model

import "github.com/google/uuid"

// Prerequisite is the recursive sum type over identities described in
// spec.md §3: a Simple requirement, or an AtLeastOne choice among
// children (optionally scoped to categories).
//
// Implemented as a small closed interface with two implementations
// rather than a discriminated struct, so evaluation stays a type switch
// instead of a field-presence check.
type Prerequisite interface {
	isPrerequisite()
}

// Simple requires that the update identified by ID be present in the
// evaluated installed-set.
type Simple struct {
	ID uuid.UUID
}

func (Simple) isPrerequisite() {}

// AtLeastOne is satisfied if any one of Children is present in the
// evaluated set. When IsCategory is true, Children are category GUIDs
// used only for scope filtering (see graph.CategoryFilter); they are
// always considered satisfied for plain applicability (spec.md §4.2).
type AtLeastOne struct {
	Children   []uuid.UUID
	IsCategory bool
}

func (AtLeastOne) isPrerequisite() {}

// Evaluate reports whether the prerequisite tree rooted at p is
// satisfied against installed, a set of identities the client already
// has (as GUIDs — revision is not part of applicability evaluation,
// since only the current revision of any GUID is ever referenced as a
// prerequisite).
func Evaluate(tree []Prerequisite, installed map[uuid.UUID]struct{}) bool {
	for _, p := range tree {
		if !evaluateOne(p, installed) {
			return false
		}
	}
	return true
}

func evaluateOne(p Prerequisite, installed map[uuid.UUID]struct{}) bool {
	switch v := p.(type) {
	case Simple:
		_, ok := installed[v.ID]
		return ok
	case AtLeastOne:
		if v.IsCategory {
			// Category prerequisites scope the category filter only;
			// they never block applicability on their own.
			return true
		}
		for _, c := range v.Children {
			if _, ok := installed[c]; ok {
				return true
			}
		}
		return len(v.Children) == 0
	default:
		return false
	}
}

// CategoryGUIDs returns every category GUID referenced by an
// AtLeastOne(isCategory=true) node anywhere in the tree, used by the
// category filter (spec.md §4.2).
func CategoryGUIDs(tree []Prerequisite) []uuid.UUID {
	var out []uuid.UUID
	for _, p := range tree {
		if a, ok := p.(AtLeastOne); ok && a.IsCategory {
			out = append(out, a.Children...)
		}
	}
	return out
}

// Dependencies returns every identity referenced anywhere in the tree —
// the set P depends on, used by the graph builder to populate
// dependents[Q] += P (spec.md §4.2 step 2).
func Dependencies(tree []Prerequisite) []uuid.UUID {
	var out []uuid.UUID
	for _, p := range tree {
		switch v := p.(type) {
		case Simple:
			out = append(out, v.ID)
		case AtLeastOne:
			out = append(out, v.Children...)
		}
	}
	return out
}

// PrerequisiteDTO is the tagged-union wire/storage shape of a
// Prerequisite, used by backends that persist packages outside their
// original metadata XML (dirstore's JSON records, zipstore's toc.json,
// sqlstore's TEXT column) and so cannot rely on xmlfrag's raw-byte
// extraction to recover the prerequisite tree on read.
type PrerequisiteDTO struct {
	Kind       string      `json:"kind"`
	ID         uuid.UUID   `json:"id,omitempty"`
	Children   []uuid.UUID `json:"children,omitempty"`
	IsCategory bool        `json:"isCategory,omitempty"`
}

const (
	prerequisiteKindSimple     = "simple"
	prerequisiteKindAtLeastOne = "atLeastOne"
)

// EncodePrerequisites converts a prerequisite tree into its DTO form.
func EncodePrerequisites(tree []Prerequisite) []PrerequisiteDTO {
	if len(tree) == 0 {
		return nil
	}
	out := make([]PrerequisiteDTO, 0, len(tree))
	for _, p := range tree {
		switch v := p.(type) {
		case Simple:
			out = append(out, PrerequisiteDTO{Kind: prerequisiteKindSimple, ID: v.ID})
		case AtLeastOne:
			out = append(out, PrerequisiteDTO{Kind: prerequisiteKindAtLeastOne, Children: v.Children, IsCategory: v.IsCategory})
		}
	}
	return out
}

// DecodePrerequisites reconstructs a prerequisite tree from its DTO
// form, the inverse of EncodePrerequisites.
func DecodePrerequisites(dtos []PrerequisiteDTO) []Prerequisite {
	if len(dtos) == 0 {
		return nil
	}
	out := make([]Prerequisite, 0, len(dtos))
	for _, d := range dtos {
		switch d.Kind {
		case prerequisiteKindSimple:
			out = append(out, Simple{ID: d.ID})
		case prerequisiteKindAtLeastOne:
			out = append(out, AtLeastOne{Children: d.Children, IsCategory: d.IsCategory})
		}
	}
	return out
}
