package model

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_Simple(t *testing.T) {
	a := uuid.New()
	tree := []Prerequisite{Simple{ID: a}}

	require.False(t, Evaluate(tree, map[uuid.UUID]struct{}{}))
	require.True(t, Evaluate(tree, map[uuid.UUID]struct{}{a: {}}))
}

func TestEvaluate_AtLeastOne(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	tree := []Prerequisite{AtLeastOne{Children: []uuid.UUID{a, b}}}

	require.False(t, Evaluate(tree, map[uuid.UUID]struct{}{}))
	require.True(t, Evaluate(tree, map[uuid.UUID]struct{}{a: {}}))
	require.True(t, Evaluate(tree, map[uuid.UUID]struct{}{b: {}}))
}

func TestEvaluate_AtLeastOneCategory_AlwaysSatisfied(t *testing.T) {
	cat := uuid.New()
	tree := []Prerequisite{AtLeastOne{Children: []uuid.UUID{cat}, IsCategory: true}}

	require.True(t, Evaluate(tree, map[uuid.UUID]struct{}{}))
}

func TestEvaluate_ConjunctionOfTopLevelNodes(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	tree := []Prerequisite{Simple{ID: a}, Simple{ID: b}}

	require.False(t, Evaluate(tree, map[uuid.UUID]struct{}{a: {}}))
	require.True(t, Evaluate(tree, map[uuid.UUID]struct{}{a: {}, b: {}}))
}

func TestCategoryGUIDs(t *testing.T) {
	cat1, cat2, plain := uuid.New(), uuid.New(), uuid.New()
	tree := []Prerequisite{
		Simple{ID: plain},
		AtLeastOne{Children: []uuid.UUID{cat1, cat2}, IsCategory: true},
	}

	got := CategoryGUIDs(tree)
	require.ElementsMatch(t, []uuid.UUID{cat1, cat2}, got)
}

func TestDependencies(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	tree := []Prerequisite{
		Simple{ID: a},
		AtLeastOne{Children: []uuid.UUID{b, c}},
	}

	got := Dependencies(tree)
	require.ElementsMatch(t, []uuid.UUID{a, b, c}, got)
}
