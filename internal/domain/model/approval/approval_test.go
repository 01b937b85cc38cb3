package approval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicIDStable(t *testing.T) {
	a := DeterministicID("run1", "a.go", "Add", "before", "after")
	b := DeterministicID("run1", "a.go", "Add", "before", "after")

	assert.Equal(t, a, b)
	assert.Len(t, a, IDLength)
}

func TestDeterministicIDSensitiveToEveryInput(t *testing.T) {
	base := DeterministicID("run1", "a.go", "Add", "before", "after")

	assert.NotEqual(t, base, DeterministicID("run2", "a.go", "Add", "before", "after"))
	assert.NotEqual(t, base, DeterministicID("run1", "b.go", "Add", "before", "after"))
	assert.NotEqual(t, base, DeterministicID("run1", "a.go", "Sub", "before", "after"))
	assert.NotEqual(t, base, DeterministicID("run1", "a.go", "Add", "BEFORE", "after"))
	assert.NotEqual(t, base, DeterministicID("run1", "a.go", "Add", "before", "AFTER"))
}

func TestNewRequestCarriesDiff(t *testing.T) {
	req := NewRequest("run1", "a.go", "Add",
		"func Add() int {\n\treturn 1\n}\n",
		"func Add() int {\n\treturn 2\n}\n",
		0.5, "  touches arithmetic  ", "2026-08-31T00:00:00Z")

	require.NotEmpty(t, req.Diff)
	assert.Contains(t, req.Diff, "-\treturn 1")
	assert.Contains(t, req.Diff, "+\treturn 2")
	assert.Contains(t, req.Diff, "a/a.go::Add")
	assert.Equal(t, "touches arithmetic", req.Reason)
}

func TestDiffLines(t *testing.T) {
	diff := UnifiedDiff("a.go", "Add",
		"one\ntwo\nthree\n",
		"one\n2\nthree\n")
	assert.Equal(t, 2, DiffLines(diff))
	assert.Equal(t, 0, DiffLines(""))
}

func TestRisk(t *testing.T) {
	assert.Equal(t, 0.5, Risk(10, 20))
	assert.Equal(t, 1.0, Risk(50, 20))
	assert.Equal(t, 1.0, Risk(1, 0))
	assert.Equal(t, 0.0, Risk(0, 20))
}
