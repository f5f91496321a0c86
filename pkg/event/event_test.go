package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEdgeIsNotLevel(t *testing.T) {
	e := Edge("startup", nil, nil)
	assert.False(t, e.IsLevel())
	assert.Nil(t, e.Value)
}

func TestLevelIsLevel(t *testing.T) {
	e := Level("runlevel", "2", nil, nil)
	require.True(t, e.IsLevel())
	assert.Equal(t, "2", *e.Value)
}

func TestPatternMatchesRules(t *testing.T) {
	runlevel2 := NewPattern("runlevel", "2")
	runlevel3 := NewPattern("runlevel", "3")
	anyRunlevel := NewPattern("runlevel", "")
	ctrlAltDel := NewPattern("ctrlaltdel", "")

	lvl2 := Level("runlevel", "2", nil, nil)
	lvl3 := Level("runlevel", "3", nil, nil)
	edgeCad := Edge("ctrlaltdel", nil, nil)

	assert.True(t, runlevel2.Matches(lvl2))
	assert.False(t, runlevel3.Matches(lvl2))
	assert.True(t, anyRunlevel.Matches(lvl2))
	assert.True(t, anyRunlevel.Matches(lvl3))
	assert.False(t, runlevel2.Matches(edgeCad))

	// An edge event never matches a value-bearing pattern.
	edgeRunlevel := Edge("runlevel", nil, nil)
	assert.False(t, runlevel2.Matches(edgeRunlevel))
	assert.True(t, anyRunlevel.Matches(edgeRunlevel))
}

func TestPatternNameMismatch(t *testing.T) {
	p := NewPattern("foo", "")
	assert.False(t, p.Matches(Edge("bar", nil, nil)))
}
