package snowflake

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(s string) *string { return &s }

func TestCompare_BeyondFloat64(t *testing.T) {
	// Соседние значения за пределами 2^53 неразличимы во float64.
	a := "9007199254740993"
	b := "9007199254740992"
	assert.Equal(t, 1, Compare(a, b))
	assert.Equal(t, -1, Compare(b, a))
	assert.Equal(t, 0, Compare(a, a))
}

func TestCompare_NotLexicographic(t *testing.T) {
	assert.Equal(t, 1, Compare("100", "99"))
}

func TestIsNewer_NullSemantics(t *testing.T) {
	assert.True(t, IsNewer(ptr("1"), nil))
	assert.False(t, IsNewer(nil, ptr("1")))
	assert.False(t, IsNewer(nil, nil))
}

func TestIsNewer_Irreflexive(t *testing.T) {
	id := ptr("9007199254740993")
	assert.False(t, IsNewer(id, id))
}

func TestMax_CommutativeIdempotent(t *testing.T) {
	a := ptr("9007199254740993")
	b := ptr("42")

	require.NotNil(t, Max(a, b))
	assert.Equal(t, *a, *Max(a, b))
	assert.Equal(t, *Max(a, b), *Max(b, a))
	assert.Equal(t, *a, *Max(a, a))
}

func TestMax_NullPropagation(t *testing.T) {
	a := ptr("7")
	assert.Equal(t, a, Max(a, nil))
	assert.Equal(t, a, Max(nil, a))
	assert.Nil(t, Max(nil, nil))
}
