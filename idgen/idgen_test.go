package idgen

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerator_MonotonicAndUnique(t *testing.T) {
	g, err := NewGenerator()
	require.NoError(t, err)

	seen := make(map[uint64]bool)
	var prev uint64
	for i := 0; i < 1000; i++ {
		id := g.Next()
		require.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
		if i > 0 {
			require.Greater(t, id, prev)
		}
		prev = id
	}
}

func TestGenerator_DifferentInstancesDifferSeeds(t *testing.T) {
	g1, err := NewGenerator()
	require.NoError(t, err)
	g2, err := NewGenerator()
	require.NoError(t, err)

	require.NotEqual(t, g1.Next()>>32, g2.Next()>>32, "two independently seeded generators collided on their high 32 bits")
}
