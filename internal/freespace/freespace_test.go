package freespace

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hollow-tree/objstore/pkg/fs"
)

func openFresh(t *testing.T) *Manager {
	t.Helper()

	path := filepath.Join(t.TempDir(), "freespace.eqf")

	m, err := Open(Options{Path: path, FS: fs.NewReal()})
	require.NoError(t, err)

	t.Cleanup(func() { _ = m.Close() })

	return m
}

func TestAddGetExactMatch(t *testing.T) {
	m := openFresh(t)

	require.NoError(t, m.AddSpace(1000, 100))

	offset, size, ok, err := m.GetSpace(125) // 100 + headerSize
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1000), offset)
	require.Equal(t, uint64(125), size)

	_, _, ok, err = m.GetSpace(125)
	require.NoError(t, err)
	require.False(t, ok, "space should be consumed after GetSpace")
}

func TestGetEqualOrLargerThreshold(t *testing.T) {
	m := openFresh(t)

	// region size 500, need 200: threshold = 2*200+25 = 425, 500 >= 425 so usable.
	require.NoError(t, m.AddSpace(2000, 475)) // size = 500

	offset, size, ok, err := m.GetSpace(200)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2000), offset)
	require.Equal(t, uint64(500), size)
}

func TestGetFailsInDeadZone(t *testing.T) {
	m := openFresh(t)

	// region size 210, need 200: threshold = 425; 210 is in (200, 425) dead zone.
	require.NoError(t, m.AddSpace(3000, 185)) // size = 210

	_, _, ok, err := m.GetSpace(200)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEqualSizeChaining(t *testing.T) {
	m := openFresh(t)

	require.NoError(t, m.AddSpace(10, 75))  // size 100
	require.NoError(t, m.AddSpace(20, 75))  // size 100, duplicate
	require.NoError(t, m.AddSpace(30, 75))  // size 100, duplicate

	seen := map[uint64]bool{}

	for i := 0; i < 3; i++ {
		offset, size, ok, err := m.GetSpace(100)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(100), size)
		seen[offset] = true
	}

	require.Len(t, seen, 3)

	_, _, ok, err := m.GetSpace(100)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHasSpace(t *testing.T) {
	m := openFresh(t)

	require.NoError(t, m.AddSpace(50, 75))

	ok, err := m.HasSpace(50, 75)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.HasSpace(50, 999)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRemovalRebalancesTree(t *testing.T) {
	m := openFresh(t)

	sizes := []uint64{500, 200, 800, 100, 300, 700, 900}
	for i, sz := range sizes {
		require.NoError(t, m.AddSpace(uint64(i*1000), sz-headerSize))
	}

	// Remove a node with two children (500 has both 200 and 800 subtrees).
	_, _, ok, err := m.GetSpace(500)
	require.NoError(t, err)
	require.True(t, ok)

	// The remaining sizes must still all be reachable.
	remaining := map[uint64]bool{200: true, 800: true, 100: true, 300: true, 700: true, 900: true}

	for sz := range remaining {
		_, _, ok, err := m.GetSpace(sz)
		require.NoError(t, err, "size %d", sz)
		require.True(t, ok, "size %d should still be findable after removal", sz)
	}
}
