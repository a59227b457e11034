package nodecache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type testValue struct {
	uid uint64
	n   int
}

func (v testValue) Save() ([]byte, error) {
	return []byte(fmt.Sprintf("%d:%d", v.uid, v.n)), nil
}

func newTestCache(t *testing.T, flushDelay int) (*Cache[testValue], map[uint64]int, map[uint64]string) {
	t.Helper()

	backing := map[uint64]int{}
	stored := map[uint64]string{}

	c, err := New(Options[testValue]{
		Capacity:   8,
		FlushDelay: flushDelay,
		Load: func(uid uint64) (testValue, error) {
			return testValue{uid: uid, n: backing[uid]}, nil
		},
		Store: func(uid uint64, data []byte) error {
			stored[uid] = string(data)
			return nil
		},
	})
	require.NoError(t, err)

	return c, backing, stored
}

func TestGetFallsThroughToLoadOnMiss(t *testing.T) {
	c, backing, _ := newTestCache(t, 0)
	backing[42] = 7

	v, err := c.Get(42)
	require.NoError(t, err)
	require.Equal(t, 7, v.n)

	// Second get should hit the unmodified ring, not call Load again
	// (mutating backing directly must not affect the cached copy).
	backing[42] = 999

	v, err = c.Get(42)
	require.NoError(t, err)
	require.Equal(t, 7, v.n)
}

func TestPutWinsOverRingEntry(t *testing.T) {
	c, _, _ := newTestCache(t, 0)

	_, err := c.Get(1)
	require.NoError(t, err)

	c.Put(1, testValue{uid: 1, n: 55})

	v, err := c.Get(1)
	require.NoError(t, err)
	require.Equal(t, 55, v.n)
	require.Equal(t, 1, c.Pending())
}

func TestFlushWritesThroughAndPromotes(t *testing.T) {
	c, _, stored := newTestCache(t, 0)

	c.Put(3, testValue{uid: 3, n: 100})
	require.Equal(t, 1, c.Pending())

	require.NoError(t, c.Flush(false))
	require.Equal(t, 0, c.Pending())
	require.Equal(t, "3:100", stored[3])

	v, err := c.Get(3)
	require.NoError(t, err)
	require.Equal(t, 100, v.n)
}

func TestFlushDelayDefersNonForcedFlush(t *testing.T) {
	c, _, stored := newTestCache(t, 3)

	c.Put(5, testValue{uid: 5, n: 1})

	require.NoError(t, c.Flush(false))
	require.Empty(t, stored)
	require.Equal(t, 1, c.Pending())

	require.NoError(t, c.Flush(false))
	require.Empty(t, stored)

	require.NoError(t, c.Flush(false))
	require.Equal(t, "5:1", stored[5])
	require.Equal(t, 0, c.Pending())
}

func TestFlushNowIgnoresDelay(t *testing.T) {
	c, _, stored := newTestCache(t, 100)

	c.Put(9, testValue{uid: 9, n: 2})
	require.NoError(t, c.Flush(true))
	require.Equal(t, "9:2", stored[9])
}

func TestDeleteRemovesFromBothTiers(t *testing.T) {
	c, backing, _ := newTestCache(t, 0)
	backing[11] = 3

	_, err := c.Get(11)
	require.NoError(t, err)

	c.Put(11, testValue{uid: 11, n: 4})
	c.Delete(11)

	require.Equal(t, 0, c.Pending())

	// Get after Delete falls through to Load again, since both tiers were
	// cleared.
	backing[11] = 8

	v, err := c.Get(11)
	require.NoError(t, err)
	require.Equal(t, 8, v.n)
}

func TestNewRejectsNonPowerOfTwoCapacity(t *testing.T) {
	_, err := New(Options[testValue]{
		Capacity: 10,
		Load:     func(uint64) (testValue, error) { return testValue{}, nil },
		Store:    func(uint64, []byte) error { return nil },
	})
	require.Error(t, err)
}
