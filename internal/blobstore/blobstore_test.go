package blobstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hollow-tree/objstore/pkg/fs"
)

// fakeSpace is a minimal, exact-match-only SpaceProvider for exercising
// blobstore in isolation from internal/freespace.
type fakeSpace struct {
	holes map[uint64]uint64 // offset -> capacity
}

func newFakeSpace() *fakeSpace { return &fakeSpace{holes: map[uint64]uint64{}} }

func (s *fakeSpace) GetSpace(need uint64) (uint64, uint64, bool, error) {
	for offset, capacity := range s.holes {
		size := capacity + headerSize
		if size == need || size >= 2*need+headerSize {
			delete(s.holes, offset)
			return offset, size, true, nil
		}
	}

	return 0, 0, false, nil
}

func (s *fakeSpace) AddSpace(offset, capacity uint64) error {
	s.holes[offset] = capacity
	return nil
}

func (s *fakeSpace) HasSpace(offset, capacity uint64) (bool, error) {
	c, ok := s.holes[offset]
	return ok && c == capacity, nil
}

func (s *fakeSpace) Reset() error {
	s.holes = map[uint64]uint64{}
	return nil
}

type fakeMarks struct {
	marked map[uint64]bool
}

func newFakeMarks() *fakeMarks { return &fakeMarks{marked: map[uint64]bool{}} }

func (m *fakeMarks) Clear(uint64) error             { m.marked = map[uint64]bool{}; return nil }
func (m *fakeMarks) Mark(id uint64) error           { m.marked[id] = true; return nil }
func (m *fakeMarks) IsMarked(id uint64) (bool, error) {
	return m.marked[id], nil
}

func openFresh(t *testing.T) (*File, *fakeSpace, *fakeMarks) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "blobs.bin")
	space := newFakeSpace()
	marks := newFakeMarks()

	f, err := Open(Options{Path: path, FS: fs.NewReal(), Space: space, Marks: marks})
	require.NoError(t, err)

	t.Cleanup(func() { _ = f.Close() })

	return f, space, marks
}

func TestWriteReadRoundTrip(t *testing.T) {
	f, _, _ := openFresh(t)

	offset, err := f.Write(1, []byte("hello world"))
	require.NoError(t, err)

	got, err := f.Read(1)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), got)

	got2, err := f.ReadAt(offset, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), got2)
}

func TestWriteLargePayloadCompresses(t *testing.T) {
	f, _, _ := openFresh(t)

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i % 7)
	}

	_, err := f.Write(7, payload)
	require.NoError(t, err)

	got, err := f.Read(7)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestOverwriteReusesOldRegionViaOutdatedBit(t *testing.T) {
	f, space, _ := openFresh(t)

	_, err := f.Write(1, []byte("first"))
	require.NoError(t, err)

	_, err = f.Write(1, []byte("second value, longer"))
	require.NoError(t, err)

	got, err := f.Read(1)
	require.NoError(t, err)
	require.Equal(t, []byte("second value, longer"), got)

	require.NotEmpty(t, space.holes, "old record region should be returned to the space provider")
}

func TestDeleteThenFindOffset(t *testing.T) {
	f, space, _ := openFresh(t)

	_, err := f.Write(1, []byte("gone soon"))
	require.NoError(t, err)

	require.NoError(t, f.Delete(1))

	_, ok := f.FindOffset(1)
	require.False(t, ok)

	_, err = f.Read(1)
	require.ErrorIs(t, err, ErrNotFound)

	require.Len(t, space.holes, 1)
}

func TestEachVisitsEveryLiveRecord(t *testing.T) {
	f, _, _ := openFresh(t)

	_, err := f.Write(1, []byte("a"))
	require.NoError(t, err)
	_, err = f.Write(2, []byte("b"))
	require.NoError(t, err)
	_, err = f.Write(3, []byte("c"))
	require.NoError(t, err)

	require.NoError(t, f.Delete(2))

	seen := map[uint64]uint64{}
	err = f.Each(func(id, offset uint64) bool {
		seen[id] = offset
		return true
	})
	require.NoError(t, err)

	require.Len(t, seen, 2)
	require.Contains(t, seen, uint64(1))
	require.Contains(t, seen, uint64(3))
	require.NotContains(t, seen, uint64(2))
}

func TestMarkSweepDeletesUnmarked(t *testing.T) {
	f, _, _ := openFresh(t)

	for _, id := range []uint64{1, 2, 3} {
		_, err := f.Write(id, []byte("payload"))
		require.NoError(t, err)
	}

	require.NoError(t, f.ClearMarks())
	require.NoError(t, f.Mark(1))
	require.NoError(t, f.Mark(3))

	var deleted []uint64

	count, err := f.DeleteUnmarked(func(id uint64) { deleted = append(deleted, id) })
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, []uint64{2}, deleted)

	_, err = f.Read(1)
	require.NoError(t, err)

	_, err = f.Read(2)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDefragmentCompactsAndReport(t *testing.T) {
	f, _, _ := openFresh(t)

	for _, id := range []uint64{1, 2, 3} {
		_, err := f.Write(id, []byte("abcdefgh"))
		require.NoError(t, err)
	}

	require.NoError(t, f.Delete(2))
	require.NoError(t, f.Defragment())

	report, err := f.Check()
	require.NoError(t, err)
	require.True(t, report.OK(), "check errors: %v", report.Errors)
	require.Equal(t, uint64(2), report.ValidRecords)
	require.Equal(t, uint64(0), report.HoleRecords)

	got, err := f.Read(1)
	require.NoError(t, err)
	require.Equal(t, []byte("abcdefgh"), got)

	got3, err := f.Read(3)
	require.NoError(t, err)
	require.Equal(t, []byte("abcdefgh"), got3)
}
