package equifile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hollow-tree/objstore/pkg/fs"
)

func openFresh(t *testing.T, recordBytes uint32) *File {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.eqf")

	e, err := Open(Options{Path: path, RecordBytes: recordBytes, FS: fs.NewReal()})
	require.NoError(t, err)

	t.Cleanup(func() { _ = e.Close() })

	return e
}

func TestAllocateStoreRetrieve(t *testing.T) {
	e := openFresh(t, 16)

	addr, err := e.AllocateSlot()
	require.NoError(t, err)
	require.Equal(t, uint64(1), addr)

	payload := []byte("0123456789abcdef")
	require.NoError(t, e.Store(addr, payload))

	got, err := e.Retrieve(addr)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	require.Equal(t, uint64(1), e.EntriesCount())
}

func TestStoreWrongSize(t *testing.T) {
	e := openFresh(t, 16)

	addr, err := e.AllocateSlot()
	require.NoError(t, err)

	err = e.Store(addr, []byte("short"))
	require.ErrorIs(t, err, ErrRecordSizeMismatch)
}

func TestRetrieveReservedFails(t *testing.T) {
	e := openFresh(t, 8)

	addr, err := e.AllocateSlot()
	require.NoError(t, err)

	_, err = e.Retrieve(addr)
	require.ErrorIs(t, err, ErrMarkerMismatch)
}

func TestDeleteReusesSlot(t *testing.T) {
	e := openFresh(t, 8)

	a1, err := e.AllocateSlot()
	require.NoError(t, err)
	require.NoError(t, e.Store(a1, []byte("aaaaaaaa")))

	a2, err := e.AllocateSlot()
	require.NoError(t, err)
	require.NoError(t, e.Store(a2, []byte("bbbbbbbb")))

	require.NoError(t, e.Delete(a1))
	require.Equal(t, uint64(1), e.EntriesCount())

	a3, err := e.AllocateSlot()
	require.NoError(t, err)
	require.Equal(t, a1, a3, "freed slot should be recycled before growing the file")

	require.NoError(t, e.Store(a3, []byte("cccccccc")))

	got, err := e.Retrieve(a2)
	require.NoError(t, err)
	require.Equal(t, []byte("bbbbbbbb"), got)
}

func TestDeleteLastSlotTrimsFile(t *testing.T) {
	e := openFresh(t, 8)

	a1, err := e.AllocateSlot()
	require.NoError(t, err)
	require.NoError(t, e.Store(a1, []byte("aaaaaaaa")))

	a2, err := e.AllocateSlot()
	require.NoError(t, err)
	require.NoError(t, e.Store(a2, []byte("bbbbbbbb")))

	before, err := e.totalSlotsLocked()
	require.NoError(t, err)
	require.Equal(t, uint64(2), before)

	require.NoError(t, e.Delete(a2))

	after, err := e.totalSlotsLocked()
	require.NoError(t, err)
	require.Equal(t, uint64(1), after, "trailing free slot should be truncated away")

	report, err := e.Check()
	require.NoError(t, err)
	require.True(t, report.OK(), "check errors: %v", report.Errors)
}

func TestDeleteMiddleThenTrailingTrimsChain(t *testing.T) {
	e := openFresh(t, 8)

	addrs := make([]uint64, 4)

	for i := range addrs {
		a, err := e.AllocateSlot()
		require.NoError(t, err)
		require.NoError(t, e.Store(a, []byte("xxxxxxxx")))
		addrs[i] = a
	}

	// Free the middle slot first (stays in file as a chain link), then the
	// two trailing slots; each trailing free slot is the chain head when the
	// trim walk reaches it, and the walk truncates the file back to one slot.
	require.NoError(t, e.Delete(addrs[1]))
	require.NoError(t, e.Delete(addrs[3]))
	require.NoError(t, e.Delete(addrs[2]))

	total, err := e.totalSlotsLocked()
	require.NoError(t, err)
	require.Equal(t, uint64(1), total)

	report, err := e.Check()
	require.NoError(t, err)
	require.True(t, report.OK(), "check errors: %v", report.Errors)
	require.Equal(t, uint64(1), report.UsedSlots)
	require.Equal(t, uint64(0), report.FreeSlots)
}

func TestCustomFieldsRoundTripAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.eqf")
	fsys := fs.NewReal()

	e, err := Open(Options{Path: path, RecordBytes: 8, FS: fsys})
	require.NoError(t, err)

	require.NoError(t, e.RegisterCustomField("root", 0))
	require.NoError(t, e.SetCustomField("root", 42))
	require.NoError(t, e.Sync())
	require.NoError(t, e.Close())

	e2, err := Open(Options{Path: path, RecordBytes: 8, FS: fsys})
	require.NoError(t, err)
	defer e2.Close()

	require.NoError(t, e2.RegisterCustomField("root", 0))

	got, err := e2.GetCustomField("root")
	require.NoError(t, err)
	require.Equal(t, uint64(42), got)
}

func TestOpenRejectsCorruptHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.eqf")
	fsys := fs.NewReal()

	e, err := Open(Options{Path: path, RecordBytes: 8, FS: fsys})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	f, err := fsys.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte("XXXX"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(Options{Path: path, RecordBytes: 8, FS: fsys})
	require.Error(t, err)
}

func TestEraseRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.eqf")
	fsys := fs.NewReal()

	e, err := Open(Options{Path: path, RecordBytes: 8, FS: fsys})
	require.NoError(t, err)
	require.NoError(t, e.Erase())

	exists, err := fsys.Exists(path)
	require.NoError(t, err)
	require.False(t, exists)
}
