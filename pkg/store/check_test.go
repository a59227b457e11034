package store

import (
	"context"
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// corruptBlobRecordFlags flips the flags byte of the record header at
// offset in the store's blob file and recomputes the header checksum to
// match, the way a tolerant scan still expects to decode it. Used to mimic
// a crash landing mid-write, without going through the store at all.
func corruptBlobRecordFlags(t *testing.T, dir string, offset uint64, flags byte) {
	t.Helper()

	f, err := os.OpenFile(filepath.Join(dir, blobFileName), os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()

	header := make([]byte, 25)
	_, err = f.ReadAt(header, int64(offset))
	require.NoError(t, err)

	header[0] = flags
	binary.LittleEndian.PutUint32(header[21:25], crc32.ChecksumIEEE(header[0:21]))

	_, err = f.WriteAt(header, int64(offset))
	require.NoError(t, err)
}

// TestCheckRepairsDuplicateLiveCopyEndToEnd reproduces the overwrite/crash
// scenario at the Store level: a record is overwritten, then the old copy
// is forced back to looking like a crash left it (valid and outdated,
// never reclaimed). Check(repair=false) must report it; Check(repair=true)
// must fix it and leave the non-outdated copy in place.
func TestCheckRepairsDuplicateLiveCopyEndToEnd(t *testing.T) {
	const flagValid, flagOutdated = byte(1 << 0), byte(1 << 3)

	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(ctx, Options{Dir: dir})
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, 1, []byte("a")))

	oldOffset, ok := s.blob.FindOffset(1)
	require.True(t, ok)

	require.NoError(t, s.Put(ctx, 1, []byte("bb")))
	require.NoError(t, s.Close())

	corruptBlobRecordFlags(t, dir, oldOffset, flagValid|flagOutdated)

	s, err = Open(ctx, Options{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	report, err := s.Check(ctx, false)
	require.NoError(t, err)
	require.False(t, report.OK())
	require.NotEmpty(t, report.Blob.Errors)

	repaired, err := s.Check(ctx, true)
	require.NoError(t, err)
	require.True(t, repaired.Repaired)
	require.True(t, repaired.OK(), "errors after repair: %+v", repaired)

	data, found, err := s.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("bb"), data, "the non-outdated copy must survive repair")

	again, err := s.Check(ctx, true)
	require.NoError(t, err)
	require.False(t, again.Repaired, "an already-consistent store needs no repair")
	require.Equal(t, repaired.ErrorCount(), again.ErrorCount(), "repair is idempotent")
}
