package metadata

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/kagedb/core/write_engine/segment"
)

func openTestManifest(t *testing.T, dir string) *Manifest {
	t.Helper()
	m, err := Open(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	return m
}

func sealedSegment(t *testing.T, segno uint64) *segment.Segment {
	t.Helper()
	seg := segment.Alloc(segno)
	require.NoError(t, seg.AppendItem([]byte("k"), []byte("v"), false))
	require.NoError(t, seg.Seal())
	return seg
}

func TestAllocSegnoMonotonic(t *testing.T) {
	m := openTestManifest(t, t.TempDir())
	defer m.Close()

	a, err := m.AllocSegno()
	require.NoError(t, err)
	b, err := m.AllocSegno()
	require.NoError(t, err)
	require.Greater(t, b, a)
}

func TestRecoveryAfterReopen(t *testing.T) {
	dir := t.TempDir()

	m := openTestManifest(t, dir)
	segno, err := m.AllocSegno()
	require.NoError(t, err)
	require.NoError(t, m.RecordSegment(sealedSegment(t, segno), 0))

	var seq uint64
	require.NoError(t, m.AdvanceSeq(&seq))
	require.NoError(t, m.AdvanceSeq(&seq))
	require.Equal(t, uint64(2), seq)
	require.NoError(t, m.Close())

	// A reopened manifest recovers the counters from the log.
	m2 := openTestManifest(t, dir)
	defer m2.Close()
	require.Equal(t, uint64(2), m2.Seq())
	require.Equal(t, 1, m2.Segments())

	next, err := m2.AllocSegno()
	require.NoError(t, err)
	require.Greater(t, next, segno, "recovered segno allocation must not reuse recorded segnos")
}

func TestAdvanceSeqIsMonotonicAcrossErrors(t *testing.T) {
	m := openTestManifest(t, t.TempDir())
	defer m.Close()

	var seq uint64
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, m.AdvanceSeq(&seq))
		require.Equal(t, i, seq)
	}
	require.Equal(t, uint64(5), m.Seq())
}

func TestTornTailRecordIsDropped(t *testing.T) {
	dir := t.TempDir()

	m := openTestManifest(t, dir)
	var seq uint64
	require.NoError(t, m.AdvanceSeq(&seq))
	require.NoError(t, m.Close())

	// Simulate a crash mid-append by leaving half a record at the tail.
	path := filepath.Join(dir, manifestFile)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()+recordSize/2))

	m2 := openTestManifest(t, dir)
	defer m2.Close()
	require.Equal(t, uint64(1), m2.Seq())

	// The manifest stays appendable after dropping the torn tail.
	require.NoError(t, m2.AdvanceSeq(&seq))
	require.Equal(t, uint64(2), seq)
}

func TestCorruptRecordFailsOpen(t *testing.T) {
	dir := t.TempDir()

	m := openTestManifest(t, dir)
	var seq uint64
	require.NoError(t, m.AdvanceSeq(&seq))
	require.NoError(t, m.Close())

	path := filepath.Join(dir, manifestFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[3] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Open(dir, zaptest.NewLogger(t))
	require.ErrorIs(t, err, ErrManifestCorrupt)
}

func TestClosedManifestRefusesWork(t *testing.T) {
	m := openTestManifest(t, t.TempDir())
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := m.AllocSegno()
	require.ErrorIs(t, err, ErrManifestClosed)
	var seq uint64
	require.ErrorIs(t, m.AdvanceSeq(&seq), ErrManifestClosed)
	require.ErrorIs(t, m.RecordSegment(sealedSegment(t, 1), 0), ErrManifestClosed)
}
