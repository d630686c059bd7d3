package snapshot

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func takeSnapshot(t *testing.T, s *Store, id ID, content string) *Persisted {
	t.Helper()
	tr, err := s.NewTransient(id)
	require.NoError(t, err)
	writeFile(t, tr.Path(), "state.db", content)
	p, err := tr.Persist()
	require.NoError(t, err)
	return p
}

func TestID_RoundTrip(t *testing.T) {
	id := ID{Index: 10, Term: 2, ProcessedPosition: 99, ExportedPosition: 120}
	assert.Equal(t, "10-2-99-120", id.String())

	parsed, err := ParseID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	for _, bad := range []string{"", "1-2-3", "a-2-3-4", "1-2-3-4-5", "1-2-3-x"} {
		_, err := ParseID(bad)
		assert.ErrorIs(t, err, ErrInvalidID, bad)
	}
}

func TestID_Compare(t *testing.T) {
	base := ID{Index: 5, Term: 1, ProcessedPosition: 10, ExportedPosition: 10}
	assert.Equal(t, 0, base.Compare(base))
	assert.Equal(t, -1, base.Compare(ID{Index: 6}))
	assert.Equal(t, 1, base.Compare(ID{Index: 5, Term: 0, ProcessedPosition: 100}))
	assert.Equal(t, -1, base.Compare(ID{Index: 5, Term: 1, ProcessedPosition: 11}))
}

func TestChecksum_DependsOnNamesAndContent(t *testing.T) {
	a := t.TempDir()
	b := t.TempDir()
	writeFile(t, a, "x", "hello")
	writeFile(t, b, "y", "hello")

	sumA, err := Checksum(a)
	require.NoError(t, err)
	sumB, err := Checksum(b)
	require.NoError(t, err)
	assert.NotEqual(t, sumA, sumB)

	require.NoError(t, writeChecksumFile(a, sumA))
	again, err := Checksum(a)
	require.NoError(t, err)
	assert.Equal(t, sumA, again, "checksum file is excluded")
}

func TestStore_PersistTransient(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	_, ok := s.Latest()
	assert.False(t, ok)

	id := ID{Index: 3, Term: 1, ProcessedPosition: 7, ExportedPosition: 9}
	tr, err := s.NewTransient(id)
	require.NoError(t, err)
	assert.DirExists(t, tr.Path())

	writeFile(t, tr.Path(), "state.db", "data")
	p, err := tr.Persist()
	require.NoError(t, err)

	assert.Equal(t, id, p.ID())
	assert.Equal(t, uint64(3), p.Index())
	assert.Equal(t, uint64(1), p.Term())
	assert.NoDirExists(t, tr.Path())
	assert.FileExists(t, filepath.Join(p.Path(), checksumFileName))

	files, err := p.Files()
	require.NoError(t, err)
	assert.Equal(t, []string{"state.db"}, files)

	size, err := p.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(4), size)

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, id, latest.ID())

	_, err = tr.Persist()
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestStore_OnlyOneLocalTransient(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	first, err := s.NewTransient(ID{Index: 1, Term: 1})
	require.NoError(t, err)

	_, err = s.NewTransient(ID{Index: 2, Term: 1})
	assert.ErrorIs(t, err, ErrSnapshotInProgress)

	// received snapshots do not take the local slot
	_, err = s.NewReceived(ID{Index: 2, Term: 1}, 0)
	require.NoError(t, err)

	require.NoError(t, first.Abort())
	assert.NoDirExists(t, first.Path())

	_, err = s.NewTransient(ID{Index: 2, Term: 1})
	require.NoError(t, err)
}

func TestStore_RejectsNotNewer(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	takeSnapshot(t, s, ID{Index: 5, Term: 1, ProcessedPosition: 10, ExportedPosition: 10}, "a")

	_, err := s.NewTransient(ID{Index: 5, Term: 1, ProcessedPosition: 10, ExportedPosition: 10})
	assert.ErrorIs(t, err, ErrSnapshotExists)

	_, err = s.NewTransient(ID{Index: 4, Term: 1, ProcessedPosition: 12, ExportedPosition: 12})
	assert.ErrorIs(t, err, ErrSnapshotExists)
}

func TestStore_PersistDeletesSuperseded(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	old := takeSnapshot(t, s, ID{Index: 1, Term: 1, ProcessedPosition: 1, ExportedPosition: 1}, "a")
	newer := takeSnapshot(t, s, ID{Index: 2, Term: 1, ProcessedPosition: 2, ExportedPosition: 2}, "b")

	assert.NoDirExists(t, old.Path())
	assert.DirExists(t, newer.Path())

	entries, err := os.ReadDir(filepath.Join(dir, snapshotsDirName))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStore_ListenersNotified(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	var calls atomic.Int32
	var last atomic.Pointer[Persisted]
	remove := s.AddListener(func(p *Persisted) {
		calls.Add(1)
		last.Store(p)
	})

	p := takeSnapshot(t, s, ID{Index: 1, Term: 1}, "a")
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, p, last.Load())

	remove()
	takeSnapshot(t, s, ID{Index: 2, Term: 1}, "b")
	assert.Equal(t, int32(1), calls.Load())
}

func TestStore_ReceivedChecksumVerified(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "state.db", "replicated")
	sum, err := Checksum(src)
	require.NoError(t, err)

	s := openTestStore(t, t.TempDir())

	bad, err := s.NewReceived(ID{Index: 1, Term: 1}, sum)
	require.NoError(t, err)
	writeFile(t, bad.Path(), "state.db", "tampered")
	_, err = bad.Persist()
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	assert.NoDirExists(t, bad.Path())
	_, ok := s.Latest()
	assert.False(t, ok)

	good, err := s.NewReceived(ID{Index: 1, Term: 1}, sum)
	require.NoError(t, err)
	writeFile(t, good.Path(), "state.db", "replicated")
	p, err := good.Persist()
	require.NoError(t, err)
	assert.Equal(t, sum, p.Checksum())
}

func TestStore_ReopenKeepsNewestValid(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir})
	require.NoError(t, err)

	p := takeSnapshot(t, s, ID{Index: 1, Term: 1, ProcessedPosition: 3, ExportedPosition: 3}, "valid")
	pending, err := s.NewTransient(ID{Index: 2, Term: 1})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// a newer snapshot whose content no longer matches its checksum
	corrupt := filepath.Join(dir, snapshotsDirName, ID{Index: 9, Term: 1}.String())
	require.NoError(t, os.MkdirAll(corrupt, 0o755))
	writeFile(t, corrupt, "state.db", "x")
	require.NoError(t, writeChecksumFile(corrupt, 1))

	reopened := openTestStore(t, dir)
	latest, ok := reopened.Latest()
	require.True(t, ok)
	assert.Equal(t, p.ID(), latest.ID())
	assert.NoDirExists(t, corrupt)
	assert.NoDirExists(t, pending.Path())
}

func TestStore_Closed(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	require.NoError(t, s.Close())

	_, err := s.NewTransient(ID{Index: 1})
	assert.ErrorIs(t, err, ErrClosed)
}
