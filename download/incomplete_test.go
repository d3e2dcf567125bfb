package download

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/anacrolix/log"
	qt "github.com/go-quicktest/qt"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/gnutella/ranges"
)

func TestTempName(t *testing.T) {
	qt.Check(t, qt.Equals(TempName("song.mp3", 1234, 1), "T-1234-song.mp3"))
	qt.Check(t, qt.Equals(TempName("song.mp3", 1234, 2), "T-1234-song (2).mp3"))
	qt.Check(t, qt.Equals(TempName("README", 5, 3), "T-5-README (3)"))
}

func TestCompletedNameAndSize(t *testing.T) {
	name, err := CompletedName("/inc/T-1234-my-song.mp3")
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.Equals(name, "my-song.mp3"))
	size, err := CompletedSize("/inc/T-1234-my-song.mp3")
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.Equals(size, int64(1234)))

	for _, bad := range []string{"song.mp3", "T-1234", "T-1234-", "T-x-song.mp3"} {
		_, err := CompletedSize(bad)
		qt.Check(t, qt.ErrorIs(err, ErrCantResume), qt.Commentf("%q", bad))
	}
}

func TestIncompleteFileForSameContent(t *testing.T) {
	dir := t.TempDir()
	m := NewIncompleteFileManager(dir, log.Default)
	a := m.File("song.mp3", 10, urnA)
	qt.Check(t, qt.Equals(a, filepath.Join(dir, "T-10-song.mp3")))
	// The same content under another name reuses the file.
	qt.Check(t, qt.Equals(m.File("other.mp3", 10, urnA), a))
	// Different content with the same name and size gets a suffix.
	b := m.File("song.mp3", 10, urnB)
	qt.Check(t, qt.Equals(b, filepath.Join(dir, "T-10-song (2).mp3")))
	u, ok := m.URNForFile(b)
	qt.Check(t, qt.IsTrue(ok))
	qt.Check(t, qt.Equals(u, urnB))
	got, ok := m.FileForURN(urnA)
	qt.Check(t, qt.IsTrue(ok))
	qt.Check(t, qt.Equals(got, a))
}

func TestIncompleteBlocks(t *testing.T) {
	m := NewIncompleteFileManager(t.TempDir(), log.Default)
	path := m.File("a", 100, urnA)
	m.AddBlock(path, ranges.Extent{Start: 0, Length: 10})
	m.AddBlock(path, ranges.Extent{Start: 10, Length: 10})
	blocks := m.Blocks(path)
	qt.Check(t, qt.Equals(blocks.Covered(), int64(20)))
	// Blocks returns a copy.
	blocks.Add(ranges.Extent{Start: 50, Length: 10})
	qt.Check(t, qt.Equals(m.Blocks(path).Covered(), int64(20)))
	qt.Check(t, qt.Equals(m.Blocks("missing").Len(), 0))

	m.Remove(path)
	qt.Check(t, qt.Equals(m.Blocks(path).Len(), 0))
	_, ok := m.FileForURN(urnA)
	qt.Check(t, qt.IsFalse(ok))
}

func TestIncompletePurge(t *testing.T) {
	dir := t.TempDir()
	m := NewIncompleteFileManager(dir, log.Default)
	present := m.File("present", 10, urnA)
	require.NoError(t, os.WriteFile(present, []byte("x"), 0o600))
	gone := m.File("gone", 10, urnB)
	m.AddBlock(gone, ranges.Extent{Length: 1})
	m.AddBlock(present, ranges.Extent{Length: 1})

	qt.Check(t, qt.IsTrue(m.Purge()))
	_, ok := m.FileForURN(urnB)
	qt.Check(t, qt.IsFalse(ok))
	qt.Check(t, qt.Equals(m.Blocks(present).Covered(), int64(1)))
	qt.Check(t, qt.IsFalse(m.Purge()))

	// Files nothing refers to are dropped by the initial purge even when they exist.
	qt.Check(t, qt.IsFalse(m.InitialPurge([]string{present})))
	qt.Check(t, qt.IsTrue(m.InitialPurge(nil)))
	_, ok = m.FileForURN(urnA)
	qt.Check(t, qt.IsFalse(ok))
}

func TestIncompleteRestore(t *testing.T) {
	m := NewIncompleteFileManager(t.TempDir(), log.Default)
	m.Restore("/x/T-3-a", urnC, []ranges.Extent{{Start: 0, Length: 2}})
	got, ok := m.FileForURN(urnC)
	qt.Check(t, qt.IsTrue(ok))
	qt.Check(t, qt.Equals(got, "/x/T-3-a"))
	qt.Check(t, qt.Equals(m.Blocks("/x/T-3-a").Covered(), int64(2)))
}
