package download

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"

	"github.com/anacrolix/gnutella/ranges"
	"github.com/anacrolix/gnutella/urn"
)

const incompletePrefix = "T-"

// TempName is the incomplete file name for a download of name with size bytes. Suffixes above 1
// disambiguate different content with the same name and size, and go before the extension.
func TempName(name string, size int64, suffix int) string {
	if suffix > 1 {
		ext := filepath.Ext(name)
		name = fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(name, ext), suffix, ext)
	}
	return fmt.Sprintf("%s%d-%s", incompletePrefix, size, name)
}

func splitTempName(path string) (size, name string, err error) {
	rest, ok := strings.CutPrefix(filepath.Base(path), incompletePrefix)
	if !ok {
		err = fmt.Errorf("%w: %q has no %q prefix", ErrCantResume, path, incompletePrefix)
		return
	}
	size, name, ok = strings.Cut(rest, "-")
	if !ok || name == "" {
		err = fmt.Errorf("%w: %q has no name", ErrCantResume, path)
	}
	return
}

// CompletedName is the name the download of an incomplete file will be saved as.
func CompletedName(incompleteFile string) (string, error) {
	_, name, err := splitTempName(incompleteFile)
	return name, err
}

// CompletedSize is the size of the download of an incomplete file.
func CompletedSize(incompleteFile string) (int64, error) {
	s, _, err := splitTempName(incompleteFile)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad size in %q", ErrCantResume, incompleteFile)
	}
	return n, nil
}

// IncompleteFileManager maps downloads to their incomplete files and remembers which parts of
// each have been written.
type IncompleteFileManager struct {
	dir    string
	logger log.Logger

	mu     sync.Mutex
	hashes map[urn.URN]string
	blocks map[string]*ranges.Set
}

func NewIncompleteFileManager(dir string, logger log.Logger) *IncompleteFileManager {
	return &IncompleteFileManager{
		dir:    dir,
		logger: logger.WithNames("incomplete"),
		hashes: make(map[urn.URN]string),
		blocks: make(map[string]*ranges.Set),
	}
}

func (me *IncompleteFileManager) Dir() string {
	return me.dir
}

// File returns the incomplete file for content. The same hash always gets the same file, so a
// download can resume from data fetched under another name.
func (me *IncompleteFileManager) File(name string, size int64, sha1 urn.URN) string {
	me.mu.Lock()
	defer me.mu.Unlock()
	if !sha1.IsZero() {
		if path, ok := me.hashes[sha1]; ok {
			return path
		}
	}
	taken := make(map[string]bool, len(me.hashes))
	for _, path := range me.hashes {
		taken[path] = true
	}
	var path string
	for i := 1; ; i++ {
		path = filepath.Join(me.dir, TempName(name, size, i))
		if !taken[path] {
			break
		}
	}
	if !sha1.IsZero() {
		me.hashes[sha1] = path
	}
	return path
}

// FileForURN returns the incomplete file known for a hash.
func (me *IncompleteFileManager) FileForURN(sha1 urn.URN) (string, bool) {
	me.mu.Lock()
	defer me.mu.Unlock()
	path, ok := me.hashes[sha1]
	return path, ok
}

// URNForFile returns the hash of the content an incomplete file is for.
func (me *IncompleteFileManager) URNForFile(path string) (urn.URN, bool) {
	me.mu.Lock()
	defer me.mu.Unlock()
	for u, p := range me.hashes {
		if p == path {
			return u, true
		}
	}
	return "", false
}

// AddBlock records that e of path has been written.
func (me *IncompleteFileManager) AddBlock(path string, e ranges.Extent) {
	me.mu.Lock()
	defer me.mu.Unlock()
	s, ok := me.blocks[path]
	if !ok {
		s = ranges.NewSet()
		me.blocks[path] = s
	}
	s.Add(e)
}

// Blocks returns a copy of what's been written to path.
func (me *IncompleteFileManager) Blocks(path string) *ranges.Set {
	me.mu.Lock()
	defer me.mu.Unlock()
	if s, ok := me.blocks[path]; ok {
		return s.Clone()
	}
	return ranges.NewSet()
}

// Restore reinstates bookkeeping saved with a download.
func (me *IncompleteFileManager) Restore(path string, sha1 urn.URN, es []ranges.Extent) {
	me.mu.Lock()
	defer me.mu.Unlock()
	if !sha1.IsZero() {
		me.hashes[sha1] = path
	}
	if len(es) != 0 {
		me.blocks[path] = ranges.NewSet(es...)
	}
}

// Remove forgets path, typically once its download is finished.
func (me *IncompleteFileManager) Remove(path string) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.removeLocked(path)
}

func (me *IncompleteFileManager) removeLocked(path string) {
	delete(me.blocks, path)
	for u, p := range me.hashes {
		if p == path {
			delete(me.hashes, u)
		}
	}
}

// Purge forgets incomplete files that have disappeared from disk. Returns whether anything was
// forgotten.
func (me *IncompleteFileManager) Purge() bool {
	return me.purge(func(string) bool { return true })
}

// InitialPurge is Purge, and also forgets files no loaded download refers to.
func (me *IncompleteFileManager) InitialPurge(active []string) bool {
	keep := make(map[string]bool, len(active))
	for _, path := range active {
		keep[filepath.Clean(path)] = true
	}
	return me.purge(func(path string) bool { return keep[filepath.Clean(path)] })
}

func (me *IncompleteFileManager) purge(referenced func(path string) bool) (changed bool) {
	me.mu.Lock()
	defer me.mu.Unlock()
	stale := func(path string) bool {
		if !referenced(path) {
			return true
		}
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}
	for path := range me.blocks {
		if stale(path) {
			me.logger.Levelf(log.Debug, "purging %q", path)
			me.removeLocked(path)
			changed = true
		}
	}
	for u, path := range me.hashes {
		if stale(path) {
			delete(me.hashes, u)
			changed = true
		}
	}
	return
}
