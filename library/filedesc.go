// Package library indexes the files this node shares.
package library

import (
	"fmt"
	"path/filepath"
	"slices"
	"sync/atomic"

	"github.com/anacrolix/sync"
	"github.com/dustin/go-humanize"

	"github.com/anacrolix/gnutella/ranges"
	"github.com/anacrolix/gnutella/urn"
)

// FileDesc describes one shared file. Immutable apart from the counters, the verified flag, and
// the available ranges of incomplete files.
type FileDesc struct {
	path string
	size int64
	urns []urn.URN
	// Whether a THEX hash tree is available to serve.
	hashTree bool
	// For incomplete files only.
	incomplete bool

	mu        sync.RWMutex
	available *ranges.Set

	verified atomic.Bool
	// A validation is queued or running.
	validating atomic.Bool
	// Always served without using a slot.
	forced atomic.Bool
	// Queued ahead of ordinary requests.
	priority         atomic.Bool
	attemptedUploads atomic.Int64
	completedUploads atomic.Int64
}

func (fd *FileDesc) Path() string {
	return fd.path
}

func (fd *FileDesc) Name() string {
	return filepath.Base(fd.path)
}

func (fd *FileDesc) Size() int64 {
	return fd.size
}

// SHA1 is the file's primary URN.
func (fd *FileDesc) SHA1() urn.URN {
	if len(fd.urns) == 0 {
		return ""
	}
	return fd.urns[0]
}

func (fd *FileDesc) ContainsURN(u urn.URN) bool {
	return slices.Contains(fd.urns, u)
}

func (fd *FileDesc) HasHashTree() bool {
	return fd.hashTree
}

func (fd *FileDesc) IsIncomplete() bool {
	return fd.incomplete
}

// AddAvailable records more of an incomplete file as downloaded.
func (fd *FileDesc) AddAvailable(e ranges.Extent) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if fd.available == nil {
		fd.available = &ranges.Set{}
	}
	fd.available.Add(e)
}

// AvailableSubRange narrows want to what is available. Complete files have everything.
func (fd *FileDesc) AvailableSubRange(want ranges.Extent) (ranges.Extent, bool) {
	if !fd.incomplete {
		x := want.Intersect(ranges.Extent{Length: fd.size})
		return x, !x.IsEmpty()
	}
	fd.mu.RLock()
	defer fd.mu.RUnlock()
	if fd.available == nil {
		return ranges.Extent{}, false
	}
	return fd.available.AvailableSubRange(want)
}

func (fd *FileDesc) IsRangeSatisfiable(want ranges.Extent) bool {
	if !fd.incomplete {
		return (ranges.Extent{Length: fd.size}).Contains(want)
	}
	fd.mu.RLock()
	defer fd.mu.RUnlock()
	return fd.available != nil && fd.available.Satisfiable(want)
}

func (fd *FileDesc) IsVerified() bool {
	return fd.verified.Load()
}

func (fd *FileDesc) IsForcedShare() bool {
	return fd.forced.Load()
}

func (fd *FileDesc) IsPriorityShare() bool {
	return fd.priority.Load()
}

func (fd *FileDesc) AttemptedUploads() int64 {
	return fd.attemptedUploads.Load()
}

func (fd *FileDesc) CompletedUploads() int64 {
	return fd.completedUploads.Load()
}

func (fd *FileDesc) String() string {
	return fmt.Sprintf("%q (%s, %v)", fd.Name(), humanize.IBytes(uint64(fd.size)), fd.SHA1())
}
