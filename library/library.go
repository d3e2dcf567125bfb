package library

import (
	"os"

	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/pkg/errors"

	"github.com/anacrolix/gnutella/internal/runner"
	"github.com/anacrolix/gnutella/ranges"
	"github.com/anacrolix/gnutella/urn"
)

// Library is an in-memory index of shared files by URN and by path. Files whose hashes weren't
// computed in this process are unverified until Validate rehashes them.
type Library struct {
	logger log.Logger
	hasher *runner.Runner

	mu     sync.RWMutex
	byURN  map[urn.URN]*FileDesc
	byPath map[string]*FileDesc
	// Invoked from the hashing goroutine when validation finishes.
	onValidated []func(*FileDesc, bool)
}

func New(logger log.Logger) *Library {
	logger = logger.WithNames("library")
	return &Library{
		logger: logger,
		hasher: runner.New(logger),
		byURN:  make(map[urn.URN]*FileDesc),
		byPath: make(map[string]*FileDesc),
	}
}

// Share hashes the file at path and adds it as verified.
func (l *Library) Share(path string) (*FileDesc, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	u, err := urn.FromReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "hashing %q", path)
	}
	fd := &FileDesc{path: path, size: fi.Size(), urns: []urn.URN{u}}
	fd.verified.Store(true)
	l.add(fd)
	return fd, nil
}

// ShareUnverified adds a file with a hash from an untrusted source, such as a cache from a
// previous run.
func (l *Library) ShareUnverified(path string, size int64, u urn.URN, hashTree bool) *FileDesc {
	fd := &FileDesc{path: path, size: size, urns: []urn.URN{u}, hashTree: hashTree}
	l.add(fd)
	return fd
}

// ShareIncomplete adds a partially downloaded file. Incomplete files are always verified, since
// their URN is what the download is for.
func (l *Library) ShareIncomplete(path string, size int64, u urn.URN, available ...ranges.Extent) *FileDesc {
	fd := &FileDesc{
		path:       path,
		size:       size,
		urns:       []urn.URN{u},
		incomplete: true,
		available:  ranges.NewSet(available...),
	}
	fd.verified.Store(true)
	l.add(fd)
	return fd
}

func (l *Library) add(fd *FileDesc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if old, ok := l.byPath[fd.path]; ok {
		l.removeLocked(old)
	}
	l.byPath[fd.path] = fd
	for _, u := range fd.urns {
		l.byURN[u] = fd
	}
	l.logger.Levelf(log.Debug, "sharing %v", fd)
}

func (l *Library) Remove(fd *FileDesc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removeLocked(fd)
}

func (l *Library) removeLocked(fd *FileDesc) {
	if l.byPath[fd.path] == fd {
		delete(l.byPath, fd.path)
	}
	for _, u := range fd.urns {
		if l.byURN[u] == fd {
			delete(l.byURN, u)
		}
	}
}

func (l *Library) FileDescForURN(u urn.URN) *FileDesc {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.byURN[u]
}

func (l *Library) FileDescForFile(path string) *FileDesc {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.byPath[path]
}

func (l *Library) NumFiles() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byPath)
}

func (l *Library) IsVerified(fd *FileDesc) bool {
	return fd.IsVerified()
}

// OnValidated registers f to be called after each validation with whether the hash matched.
func (l *Library) OnValidated(f func(fd *FileDesc, ok bool)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onValidated = append(l.onValidated, f)
}

// Validate rehashes fd in the background. On a mismatch the file stops being shared. Does nothing
// if fd is already being validated.
func (l *Library) Validate(fd *FileDesc) {
	if fd.IsVerified() {
		return
	}
	if !fd.validating.CompareAndSwap(false, true) {
		return
	}
	if !l.hasher.Go(func() { l.validate(fd) }) {
		fd.validating.Store(false)
		l.logger.Levelf(log.Debug, "not validating %v: closed", fd)
	}
}

func (l *Library) validate(fd *FileDesc) {
	defer fd.validating.Store(false)
	ok := func() bool {
		f, err := os.Open(fd.path)
		if err != nil {
			l.logger.Levelf(log.Warning, "validating %v: %v", fd, err)
			return false
		}
		defer f.Close()
		u, err := urn.FromReader(f)
		if err != nil {
			l.logger.Levelf(log.Warning, "hashing %v: %v", fd, err)
			return false
		}
		return u == fd.SHA1()
	}()
	if ok {
		fd.verified.Store(true)
	} else {
		l.logger.Levelf(log.Info, "unsharing %v: hash mismatch", fd)
		l.Remove(fd)
	}
	l.mu.RLock()
	cbs := l.onValidated
	l.mu.RUnlock()
	for _, f := range cbs {
		f(fd, ok)
	}
}

// SetSpecial marks fd as forced (served outside the slot limits) and/or priority (queued ahead of
// other requests).
func (l *Library) SetSpecial(fd *FileDesc, forced, priority bool) {
	fd.forced.Store(forced)
	fd.priority.Store(priority)
}

func (l *Library) IncrementAttemptedUploads(fd *FileDesc) {
	fd.attemptedUploads.Add(1)
}

func (l *Library) IncrementCompletedUploads(fd *FileDesc) {
	fd.completedUploads.Add(1)
}

// Close waits for pending validations.
func (l *Library) Close() {
	l.hasher.Close()
}
