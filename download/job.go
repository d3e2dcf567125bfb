package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/anacrolix/gnutella/bandwidth"
	"github.com/anacrolix/gnutella/memento"
	"github.com/anacrolix/gnutella/ranges"
	"github.com/anacrolix/gnutella/urn"
)

// JobState is where a Job is in its life.
type JobState int

const (
	// Ready to run when there's room.
	Queued JobState = iota
	Downloading
	// Every source failed. Waiting to retry.
	Waiting
	// Out of retries. New sources make it Queued again.
	GaveUp
	Complete
	Aborted
	CorruptFile
	DiskProblem
)

func (s JobState) String() string {
	switch s {
	case Queued:
		return "queued"
	case Downloading:
		return "downloading"
	case Waiting:
		return "waiting"
	case GaveUp:
		return "gave up"
	case Complete:
		return "complete"
	case Aborted:
		return "aborted"
	case CorruptFile:
		return "corrupt file"
	case DiskProblem:
		return "disk problem"
	default:
		return fmt.Sprintf("JobState(%d)", int(s))
	}
}

// IsFinal is true for states a Job never leaves.
func (s JobState) IsFinal() bool {
	return s >= Complete
}

var (
	errCorrupt = errors.New("downloaded content doesn't match hash")
	errDisk    = errors.New("disk problem")
	// The source is busy or queued us.
	errBusy = errors.New("source busy")
)

// Responses that ignore the requested range are read through from the start only this far.
const maxDiscardBytes = 1 << 20

// JobFactory creates Jobs that fetch content over HTTP from Gnutella peers.
type JobFactory struct {
	Incomplete *IncompleteFileManager
	// Defaults to http.DefaultClient.
	Client *http.Client
	// Optional limit on the combined download rate.
	Limiter *rate.Limiter
	// Rounds of failed sources before a Job gives up.
	MaxAttempts   int
	RetryInterval time.Duration
	// Defaults to time.Now.
	Now    func() time.Time
	Logger log.Logger
}

var _ Factory = (*JobFactory)(nil)

func (f *JobFactory) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *JobFactory) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

func (f *JobFactory) NewDownloader(p Params) (Downloader, error) {
	if p.SaveFile == "" {
		return nil, errors.New("no save file")
	}
	if p.FileName == "" {
		p.FileName = filepath.Base(p.SaveFile)
	}
	if !p.Overwrite {
		if _, err := os.Stat(p.SaveFile); err == nil {
			return nil, &SaveLocationError{Kind: AlreadyExists, Path: p.SaveFile}
		}
	}
	j := &Job{
		f:       f,
		params:  p,
		sources: slices.Clone(p.Sources),
		logger:  f.Logger.WithNames("job"),
	}
	j.tracker.Now = f.Now
	return j, nil
}

// Job downloads one file from the sources it's given, resuming from whatever its incomplete file
// already has.
type Job struct {
	f       *JobFactory
	params  Params
	logger  log.Logger
	tracker bandwidth.Tracker

	mu             sync.Mutex
	incompleteFile string
	remover        Remover
	state          JobState
	sources        []string
	attempts       int
	retryAt        time.Time
	priority       int
	lastErr        error
	cancel         context.CancelFunc
	// Set when the transfer goroutine exits. Nil when not started.
	stopped *chansync.SetOnce
}

var _ Downloader = (*Job)(nil)

func (j *Job) Type() Type {
	return j.params.Type
}

func (j *Job) SHA1() urn.URN {
	return j.params.SHA1
}

func (j *Job) FileName() string {
	return j.params.FileName
}

func (j *Job) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.params.Size
}

func (j *Job) SaveFile() string {
	return j.params.SaveFile
}

func (j *Job) IncompleteFile() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.incompleteFile
}

func (j *Job) QueryGUID() generics.Option[GUID] {
	return j.params.QueryGUID
}

func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err is why the last attempt failed.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastErr
}

func (j *Job) InactivePriority() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.priority
}

func (j *Job) Initialize(r Remover) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.remover = r
	j.incompleteFile = j.params.IncompleteFile
	if j.incompleteFile == "" {
		j.incompleteFile = j.f.Incomplete.File(j.params.FileName, j.params.Size, j.params.SHA1)
	}
}

// AddSources offers more places to get the file from. A Job that gave up tries again.
func (j *Job) AddSources(srcs ...string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, s := range srcs {
		if !slices.Contains(j.sources, s) {
			j.sources = append(j.sources, s)
		}
	}
	if j.state == GaveUp && len(j.sources) != 0 {
		j.state = Queued
		j.attempts = 0
	}
}

func (j *Job) Sources() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.sources)
}

func (j *Job) IsAlive() bool {
	return j.State() == Downloading
}

func (j *Job) ShouldBeRemoved() bool {
	return j.State().IsFinal()
}

func (j *Job) ShouldBeRestarted() bool {
	now := j.f.now()
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.sources) == 0 {
		return false
	}
	switch j.state {
	case Queued:
		return true
	case Waiting:
		return !now.Before(j.retryAt)
	}
	return false
}

func (j *Job) IsQueuable() bool {
	switch j.State() {
	case Queued, Waiting:
		return true
	}
	return false
}

func (j *Job) SetInactivePriority(p int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.priority = p
}

func (j *Job) HandleInactivity() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == Waiting && j.f.MaxAttempts > 0 && j.attempts >= j.f.MaxAttempts {
		j.logger.Levelf(log.Info, "giving up on %q after %v attempts: %v", j.params.FileName, j.attempts, j.lastErr)
		j.state = GaveUp
	}
}

func (j *Job) StartDownload() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.IsFinal() || j.state == Downloading {
		return
	}
	j.state = Downloading
	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	j.stopped = new(chansync.SetOnce)
	go j.run(ctx, j.stopped)
}

func (j *Job) Stop() {
	j.mu.Lock()
	if j.state.IsFinal() {
		j.mu.Unlock()
		return
	}
	j.state = Aborted
	if j.cancel != nil {
		j.cancel()
	}
	r := j.remover
	j.mu.Unlock()
	if r != nil {
		go r.Remove(j, true)
	}
}

// Finish drops the incomplete file bookkeeping of completed downloads. It may be called from the
// transfer goroutine, so it doesn't wait for it.
func (j *Job) Finish() {
	if j.State() == Complete {
		j.f.Incomplete.Remove(j.IncompleteFile())
	}
}

// Wait blocks until the current transfer, if any, has stopped and the Job has been handed back
// to its Remover.
func (j *Job) Wait(ctx context.Context) error {
	j.mu.Lock()
	stopped := j.stopped
	j.mu.Unlock()
	if stopped == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stopped.Done():
		return nil
	}
}

func (j *Job) Conflicts(sha1 urn.URN, size int64, paths ...string) bool {
	if !sha1.IsZero() && sha1 == j.params.SHA1 {
		return true
	}
	for _, p := range paths {
		// Without hashes, the same name and size is taken to be the same file.
		if (sha1.IsZero() || j.params.SHA1.IsZero()) &&
			size > 0 && size == j.Size() && filepath.Base(p) == j.params.FileName {
			return true
		}
	}
	return false
}

func (j *Job) ConflictsSaveFile(path string) bool {
	return filepath.Clean(path) == filepath.Clean(j.params.SaveFile)
}

func (j *Job) ConflictsWithIncompleteFile(path string) bool {
	return filepath.Clean(path) == filepath.Clean(j.IncompleteFile())
}

func (j *Job) Memento() memento.Memento {
	j.mu.Lock()
	defer j.mu.Unlock()
	m := memento.Memento{
		Type:           j.params.Type.String(),
		SHA1:           j.params.SHA1.String(),
		FileName:       j.params.FileName,
		Size:           j.params.Size,
		SaveFile:       j.params.SaveFile,
		IncompleteFile: j.incompleteFile,
		Sources:        slices.Clone(j.sources),
		Attributes:     map[string]string{"state": j.state.String()},
	}
	if g := j.params.QueryGUID; g.Ok {
		m.QueryGUID = g.Value.String()
	}
	for _, e := range j.f.Incomplete.Blocks(j.incompleteFile).Extents() {
		m.Ranges = append(m.Ranges, memento.Range{Start: e.Start, Length: e.Length})
	}
	return m
}

func (j *Job) MeasureBandwidth() {
	j.tracker.MeasureBandwidth()
}

func (j *Job) MeasuredBandwidth() (float64, error) {
	return j.tracker.MeasuredBandwidth()
}

func (j *Job) AverageBandwidth() float64 {
	return j.tracker.AverageBandwidth()
}

func (j *Job) String() string {
	size := "unknown size"
	if s := j.Size(); s >= 0 {
		size = humanize.IBytes(uint64(s))
	}
	return fmt.Sprintf("%v download %q (%s)", j.params.Type, j.params.FileName, size)
}

func (j *Job) run(ctx context.Context, stopped *chansync.SetOnce) {
	defer stopped.Set()
	err := j.download(ctx)
	now := j.f.now()
	j.mu.Lock()
	if j.state == Aborted {
		// Stop has already handed the Job back.
		j.mu.Unlock()
		return
	}
	j.lastErr = err
	switch {
	case err == nil:
		j.state = Complete
	case errors.Is(err, errCorrupt):
		j.state = CorruptFile
	case errors.Is(err, errDisk):
		j.state = DiskProblem
	default:
		j.attempts++
		j.state = Waiting
		j.retryAt = now.Add(j.f.RetryInterval)
	}
	state := j.state
	r := j.remover
	j.mu.Unlock()
	if err != nil {
		j.logger.Levelf(log.Debug, "%v: %v", j, err)
	}
	r.Remove(j, state != Waiting)
}

func (j *Job) download(ctx context.Context) error {
	path := j.IncompleteFile()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("%w: %v", errDisk, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return fmt.Errorf("%w: %v", errDisk, err)
	}
	defer f.Close()
	err = errors.New("no sources")
	for _, src := range j.Sources() {
		err = j.fetchFrom(ctx, f, path, src)
		if err == nil || ctx.Err() != nil || errors.Is(err, errDisk) {
			break
		}
	}
	if err != nil {
		return err
	}
	size := j.Size()
	if sha1 := j.params.SHA1; !sha1.IsZero() {
		got, err := urn.FromReader(io.NewSectionReader(f, 0, size))
		if err != nil {
			return fmt.Errorf("%w: hashing: %v", errDisk, err)
		}
		if got != sha1 {
			// Start over next time.
			j.f.Incomplete.Remove(path)
			return fmt.Errorf("%w: got %v", errCorrupt, got)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %v", errDisk, err)
	}
	if err := os.MkdirAll(filepath.Dir(j.params.SaveFile), 0o750); err != nil {
		return fmt.Errorf("%w: %v", errDisk, err)
	}
	if err := os.Rename(path, j.params.SaveFile); err != nil {
		return fmt.Errorf("%w: %v", errDisk, err)
	}
	return nil
}

func sourceURL(src string, sha1 urn.URN) (string, error) {
	if strings.Contains(src, "://") {
		return src, nil
	}
	if sha1.IsZero() {
		return "", fmt.Errorf("no hash to request from %q", src)
	}
	return "http://" + src + "/uri-res/N2R?" + sha1.String(), nil
}

// fetchFrom fills in what's missing from the incomplete file using one source.
func (j *Job) fetchFrom(ctx context.Context, f *os.File, path, src string) error {
	url, err := sourceURL(src, j.params.SHA1)
	if err != nil {
		return err
	}
	size := j.Size()
	if size < 0 {
		return j.fetchWhole(ctx, f, path, url)
	}
	for _, e := range j.f.Incomplete.Blocks(path).Missing(ranges.Extent{Length: size}) {
		if err := j.fetchExtent(ctx, f, path, url, e); err != nil {
			return fmt.Errorf("fetching %v from %q: %w", e, url, err)
		}
	}
	return nil
}

func (j *Job) newRequest(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Queue", "0.1")
	return req, nil
}

func (j *Job) body(ctx context.Context, r io.Reader) io.Reader {
	if j.f.Limiter == nil {
		return r
	}
	return &rateLimitedReader{ctx: ctx, l: j.f.Limiter, r: r}
}

func (j *Job) fetchExtent(ctx context.Context, f *os.File, path, url string, e ranges.Extent) error {
	req, err := j.newRequest(ctx, url)
	if err != nil {
		return err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", e.Start, e.End()-1))
	resp, err := j.f.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body := j.body(ctx, resp.Body)
	w := &blockWriter{j: j, path: path, w: io.NewOffsetWriter(f, e.Start), off: e.Start}
	switch resp.StatusCode {
	case http.StatusPartialContent:
		_, err = io.CopyN(w, body, e.Length)
	case http.StatusOK:
		// The response is from the beginning.
		if e.Start > maxDiscardBytes {
			return fmt.Errorf("source ignored range %v", e)
		}
		if _, err = io.CopyN(io.Discard, body, e.Start); err != nil {
			return fmt.Errorf("discarding up to range: %w", err)
		}
		_, err = io.CopyN(w, body, e.Length)
	case http.StatusServiceUnavailable:
		return errBusy
	default:
		return fmt.Errorf("unhandled response status %q", resp.Status)
	}
	return err
}

func (j *Job) fetchWhole(ctx context.Context, f *os.File, path, url string) error {
	req, err := j.newRequest(ctx, url)
	if err != nil {
		return err
	}
	resp, err := j.f.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusServiceUnavailable:
		return errBusy
	default:
		return fmt.Errorf("unhandled response status %q", resp.Status)
	}
	n, err := io.Copy(&blockWriter{j: j, path: path, w: io.NewOffsetWriter(f, 0)}, j.body(ctx, resp.Body))
	if err != nil {
		return err
	}
	j.mu.Lock()
	j.params.Size = n
	j.mu.Unlock()
	return nil
}

// blockWriter records each write as available in the incomplete file.
type blockWriter struct {
	j    *Job
	path string
	w    io.Writer
	off  int64
}

func (me *blockWriter) Write(b []byte) (n int, err error) {
	n, err = me.w.Write(b)
	if n != 0 {
		me.j.f.Incomplete.AddBlock(me.path, ranges.Extent{Start: me.off, Length: int64(n)})
		me.j.tracker.Count(int64(n))
		me.off += int64(n)
	}
	if err != nil {
		err = fmt.Errorf("%w: %v", errDisk, err)
	}
	return
}
