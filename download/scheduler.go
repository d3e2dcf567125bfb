package download

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"slices"

	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/anacrolix/sync"
	list "github.com/bahlo/generic-list-go"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/anacrolix/gnutella/internal/deferlock"
	"github.com/anacrolix/gnutella/internal/runner"
	"github.com/anacrolix/gnutella/memento"
	"github.com/anacrolix/gnutella/ranges"
	"github.com/anacrolix/gnutella/urn"
)

var tracer = otel.Tracer("gnutella.download")

type Config struct {
	// Downloads running at once, not counting in-network and store downloads.
	MaxSimDownloads int
	SaveDir         string
	// Where in-network downloads are saved. Defaults to SaveDir.
	InNetworkDir string
	// Snapshots aren't written or read without one.
	Store      memento.Store
	Logger     log.Logger
	Registerer prometheus.Registerer
}

// Scheduler admits downloads and decides which of them run. Downloads are in exactly one of two
// ordered lists: active or waiting. Everything is behind one lock, and collaborators are called
// after it's released.
type Scheduler struct {
	cfg        Config
	logger     log.Logger
	incomplete *IncompleteFileManager
	factory    Factory
	callback   Callback
	queries    QueryTracker
	runner     *runner.Runner
	stats      *Stats

	mu             deferlock.Mutex
	active         list.List[Downloader]
	waiting        list.List[Downloader]
	activeElems    map[Downloader]*list.Element[Downloader]
	waitingElems   map[Downloader]*list.Element[Downloader]
	inNetworkCount int
	storeCount     int

	numMeasures      int
	averageBandwidth float64
	lastMeasured     float64

	// Serializes snapshot writes so a later write always has later state.
	writeMu sync.Mutex
}

var _ Remover = (*Scheduler)(nil)

// NewScheduler creates a Scheduler. queries may be nil. Snapshot writes after changes are run on
// r.
func NewScheduler(
	cfg Config,
	incomplete *IncompleteFileManager,
	factory Factory,
	callback Callback,
	queries QueryTracker,
	r *runner.Runner,
) (*Scheduler, error) {
	if incomplete == nil {
		return nil, errors.New("nil incomplete file manager")
	}
	if factory == nil {
		return nil, errors.New("nil factory")
	}
	if callback == nil {
		return nil, errors.New("nil callback")
	}
	if r == nil {
		return nil, errors.New("nil runner")
	}
	if cfg.InNetworkDir == "" {
		cfg.InNetworkDir = cfg.SaveDir
	}
	return &Scheduler{
		cfg:          cfg,
		logger:       cfg.Logger.WithNames("download"),
		incomplete:   incomplete,
		factory:      factory,
		callback:     callback,
		queries:      queries,
		runner:       r,
		stats:        NewStats(cfg.Registerer),
		activeElems:  make(map[Downloader]*list.Element[Downloader]),
		waitingElems: make(map[Downloader]*list.Element[Downloader]),
	}, nil
}

func (s *Scheduler) Stats() *Stats {
	return s.stats
}

// Download adds a normal download, typically of a search result. SaveFile defaults to FileName
// in the save directory.
func (s *Scheduler) Download(p Params) (Downloader, error) {
	p.Type = Normal
	if p.SaveFile == "" {
		p.SaveFile = filepath.Join(s.cfg.SaveDir, p.FileName)
	}
	return s.add(p)
}

// DownloadMagnet adds a download described by a magnet link. saveDir and fileName default to the
// save directory and the name the magnet suggests.
func (s *Scheduler) DownloadMagnet(m MagnetLink, saveDir, fileName string, overwrite bool) (Downloader, error) {
	if !m.IsDownloadable() {
		return nil, ErrNotDownloadable
	}
	if saveDir == "" {
		saveDir = s.cfg.SaveDir
	}
	if fileName == "" {
		fileName = m.FileNameForSaving()
	}
	size := m.Size
	if size == 0 {
		size = -1
	}
	return s.add(Params{
		Type:      Magnet,
		SHA1:      m.SHA1,
		FileName:  fileName,
		Size:      size,
		SaveFile:  filepath.Join(saveDir, fileName),
		Sources:   m.Sources,
		Overwrite: overwrite,
	})
}

// DownloadFromStore adds a store download. Only one runs at a time.
func (s *Scheduler) DownloadFromStore(p Params) (Downloader, error) {
	p.Type = Store
	if p.SaveFile == "" {
		p.SaveFile = filepath.Join(s.cfg.SaveDir, p.FileName)
	}
	return s.add(p)
}

// DownloadInNetwork adds a system download, such as an update, that the user didn't ask for.
func (s *Scheduler) DownloadInNetwork(p Params) (Downloader, error) {
	p.Type = InNetwork
	if p.SaveFile == "" {
		p.SaveFile = filepath.Join(s.cfg.InNetworkDir, p.FileName)
	}
	p.Overwrite = true
	return s.add(p)
}

// Resume adds a download that continues from an incomplete file. The name and size come from
// the incomplete file's name.
func (s *Scheduler) Resume(incompleteFile string) (Downloader, error) {
	name, err := CompletedName(incompleteFile)
	if err != nil {
		return nil, err
	}
	size, err := CompletedSize(incompleteFile)
	if err != nil {
		return nil, err
	}
	sha1, _ := s.incomplete.URNForFile(incompleteFile)
	return s.add(Params{
		Type:           Resume,
		SHA1:           sha1,
		FileName:       name,
		Size:           size,
		SaveFile:       filepath.Join(s.cfg.SaveDir, name),
		IncompleteFile: incompleteFile,
	})
}

func (s *Scheduler) add(p Params) (Downloader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkConflictsLocked(p); err != nil {
		s.stats.Refused.Inc()
		return nil, err
	}
	s.incomplete.Purge()
	d, err := s.factory.NewDownloader(p)
	if err != nil {
		s.stats.Refused.Inc()
		return nil, err
	}
	s.initializeLocked(d, true)
	return d, nil
}

func (s *Scheduler) checkConflictsLocked(p Params) error {
	// Same content wins over a save path collision, so a repeated request reports the download
	// already underway.
	for d := range s.allLocked() {
		if p.IncompleteFile != "" && d.ConflictsWithIncompleteFile(p.IncompleteFile) {
			return &SaveLocationError{Kind: AlreadyDownloading, Path: d.SaveFile()}
		}
		if d.Conflicts(p.SHA1, p.Size, p.SaveFile) {
			return &SaveLocationError{Kind: AlreadyDownloading, Path: d.SaveFile()}
		}
	}
	for d := range s.allLocked() {
		if d.ConflictsSaveFile(p.SaveFile) {
			return &SaveLocationError{Kind: AlreadyDownloadedTo, Path: p.SaveFile}
		}
	}
	return nil
}

func (s *Scheduler) initializeLocked(d Downloader, snapshot bool) {
	d.Initialize(s)
	s.waitingElems[d] = s.waiting.PushBack(d)
	s.stats.Added.Inc()
	s.mu.Defer(func() { s.callback.AddDownload(d) })
	if snapshot {
		s.goWriteSnapshot()
	}
}

func (s *Scheduler) goWriteSnapshot() {
	if s.cfg.Store == nil {
		return
	}
	s.runner.Go(func() {
		if err := s.WriteSnapshot(context.Background()); err != nil {
			s.logger.Levelf(log.Warning, "%v", err)
		}
	})
}

func (s *Scheduler) allLocked() iter.Seq[Downloader] {
	return func(yield func(Downloader) bool) {
		for _, l := range []*list.List[Downloader]{&s.active, &s.waiting} {
			for e := l.Front(); e != nil; e = e.Next() {
				if !yield(e.Value) {
					return
				}
			}
		}
	}
}

func (s *Scheduler) hasFreeSlotLocked() bool {
	return s.active.Len()-s.inNetworkCount-s.storeCount < s.cfg.MaxSimDownloads
}

// Pump goes through the waiting downloads in order, starting those that can run and telling
// the rest where they are in the queue.
func (s *Scheduler) Pump() {
	s.mu.Lock()
	defer s.mu.Unlock()
	index := 1
	for e := s.waiting.Front(); e != nil; {
		next := e.Next()
		d := e.Value
		switch {
		case d.IsAlive():
		case d.ShouldBeRemoved():
			s.removeWaitingLocked(d)
			s.cleanupLocked(d, false)
		case d.Type() == Store && s.storeCount == 0:
			s.activateLocked(d)
		case d.Type() != Store && s.hasFreeSlotLocked() && d.ShouldBeRestarted():
			s.activateLocked(d)
		default:
			if d.IsQueuable() {
				d.SetInactivePriority(index)
				index++
			}
			d.HandleInactivity()
		}
		e = next
	}
}

func (s *Scheduler) activateLocked(d Downloader) {
	s.removeWaitingLocked(d)
	s.activeElems[d] = s.active.PushBack(d)
	switch d.Type() {
	case InNetwork:
		s.inNetworkCount++
	case Store:
		s.storeCount++
	}
	s.stats.Started.Inc()
	s.logger.Levelf(log.Debug, "starting %v", d)
	d.StartDownload()
}

func (s *Scheduler) removeActiveLocked(d Downloader) bool {
	e, ok := s.activeElems[d]
	if !ok {
		return false
	}
	s.active.Remove(e)
	delete(s.activeElems, d)
	switch d.Type() {
	case InNetwork:
		s.inNetworkCount--
		panicif.True(s.inNetworkCount < 0)
	case Store:
		s.storeCount--
		panicif.True(s.storeCount < 0)
	}
	return true
}

func (s *Scheduler) removeWaitingLocked(d Downloader) bool {
	e, ok := s.waitingElems[d]
	if !ok {
		return false
	}
	s.waiting.Remove(e)
	delete(s.waitingElems, d)
	return true
}

// Remove takes d out of whichever list it's in. Completed downloads are cleaned up, others go
// to the back of the waiting list. Downloads that aren't listed are left alone, so it's safe to
// call more than once.
func (s *Scheduler) Remove(d Downloader, completed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	listed := s.removeActiveLocked(d)
	listed = s.removeWaitingLocked(d) || listed
	if !listed {
		return
	}
	if completed {
		s.cleanupLocked(d, true)
		return
	}
	s.waitingElems[d] = s.waiting.PushBack(d)
}

func (s *Scheduler) cleanupLocked(d Downloader, snapshot bool) {
	d.Finish()
	s.stats.Removed.Inc()
	if g := d.QueryGUID(); g.Ok && s.queries != nil {
		s.mu.Defer(func() { s.queries.DownloadFinished(g.Value) })
	}
	s.mu.Defer(func() { s.callback.RemoveDownload(d) })
	if snapshot {
		s.goWriteSnapshot()
	}
	if s.active.Len() == 0 && s.waiting.Len() == 0 {
		s.mu.Defer(s.callback.DownloadsComplete)
	}
}

// BumpPriority moves a waiting download up or down by amount places. An amount of zero moves it
// to the front or back.
func (s *Scheduler) BumpPriority(d Downloader, up bool, amount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.waitingElems[d]
	if !ok {
		return
	}
	idx := 0
	for o := s.waiting.Front(); o != e; o = o.Next() {
		idx++
	}
	if up {
		if amount == 0 || amount > idx {
			amount = idx
		}
		if amount == 0 {
			return
		}
		s.waiting.MoveBefore(e, s.waitingAtLocked(idx-amount))
		return
	}
	last := s.waiting.Len() - 1
	target := last
	if amount != 0 {
		target = min(idx+amount, last)
	}
	if target == idx {
		return
	}
	s.waiting.MoveAfter(e, s.waitingAtLocked(target))
}

func (s *Scheduler) waitingAtLocked(i int) *list.Element[Downloader] {
	e := s.waiting.Front()
	for ; i > 0; i-- {
		e = e.Next()
	}
	return e
}

// LoadResult summarizes reading a snapshot.
type LoadResult struct {
	// Entries in the snapshot, including ones that failed.
	Read   int
	Loaded int
	Failed int
}

func (r LoadResult) NoneRead() bool {
	return r.Read == 0
}

func (r LoadResult) SomeFailed() bool {
	return r.Failed != 0
}

func (r LoadResult) AllFailed() bool {
	return r.Read != 0 && r.Failed == r.Read
}

// WriteSnapshot replaces the stored snapshot with all active and waiting downloads, in order.
func (s *Scheduler) WriteSnapshot(ctx context.Context) (err error) {
	if s.cfg.Store == nil {
		return nil
	}
	_, span := tracer.Start(ctx, "download.Scheduler.WriteSnapshot")
	defer span.End()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ds := s.All()
	ms := make([]memento.Memento, 0, len(ds))
	for _, d := range ds {
		ms = append(ms, d.Memento())
	}
	span.SetAttributes(attribute.Int("download.count", len(ms)))
	raw, err := memento.EncodeAll(ms)
	if err == nil {
		err = s.cfg.Store.Write(raw)
	}
	if err != nil {
		s.stats.SnapshotFailures.Inc()
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("writing download snapshot: %w", err)
	}
	s.stats.SnapshotWrites.Inc()
	return nil
}

// Checkpoint writes a snapshot if there are any downloads.
func (s *Scheduler) Checkpoint(ctx context.Context) error {
	if s.DownloadsInProgress() == 0 {
		return nil
	}
	return s.WriteSnapshot(ctx)
}

// LoadSnapshot restores the downloads in the stored snapshot to the waiting list. Entries that
// can't be restored are counted in the result rather than failing the load.
func (s *Scheduler) LoadSnapshot(ctx context.Context) (res LoadResult, err error) {
	if s.cfg.Store == nil {
		return
	}
	ctx, span := tracer.Start(ctx, "download.Scheduler.LoadSnapshot")
	defer span.End()
	raw, err := s.cfg.Store.Read()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.logger.Levelf(log.Error, "reading download snapshot: %v", err)
		return
	}
	res.Read = len(raw)
	ms, errs := memento.DecodeAll(raw)
	res.Failed = len(errs)
	for _, err := range errs {
		s.logger.Levelf(log.Error, "decoding download snapshot: %v", err)
	}
	rewrite := false
	seen := make(map[string]bool, len(ms))
	var loaded []string
	for _, m := range ms {
		if seen[m.SaveFile] {
			rewrite = true
			continue
		}
		seen[m.SaveFile] = true
		d, err := s.restore(m)
		if err != nil {
			s.logger.Levelf(log.Error, "restoring %v: %v", m, err)
			res.Failed++
			continue
		}
		res.Loaded++
		loaded = append(loaded, d.IncompleteFile())
	}
	s.stats.RestoreFailures.Add(float64(res.Failed))
	if s.incomplete.InitialPurge(loaded) {
		rewrite = true
	}
	span.SetAttributes(
		attribute.Int("download.read", res.Read),
		attribute.Int("download.loaded", res.Loaded),
		attribute.Int("download.failed", res.Failed),
	)
	if rewrite {
		if err := s.WriteSnapshot(ctx); err != nil {
			s.logger.Levelf(log.Warning, "%v", err)
		}
	}
	return res, nil
}

func (s *Scheduler) restore(m memento.Memento) (Downloader, error) {
	p, err := ParamsFromMemento(m)
	if err != nil {
		return nil, err
	}
	if p.IncompleteFile != "" {
		es := make([]ranges.Extent, 0, len(m.Ranges))
		for _, r := range m.Ranges {
			es = append(es, ranges.Extent{Start: r.Start, Length: r.Length})
		}
		s.incomplete.Restore(p.IncompleteFile, p.SHA1, es)
	}
	d, err := s.factory.NewDownloader(p)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initializeLocked(d, false)
	return d, nil
}

// DownloadsInProgress counts active and waiting downloads.
func (s *Scheduler) DownloadsInProgress() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.Len() + s.waiting.Len()
}

// NumActiveDownloads doesn't count in-network downloads.
func (s *Scheduler) NumActiveDownloads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.Len() - s.inNetworkCount
}

func (s *Scheduler) NumWaitingDownloads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting.Len()
}

func (s *Scheduler) find(f func(Downloader) bool) (Downloader, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for d := range s.allLocked() {
		if f(d) {
			return d, true
		}
	}
	return nil, false
}

func (s *Scheduler) DownloaderForURN(u urn.URN) (Downloader, bool) {
	return s.find(func(d Downloader) bool { return d.SHA1() == u })
}

func (s *Scheduler) DownloaderForIncompleteFile(path string) (Downloader, bool) {
	return s.find(func(d Downloader) bool { return d.ConflictsWithIncompleteFile(path) })
}

// IsGUIDForQueryDownloading reports whether a download came from the query with guid.
func (s *Scheduler) IsGUIDForQueryDownloading(guid GUID) bool {
	_, ok := s.find(func(d Downloader) bool {
		g := d.QueryGUID()
		return g.Ok && g.Value == guid
	})
	return ok
}

func (s *Scheduler) IsSaveLocationTaken(path string) bool {
	_, ok := s.find(func(d Downloader) bool { return d.ConflictsSaveFile(path) })
	return ok
}

// IsIncomplete reports whether there's partial content for u.
func (s *Scheduler) IsIncomplete(u urn.URN) bool {
	_, ok := s.incomplete.FileForURN(u)
	return ok
}

func (s *Scheduler) IsActivelyDownloading(u urn.URN) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for e := s.active.Front(); e != nil; e = e.Next() {
		if e.Value.SHA1() == u {
			return true
		}
	}
	return false
}

func (s *Scheduler) HasInNetworkDownload() bool {
	_, ok := s.find(func(d Downloader) bool { return d.Type() == InNetwork })
	return ok
}

func (s *Scheduler) HasStoreDownload() bool {
	_, ok := s.find(func(d Downloader) bool { return d.Type() == Store })
	return ok
}

// KillDownloadersNotListed stops in-network downloads for content that's no longer wanted.
func (s *Scheduler) KillDownloadersNotListed(wanted []urn.URN) {
	var kill []Downloader
	s.mu.Lock()
	for d := range s.allLocked() {
		if d.Type() == InNetwork && !slices.Contains(wanted, d.SHA1()) {
			kill = append(kill, d)
		}
	}
	s.mu.Unlock()
	for _, d := range kill {
		s.logger.Levelf(log.Debug, "stopping unwanted %v", d)
		d.Stop()
	}
}

// ClearAllDownloads stops and forgets every download.
func (s *Scheduler) ClearAllDownloads() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []Downloader
	for d := range s.allLocked() {
		all = append(all, d)
	}
	for _, d := range all {
		d.Stop()
		s.removeActiveLocked(d)
		s.removeWaitingLocked(d)
		s.cleanupLocked(d, false)
	}
	if len(all) != 0 {
		s.goWriteSnapshot()
	}
}

// MeasureBandwidth samples each active download, other than in-network ones, and folds the sum
// of their averages into the running average.
func (s *Scheduler) MeasureBandwidth() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total float64
	measured := false
	for e := s.active.Front(); e != nil; e = e.Next() {
		d := e.Value
		if d.Type() == InNetwork {
			continue
		}
		measured = true
		d.MeasureBandwidth()
		total += d.AverageBandwidth()
	}
	if measured {
		s.averageBandwidth = (s.averageBandwidth*float64(s.numMeasures) + total) /
			float64(s.numMeasures+1)
		s.numMeasures++
	}
}

// MeasuredBandwidth is the current download rate in KiB/s, not counting in-network downloads.
// Downloads without enough data count as zero.
func (s *Scheduler) MeasuredBandwidth() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total float64
	for e := s.active.Front(); e != nil; e = e.Next() {
		d := e.Value
		if d.Type() == InNetwork {
			continue
		}
		if bw, err := d.MeasuredBandwidth(); err == nil {
			total += bw
		}
	}
	s.lastMeasured = total
	return total
}

func (s *Scheduler) AverageBandwidth() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.averageBandwidth
}

// LastMeasuredBandwidth is what MeasuredBandwidth last returned.
func (s *Scheduler) LastMeasuredBandwidth() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMeasured
}

// All returns active downloads followed by waiting ones, each in list order.
func (s *Scheduler) All() []Downloader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Collect(s.allLocked())
}

func (s *Scheduler) Active() []Downloader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return collect(&s.active)
}

func (s *Scheduler) Waiting() []Downloader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return collect(&s.waiting)
}

func collect(l *list.List[Downloader]) (ret []Downloader) {
	for e := l.Front(); e != nil; e = e.Next() {
		ret = append(ret, e.Value)
	}
	return
}
