// Package upload decides which remote requests for shared files get served, queued, rejected or
// banned, and tracks the uploads in progress.
package upload

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"
	list "github.com/bahlo/generic-list-go"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/anacrolix/gnutella/bandwidth"
	"github.com/anacrolix/gnutella/internal/deferlock"
	"github.com/anacrolix/gnutella/library"
	"github.com/anacrolix/gnutella/slots"
	"github.com/anacrolix/gnutella/urn"
)

// Returned by Enqueue when a queued requester polls before the minimum poll interval. The
// connection should be dropped.
var ErrCameBackTooSoon = errors.New("came back too soon")

var tracer = otel.Tracer("gnutella.upload")

// SlotManager hands out upload slots and queue positions. Implemented by *slots.Manager.
type SlotManager interface {
	HasHTTPSlot(current int) bool
	PollForSlot(r slots.Requester, queue, highPriority bool) int
	PositionInQueue(r slots.Requester) int
	CancelRequest(r slots.Requester)
	RequestDone(r slots.Requester)
	NumUsersForHost(host string) int
	NumQueued() int
	MeasureBandwidth()
	MeasuredBandwidth() (float64, error)
}

var _ SlotManager = (*slots.Manager)(nil)

// FileIndex is the view of shared files uploads need. Implemented by *library.Library.
type FileIndex interface {
	FileDescForURN(u urn.URN) *library.FileDesc
	FileDescForFile(path string) *library.FileDesc
	IsVerified(fd *library.FileDesc) bool
	// Must not block.
	Validate(fd *library.FileDesc)
	IncrementAttemptedUploads(fd *library.FileDesc)
	IncrementCompletedUploads(fd *library.FileDesc)
}

var _ FileIndex = (*library.Library)(nil)

// Callback is told about uploads coming and going. Never called with the Manager's lock held.
type Callback interface {
	AddUpload(u *Uploader)
	RemoveUpload(u *Uploader)
	// There are no more uploads in progress.
	UploadsComplete()
	HandleSharedFileUpdate(path string)
}

type Config struct {
	// Declared connection speed in kbit/s.
	ConnectionSpeed int
	// Percentage of the connection given to uploads. 100 means unlimited.
	UploadSpeedPercent int
	// Maximum concurrent uploads to (and queued requests from) one host.
	UploadsPerPerson    int
	AllowPartialSharing bool
	// Queued requesters polling more often than this are dropped.
	QueueMinPollTime time.Duration
	// Queued requesters are expected to poll within this.
	QueueMaxPollTime time.Duration
	// Suggested wait sent with limit reached responses.
	RetryAfter time.Duration
	// Upstream used by other subsystems in KiB/s, taken out of the upload budget when uploads are
	// limited. Optional.
	OtherUpstream func() float64
	// Defaults to time.Now.
	Now        func() time.Time
	Logger     log.Logger
	Registerer prometheus.Registerer
}

// Manager is the upload admission controller. All of its state is behind one lock; admission
// decisions don't block, and transfers happen outside the lock.
type Manager struct {
	cfg      Config
	logger   log.Logger
	slots    SlotManager
	files    FileIndex
	callback Callback
	stats    *Stats
	limiter  *rate.Limiter
	speeds   bandwidth.SpeedSamples

	mu       deferlock.Mutex
	requests *requestCache
	active   list.List[*Uploader]
	elements map[*Uploader]*list.Element[*Uploader]
	// Active forced uploaders. They hold no slot so they're measured separately.
	forced           map[*Uploader]struct{}
	hadSuccessful    bool
	numMeasures      int
	averageBandwidth float64
	lastMeasured     float64
}

func NewManager(cfg Config, slots SlotManager, files FileIndex, callback Callback) (*Manager, error) {
	if slots == nil {
		return nil, errors.New("nil slot manager")
	}
	if files == nil {
		return nil, errors.New("nil file index")
	}
	if callback == nil {
		return nil, errors.New("nil callback")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.OtherUpstream == nil {
		cfg.OtherUpstream = func() float64 { return 0 }
	}
	m := &Manager{
		cfg:      cfg,
		logger:   cfg.Logger.WithNames("upload"),
		slots:    slots,
		files:    files,
		callback: callback,
		stats:    NewStats(cfg.Registerer),
		requests: newRequestCache(RequestCacheSize),
		elements: make(map[*Uploader]*list.Element[*Uploader]),
		forced:   make(map[*Uploader]struct{}),
	}
	m.limiter = rate.NewLimiter(m.uploadLimit(), limiterBurst)
	return m, nil
}

func (m *Manager) Stats() *Stats {
	return m.stats
}

// Limiter paces content written by all uploads.
func (m *Manager) Limiter() *rate.Limiter {
	return m.limiter
}

// GetOrCreateUploader returns a new Uploader for a request on s. If the request is for the same
// file with the same method as the previous one, the new Uploader continues it and keeps its
// admission. Otherwise the previous Uploader is finished first.
func (m *Manager) GetOrCreateUploader(s *Session, kind Kind, fileName, method string) *Uploader {
	if method == "HEAD" {
		kind = HeadRequest
	}
	old := s.Uploader()
	if old == nil {
		u := newUploader(s, kind, fileName, method, m.cfg.Now)
		s.setUploader(u)
		return u
	}
	if old.fileName == fileName && old.method == method && old.State() != Interrupted {
		u := old.continuation(kind)
		m.replaceActive(old, u)
		s.setUploader(u)
		old.mu.Lock()
		old.cleanedUp = true
		visible := old.visible
		old.mu.Unlock()
		// The listing follows the Uploader that now represents the transfer.
		if visible {
			m.callback.RemoveUpload(old)
			m.callback.AddUpload(u)
		}
		return u
	}
	m.slots.RequestDone(s)
	// Queueing is per connection, so the queue position is kept for the new file, but the old
	// request never got served.
	if s.IsQueued() {
		old.setState(Interrupted)
	} else if !old.State().IsDone() {
		old.setState(Complete)
	}
	m.CleanupFinishedUploader(old)
	u := newUploader(s, kind, fileName, method, m.cfg.Now)
	s.setUploader(u)
	return u
}

func (m *Manager) replaceActive(old, u *Uploader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.elements[old]
	if !ok {
		return
	}
	e.Value = u
	delete(m.elements, old)
	m.elements[u] = e
	if _, ok := m.forced[old]; ok {
		delete(m.forced, old)
		m.forced[u] = struct{}{}
	}
}

func (m *Manager) shouldBypassQueue(u *Uploader) bool {
	return u.State() != Connecting || u.method == "HEAD" || u.IsForcedShare()
}

// Enqueue runs admission for the current Uploader of s. The only error is ErrCameBackTooSoon,
// returned with StatusBanned.
func (m *Manager) Enqueue(ctx context.Context, s *Session) (status QueueStatus, err error) {
	u := s.Uploader()
	panicif.True(u == nil)
	_, span := tracer.Start(
		ctx,
		"upload.Manager.Enqueue",
		trace.WithAttributes(
			attribute.String("upload.host", s.Host()),
			attribute.String("upload.file", u.FileName()),
			attribute.Bool("upload.local", s.IsLocal()),
		),
	)
	defer span.End()
	switch {
	case m.shouldBypassQueue(u):
		status = StatusBypass
	case s.IsLocal():
		status = StatusAccepted
	default:
		status, err = m.checkAndQueue(s, u)
	}
	s.setQueueStatus(status)
	span.SetAttributes(attribute.String("upload.queue_status", status.String()))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	m.logger.Levelf(log.Debug, "enqueued %v", s)
	return
}

func (m *Manager) checkAndQueue(s *Session, u *Uploader) (QueueStatus, error) {
	now := m.cfg.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	rc := m.requests.touch(s.Host(), now)
	rc.countRequest(now)
	if rc.isHammering() {
		m.logger.Levelf(log.Warning, "banning %v: hammering", u)
		return StatusBanned, nil
	}
	fd := u.FileDesc()
	panicif.True(fd == nil)
	if !m.files.IsVerified(fd) {
		m.files.Validate(fd)
	}
	sha1 := fd.SHA1()
	if rc.isDupe(sha1) {
		return StatusRejected, nil
	}
	// Polls from queued requesters don't count against the host limit again.
	if m.slots.PositionInQueue(s) == -1 && m.hostLimitReached(s.Host()) {
		m.logger.Levelf(log.Debug, "host limit reached for %v", s.Host())
		m.stats.LimitReachedGreedy.Inc()
		return StatusRejected, nil
	}
	u.mu.Lock()
	supportsQueueing := u.supportsQueueing
	u.mu.Unlock()
	queued := m.slots.PollForSlot(s, supportsQueueing, fd.IsPriorityShare())
	m.logger.Levelf(log.Debug, "%v queued at %v", s.Host(), queued)
	if queued == slots.Rejected {
		return StatusRejected, nil
	}
	if queued > 0 && s.poll(now, m.cfg.QueueMinPollTime) {
		m.slots.CancelRequest(s)
		m.stats.TooSoon.Inc()
		return StatusBanned, ErrCameBackTooSoon
	}
	if queued > 0 {
		return StatusQueued, nil
	}
	rc.startedUpload(sha1)
	return StatusAccepted, nil
}

func (m *Manager) hostLimitReached(host string) bool {
	return m.slots.NumUsersForHost(host) >= m.cfg.UploadsPerPerson
}

// HandleRequest resolves a request for a shared file on s into an Uploader in its response state.
// The error is ErrCameBackTooSoon, in which case the connection should be closed.
func (m *Manager) HandleRequest(ctx context.Context, s *Session, req Request) (*Uploader, error) {
	fd := m.files.FileDescForURN(req.URN)
	if fd == nil {
		u := m.GetOrCreateUploader(s, InvalidURN, "Invalid URN query", req.Method)
		u.setState(FileNotFound)
		m.stats.countResponse(FileNotFound)
		m.SendResponse(u)
		return u, nil
	}
	kind := SharedFile
	if fd.IsForcedShare() {
		kind = ForcedShare
	}
	u := m.GetOrCreateUploader(s, kind, fd.Name(), req.Method)
	u.setRequest(fd, req)
	m.setStateOffHeaders(u)
	var err error
	if u.State() == Connecting {
		if !u.isAccepted() {
			var status QueueStatus
			status, err = m.Enqueue(ctx, s)
			switch status {
			case StatusRejected:
				u.setState(LimitReached)
			case StatusBanned:
				u.setState(BannedGreedy)
			case StatusQueued:
				u.setState(Queued)
			case StatusAccepted, StatusBypass:
				m.AddAcceptedUploader(u)
			}
		}
		if u.isAccepted() {
			u.setState(Uploading)
		}
	}
	m.stats.countResponse(u.State())
	m.SendResponse(u)
	return u, err
}

// setStateOffHeaders moves a connecting Uploader to a response state if the request can't be
// served as asked.
func (m *Manager) setStateOffHeaders(u *Uploader) {
	if u.State() != Connecting {
		return
	}
	u.mu.Lock()
	fd := u.fd
	requested := u.requestedURN
	thex := u.thex
	rangeRequested := u.rangeRequested
	extent := u.extent
	u.mu.Unlock()
	if !requested.IsZero() && !fd.ContainsURN(requested) {
		m.logger.Levelf(log.Debug, "%v: wrong content urn", u)
		u.setState(FileNotFound)
		return
	}
	if thex {
		// Partial files have no trustworthy tree.
		if fd.HasHashTree() && !fd.IsIncomplete() {
			u.setState(ThexRequest)
		} else {
			u.setState(FileNotFound)
		}
		return
	}
	if fd.IsIncomplete() && !m.cfg.AllowPartialSharing {
		u.setState(FileNotFound)
		return
	}
	if !rangeRequested {
		if !fd.IsRangeSatisfiable(extent) {
			u.setState(UnavailableRange)
		}
		return
	}
	// Shrink the request to what's available.
	avail, ok := fd.AvailableSubRange(extent)
	if !ok {
		u.setState(UnavailableRange)
		return
	}
	u.mu.Lock()
	u.extent = avail
	u.mu.Unlock()
}

// AddAcceptedUploader tracks u as in progress and starts its transfer clock.
func (m *Manager) AddAcceptedUploader(u *Uploader) {
	now := m.cfg.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.elements[u]; ok {
		return
	}
	if u.IsForcedShare() {
		m.forced[u] = struct{}{}
	}
	m.elements[u] = m.active.PushBack(u)
	u.mu.Lock()
	u.accepted = true
	u.startTime = now
	u.mu.Unlock()
}

// SendResponse notes that a response for u is going out. The first response for an upload counts
// an attempt and makes it visible to the callback.
func (m *Manager) SendResponse(u *Uploader) {
	u.mu.Lock()
	u.responsePending = true
	visible := u.visible
	u.visible = true
	fd := u.fd
	u.mu.Unlock()
	if visible {
		return
	}
	m.stats.Attempted.Inc()
	m.callback.AddUpload(u)
	if !u.kind.IsInternal() && fd != nil {
		m.files.IncrementAttemptedUploads(fd)
		m.callback.HandleSharedFileUpdate(fd.Path())
	}
}

// ResponseSent is called by the connection layer after a response has been written on s.
func (m *Manager) ResponseSent(s *Session) {
	if u := s.Uploader(); u != nil {
		u.mu.Lock()
		pending := u.responsePending
		u.responsePending = false
		u.mu.Unlock()
		// Queued uploaders stay queued until the next poll or the connection closes.
		if pending && u.State() != Queued {
			u.setState(Complete)
		}
	}
	if s.IsQueued() {
		s.setPollTimeout(m.cfg.QueueMaxPollTime)
	}
}

// ConnectionClosed releases everything held by s.
func (m *Manager) ConnectionClosed(s *Session) {
	u := s.Uploader()
	if u == nil {
		return
	}
	m.logger.Levelf(log.Debug, "closing %v", s)
	stillInQueue := m.slots.PositionInQueue(s) > -1
	m.slots.CancelRequest(s)
	if stillInQueue {
		u.setState(Interrupted)
	} else if !u.State().IsDone() {
		u.setState(Complete)
	}
	m.CleanupFinishedUploader(u)
	s.setUploader(nil)
}

// CleanupFinishedUploader accounts for a finished Uploader. Safe to call more than once.
func (m *Manager) CleanupFinishedUploader(u *Uploader) {
	finish := m.cfg.Now()
	u.mu.Lock()
	if u.cleanedUp {
		u.mu.Unlock()
		return
	}
	u.cleanedUp = true
	state := u.state
	lastState := u.lastTransferState
	start := u.startTime
	fd := u.fd
	u.mu.Unlock()

	m.mu.Lock()
	if !start.IsZero() {
		m.speeds.Report(finish.Sub(start), u.TotalUploaded())
	}
	m.removeFromList(u)
	delete(m.forced, u)
	transferred := state == Complete && lastState.IsTransfer()
	if transferred {
		m.hadSuccessful = true
	}
	m.mu.Unlock()

	switch state {
	case Complete:
		m.stats.Completed.Inc()
		if transferred {
			m.stats.CompletedFile.Inc()
		}
	case Interrupted:
		m.stats.Interrupted.Inc()
	}
	if !u.kind.IsInternal() && fd != nil && transferred {
		m.files.IncrementCompletedUploads(fd)
		m.callback.HandleSharedFileUpdate(fd.Path())
	}
	m.callback.RemoveUpload(u)
}

// Must be called with the lock held.
func (m *Manager) removeFromList(u *Uploader) {
	e, ok := m.elements[u]
	if !ok {
		return
	}
	m.active.Remove(e)
	delete(m.elements, u)
	// Another request for the same file from the host is fine now.
	if rc, ok := m.requests.peek(u.Host()); ok {
		if fd := u.FileDesc(); fd != nil {
			rc.uploadDone(fd.SHA1())
		}
	}
	if m.active.Len() == 0 {
		m.mu.Defer(m.callback.UploadsComplete)
	}
}

// KillUploadsForFileDesc stops every active upload of fd. Returns whether there were any.
func (m *Manager) KillUploadsForFileDesc(fd *library.FileDesc) (killed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for e := m.active.Front(); e != nil; e = e.Next() {
		if e.Value.FileDesc() == fd {
			e.Value.Stop()
			killed = true
		}
	}
	return
}

// ReleaseLock stops uploads of the file at path so it can be modified or removed.
func (m *Manager) ReleaseLock(path string) bool {
	fd := m.files.FileDescForFile(path)
	if fd == nil {
		return false
	}
	return m.KillUploadsForFileDesc(fd)
}

// UploadsInProgress counts active uploads that use slots.
func (m *Manager) UploadsInProgress() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploadsInProgress()
}

func (m *Manager) uploadsInProgress() int {
	return m.active.Len() - len(m.forced)
}

func (m *Manager) NumQueuedUploads() int {
	return m.slots.NumQueued()
}

// IsServiceable reports whether a new request would get a slot right away.
func (m *Manager) IsServiceable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots.HasHTTPSlot(m.uploadsInProgress() + m.slots.NumQueued())
}

func (m *Manager) PositionInQueue(s *Session) int {
	return m.slots.PositionInQueue(s)
}

func (m *Manager) IsConnectedTo(host string) bool {
	if m.slots.NumUsersForHost(host) > 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for e := m.active.Front(); e != nil; e = e.Next() {
		if e.Value.Host() == host {
			return true
		}
	}
	return false
}

// HadSuccessfulUpload reports whether any file has been fully uploaded since start.
func (m *Manager) HadSuccessfulUpload() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hadSuccessful
}

// Uploaders returns the active uploaders in the order they were accepted.
func (m *Manager) Uploaders() (ret []*Uploader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for e := m.active.Front(); e != nil; e = e.Next() {
		ret = append(ret, e.Value)
	}
	return
}

// Upload budget in KB/s.
func (m *Manager) totalBandwidth() float64 {
	return float64(m.cfg.ConnectionSpeed) / 8 * float64(m.cfg.UploadSpeedPercent) / 100
}

// CalculateBandwidth is each upload's share of the budget in KB/s. With no uploads in progress
// it's the whole budget.
func (m *Manager) CalculateBandwidth() int {
	n := m.UploadsInProgress()
	total := m.totalBandwidth()
	if n <= 0 {
		return int(total)
	}
	return int(total / float64(n))
}

// UploadSpeed is the upload rate limit in bytes per second. Limited uploads never go below 1KiB/s
// so a bad configuration can't stall them completely.
func (m *Manager) UploadSpeed() float64 {
	if m.cfg.UploadSpeedPercent >= 100 {
		return math.MaxFloat32
	}
	return max(m.totalBandwidth()-m.cfg.OtherUpstream(), 1) * 1024
}

const limiterBurst = 64 << 10

func (m *Manager) uploadLimit() rate.Limit {
	if m.cfg.UploadSpeedPercent >= 100 {
		return rate.Inf
	}
	return rate.Limit(m.UploadSpeed())
}

// MeasuredUploadSpeed is the fastest recent sizeable upload in kbit/s, or
// bandwidth.UnknownSpeed until there have been enough of them.
func (m *Manager) MeasuredUploadSpeed() int {
	return m.speeds.Highest()
}

// MeasureBandwidth samples all uploads, and updates the rate limit for changes in other upstream
// usage.
func (m *Manager) MeasureBandwidth() {
	m.slots.MeasureBandwidth()
	for _, u := range m.forcedUploaders() {
		u.MeasureBandwidth()
	}
	m.limiter.SetLimit(m.uploadLimit())
}

func (m *Manager) forcedUploaders() (ret []*Uploader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for u := range m.forced {
		ret = append(ret, u)
	}
	return
}

// MeasuredBandwidth is the total upload rate in KiB/s. Uploads without enough samples count as
// zero.
func (m *Manager) MeasuredBandwidth() float64 {
	var bw float64
	if v, err := m.slots.MeasuredBandwidth(); err == nil {
		bw += v
	}
	for _, u := range m.forcedUploaders() {
		if v, err := u.MeasuredBandwidth(); err == nil {
			bw += v
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.averageBandwidth = (m.averageBandwidth*float64(m.numMeasures) + bw) / float64(m.numMeasures+1)
	m.numMeasures++
	m.lastMeasured = bw
	return bw
}

func (m *Manager) AverageBandwidth() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.averageBandwidth
}

func (m *Manager) LastMeasuredBandwidth() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastMeasured
}

// HasActiveInternetTransfers reports whether slot holders are moving any data.
func (m *Manager) HasActiveInternetTransfers() bool {
	m.slots.MeasureBandwidth()
	bw, err := m.slots.MeasuredBandwidth()
	return err == nil && bw > 0
}
