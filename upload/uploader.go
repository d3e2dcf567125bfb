package upload

import (
	"fmt"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/chansync/events"
	"github.com/anacrolix/generics"
	"github.com/anacrolix/sync"
	"github.com/dustin/go-humanize"

	"github.com/anacrolix/gnutella/bandwidth"
	"github.com/anacrolix/gnutella/library"
	"github.com/anacrolix/gnutella/ranges"
	"github.com/anacrolix/gnutella/urn"
)

// Request is a parsed upload request.
type Request struct {
	// GET or HEAD.
	Method string
	URN    urn.URN
	// Asks for the THEX hash tree rather than the file content.
	Thex bool
	// Set if the request had a Range header.
	Range generics.Option[ByteRange]
	// The requester understands remote queueing.
	SupportsQueueing bool
}

// ByteRange is one range from an HTTP Range header.
type ByteRange struct {
	First int64
	// Inclusive. None is the rest of the file.
	Last generics.Option[int64]
	// Set for "bytes=-N", the final N bytes. First and Last are ignored.
	Suffix generics.Option[int64]
}

// Extent resolves the range against a file of size bytes. The result is empty if no byte of the
// file is in the range.
func (me ByteRange) Extent(size int64) ranges.Extent {
	if me.Suffix.Ok {
		return ranges.FromBounds(max(size-me.Suffix.Value, 0), size)
	}
	end := size
	if me.Last.Ok {
		end = min(me.Last.Value+1, size)
	}
	return ranges.FromBounds(me.First, end)
}

// Uploader is one request for a file on a Session. Every request gets a new Uploader. Once an
// Uploader is Complete or Interrupted it's never used again.
type Uploader struct {
	session  *Session
	fileName string
	method   string
	kind     Kind
	stopped  chansync.SetOnce

	mu                sync.Mutex
	fd                *library.FileDesc
	requestedURN      urn.URN
	thex              bool
	rangeRequested    bool
	extent            ranges.Extent
	supportsQueueing  bool
	state             State
	lastTransferState State
	accepted          bool
	startTime         time.Time
	// An attempt has been counted and the callback told about this upload.
	visible         bool
	responsePending bool
	cleanedUp       bool
	// Shared with the Uploader this continues, if any.
	tracker *bandwidth.Tracker
}

var _ bandwidth.Measurer = (*Uploader)(nil)

func newUploader(s *Session, kind Kind, fileName, method string, now func() time.Time) *Uploader {
	return &Uploader{
		session:  s,
		fileName: fileName,
		method:   method,
		kind:     kind,
		tracker:  &bandwidth.Tracker{Now: now},
	}
}

// continuation is the Uploader for a further request for the same file on the same connection.
// It keeps the admission and transfer accounting of me.
func (me *Uploader) continuation(kind Kind) *Uploader {
	me.mu.Lock()
	defer me.mu.Unlock()
	return &Uploader{
		session:   me.session,
		fileName:  me.fileName,
		method:    me.method,
		kind:      kind,
		fd:        me.fd,
		accepted:  me.accepted,
		startTime: me.startTime,
		visible:   me.visible,
		tracker:   me.tracker,
	}
}

func (me *Uploader) setRequest(fd *library.FileDesc, req Request) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.fd = fd
	me.requestedURN = req.URN
	me.thex = req.Thex
	me.supportsQueueing = req.SupportsQueueing
	me.rangeRequested = req.Range.Ok
	if req.Range.Ok {
		me.extent = req.Range.Value.Extent(fd.Size())
	} else {
		me.extent = ranges.Extent{Length: fd.Size()}
	}
}

// setState moves along the state machine. Returns false, leaving the state unchanged, for
// transitions that would go backwards.
func (me *Uploader) setState(to State) bool {
	me.mu.Lock()
	defer me.mu.Unlock()
	if !me.state.canTransition(to) {
		return false
	}
	if to.IsDone() {
		me.lastTransferState = me.state
	}
	me.state = to
	return true
}

func (me *Uploader) State() State {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.state
}

// LastTransferState is the state the Uploader was in before it finished.
func (me *Uploader) LastTransferState() State {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.lastTransferState
}

func (me *Uploader) Session() *Session {
	return me.session
}

func (me *Uploader) Host() string {
	return me.session.Host()
}

func (me *Uploader) FileName() string {
	return me.fileName
}

func (me *Uploader) Method() string {
	return me.method
}

func (me *Uploader) Kind() Kind {
	return me.kind
}

func (me *Uploader) IsForcedShare() bool {
	return me.kind == ForcedShare
}

func (me *Uploader) FileDesc() *library.FileDesc {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.fd
}

// Extent is the part of the file to send. It may be narrower than what was requested.
func (me *Uploader) Extent() ranges.Extent {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.extent
}

func (me *Uploader) RangeRequested() bool {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.rangeRequested
}

func (me *Uploader) isAccepted() bool {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.accepted
}

func (me *Uploader) StartTime() time.Time {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.startTime
}

// Stop asks the transfer to end. The transfer loop notices, marks the Uploader Interrupted and
// cleans up.
func (me *Uploader) Stop() {
	me.stopped.Set()
}

func (me *Uploader) Stopped() events.Done {
	return me.stopped.Done()
}

// CountUploaded records n more bytes of content sent.
func (me *Uploader) CountUploaded(n int64) {
	me.tracker.Count(n)
}

func (me *Uploader) TotalUploaded() int64 {
	return me.tracker.Total()
}

func (me *Uploader) MeasureBandwidth() {
	me.tracker.MeasureBandwidth()
}

func (me *Uploader) MeasuredBandwidth() (float64, error) {
	return me.tracker.MeasuredBandwidth()
}

func (me *Uploader) AverageBandwidth() float64 {
	return me.tracker.AverageBandwidth()
}

func (me *Uploader) String() string {
	return fmt.Sprintf(
		"%s %q for %v (%v, %s sent)",
		me.method, me.fileName, me.Host(), me.State(), humanize.Bytes(uint64(me.TotalUploaded())))
}
