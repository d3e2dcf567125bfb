// Package slots hands out upload slots and keeps the queue of requesters waiting for one.
package slots

import (
	"slices"

	"github.com/anacrolix/multiless"
	"github.com/anacrolix/sync"

	"github.com/anacrolix/gnutella/bandwidth"
)

// Requester is something competing for a slot, usually an upload session. Compared by identity.
type Requester interface {
	Host() string
	bandwidth.Measurer
}

// Results of PollForSlot other than a positive queue position.
const (
	Rejected = -1
	Accepted = 0
)

type entry struct {
	r        Requester
	priority bool
	// Arrival order, for FIFO among equal priority.
	seq int64
}

func (l *entry) less(r *entry) bool {
	return multiless.New().Bool(r.priority, l.priority).Int64(l.seq, r.seq).Less()
}

type Manager struct {
	mu        sync.Mutex
	maxSlots  int
	queueSize int
	active    []*entry
	queued    []*entry
	nextSeq   int64
}

func New(maxSlots, queueSize int) *Manager {
	return &Manager{maxSlots: maxSlots, queueSize: queueSize}
}

// SetLimits applies new limits. Existing holders keep their slots.
func (me *Manager) SetLimits(maxSlots, queueSize int) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.maxSlots = maxSlots
	me.queueSize = queueSize
}

// HasHTTPSlot reports whether one more transfer fits given current transfers in progress.
func (me *Manager) HasHTTPSlot(current int) bool {
	me.mu.Lock()
	defer me.mu.Unlock()
	return current < me.maxSlots
}

func indexOf(es []*entry, r Requester) int {
	return slices.IndexFunc(es, func(e *entry) bool { return e.r == r })
}

func (me *Manager) freeSlots() int {
	return max(me.maxSlots-len(me.active), 0)
}

// PollForSlot returns Accepted if r holds a slot, a 1-based queue position if r is waiting, or
// Rejected if r can't be served and can't (or may not) queue.
func (me *Manager) PollForSlot(r Requester, queue, highPriority bool) int {
	me.mu.Lock()
	defer me.mu.Unlock()
	if indexOf(me.active, r) >= 0 {
		return Accepted
	}
	pos := indexOf(me.queued, r)
	if pos < 0 {
		e := &entry{r: r, priority: highPriority, seq: me.nextSeq}
		me.nextSeq++
		pos, _ = slices.BinarySearchFunc(me.queued, e, func(a, b *entry) int {
			if a.less(b) {
				return -1
			}
			return 1
		})
		me.queued = slices.Insert(me.queued, pos, e)
		if pos >= me.freeSlots() && (!queue || len(me.queued) > me.queueSize) {
			me.queued = slices.Delete(me.queued, pos, pos+1)
			return Rejected
		}
	}
	if pos < me.freeSlots() {
		e := me.queued[pos]
		me.queued = slices.Delete(me.queued, pos, pos+1)
		me.active = append(me.active, e)
		return Accepted
	}
	return pos + 1
}

// PositionInQueue is r's 0-based index in the queue, or -1 if r isn't queued.
func (me *Manager) PositionInQueue(r Requester) int {
	me.mu.Lock()
	defer me.mu.Unlock()
	return indexOf(me.queued, r)
}

// CancelRequest forgets r whether it holds a slot or is queued.
func (me *Manager) CancelRequest(r Requester) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.active = slices.DeleteFunc(me.active, func(e *entry) bool { return e.r == r })
	me.queued = slices.DeleteFunc(me.queued, func(e *entry) bool { return e.r == r })
}

// RequestDone releases r's slot. Queue membership is kept since queueing is per connection.
func (me *Manager) RequestDone(r Requester) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.active = slices.DeleteFunc(me.active, func(e *entry) bool { return e.r == r })
}

// NumUsersForHost counts slot holders and queued requesters from host.
func (me *Manager) NumUsersForHost(host string) (n int) {
	me.mu.Lock()
	defer me.mu.Unlock()
	for _, es := range [][]*entry{me.active, me.queued} {
		for _, e := range es {
			if e.r.Host() == host {
				n++
			}
		}
	}
	return
}

func (me *Manager) NumQueued() int {
	me.mu.Lock()
	defer me.mu.Unlock()
	return len(me.queued)
}

func (me *Manager) NumActive() int {
	me.mu.Lock()
	defer me.mu.Unlock()
	return len(me.active)
}

func (me *Manager) activeRequesters() []Requester {
	me.mu.Lock()
	defer me.mu.Unlock()
	rs := make([]Requester, 0, len(me.active))
	for _, e := range me.active {
		rs = append(rs, e.r)
	}
	return rs
}

// MeasureBandwidth samples every slot holder. Done outside the lock since requesters have
// their own synchronization.
func (me *Manager) MeasureBandwidth() {
	for _, r := range me.activeRequesters() {
		r.MeasureBandwidth()
	}
}

// MeasuredBandwidth sums the measured rates of slot holders in KiB/s.
func (me *Manager) MeasuredBandwidth() (float64, error) {
	var sum float64
	ok := false
	for _, r := range me.activeRequesters() {
		bw, err := r.MeasuredBandwidth()
		if err != nil {
			continue
		}
		sum += bw
		ok = true
	}
	if !ok {
		return 0, bandwidth.ErrInsufficientData
	}
	return sum, nil
}
