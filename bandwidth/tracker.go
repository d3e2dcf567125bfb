// Package bandwidth measures transfer throughput.
package bandwidth

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/anacrolix/sync"
)

// Returned when too few measurements have been taken to give a meaningful rate.
var ErrInsufficientData = errors.New("insufficient bandwidth data")

// Measurer is implemented by anything whose throughput is periodically sampled.
type Measurer interface {
	MeasureBandwidth()
	// In KiB/s. Returns ErrInsufficientData until enough samples exist.
	MeasuredBandwidth() (float64, error)
	AverageBandwidth() float64
}

const (
	defaultHistory         = 10
	defaultMinMeasurements = 3
)

// Tracker turns a running byte count into rolling rate samples. Count may be called from the
// transfer goroutine while Measure is driven by a timer elsewhere.
type Tracker struct {
	// Defaults to time.Now.
	Now func() time.Time

	total atomic.Int64

	mu          sync.Mutex
	lastTime    time.Time
	lastTotal   int64
	history     []float64
	next        int
	numMeasures int
	average     float64
}

var _ Measurer = (*Tracker)(nil)

func (me *Tracker) now() time.Time {
	if me.Now != nil {
		return me.Now()
	}
	return time.Now()
}

// Count records n more bytes transferred.
func (me *Tracker) Count(n int64) {
	me.total.Add(n)
}

func (me *Tracker) Total() int64 {
	return me.total.Load()
}

func (me *Tracker) MeasureBandwidth() {
	now := me.now()
	total := me.total.Load()
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.lastTime.IsZero() {
		me.lastTime = now
		me.lastTotal = total
		return
	}
	elapsed := now.Sub(me.lastTime)
	if elapsed <= 0 {
		return
	}
	// 1KB=1000B, which is close enough for scheduling decisions.
	rate := float64(total-me.lastTotal) / 1000 / elapsed.Seconds()
	me.lastTime = now
	me.lastTotal = total
	if len(me.history) < defaultHistory {
		me.history = append(me.history, rate)
	} else {
		me.history[me.next] = rate
		me.next = (me.next + 1) % defaultHistory
	}
	me.average = (me.average*float64(me.numMeasures) + rate) / float64(me.numMeasures+1)
	me.numMeasures++
}

func (me *Tracker) MeasuredBandwidth() (float64, error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	if len(me.history) < defaultMinMeasurements {
		return 0, ErrInsufficientData
	}
	var sum float64
	for _, r := range me.history {
		sum += r
	}
	return sum / float64(len(me.history)), nil
}

func (me *Tracker) AverageBandwidth() float64 {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.average
}
