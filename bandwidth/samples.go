package bandwidth

import (
	"time"

	"github.com/anacrolix/sync"
)

const (
	// Number of completed transfers considered when estimating capacity. Too few and a streak
	// of slow downloaders fools us, too many and quick transfers dominate before slots fill.
	MaxSpeedSamples = 5
	MinSpeedSamples = 5
	// Transfers smaller than this are mostly error responses and aborted requests.
	MinSampleBytes = 200_000
	// Reported by SpeedSamples.Highest until enough samples exist.
	UnknownSpeed = -1
)

// SpeedSamples keeps the rates of the last few sizeable transfers, in kbit/s.
type SpeedSamples struct {
	mu      sync.Mutex
	ring    [MaxSpeedSamples]int
	n       int
	next    int
	highest int
	// Set once highest has been computed at least once.
	known bool
}

// Report notes that bytes were transferred over elapsed. Returns false if the sample was
// discarded.
func (me *SpeedSamples) Report(elapsed time.Duration, bytes int64) bool {
	if bytes < MinSampleBytes {
		return false
	}
	ms := elapsed.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	// Bytes per millisecond is kilobytes per second with 1KB=1000B. Times 8 for kilobits.
	kbps := 8 * int(float64(bytes)/float64(ms))
	me.mu.Lock()
	defer me.mu.Unlock()
	me.ring[me.next] = kbps
	me.next = (me.next + 1) % MaxSpeedSamples
	if me.n < MaxSpeedSamples {
		me.n++
	}
	if me.n >= MinSpeedSamples {
		h := 0
		for _, s := range me.ring[:me.n] {
			h = max(h, s)
		}
		me.highest = h
		me.known = true
	}
	return true
}

// Highest is the fastest retained sample in kbit/s, or UnknownSpeed.
func (me *SpeedSamples) Highest() int {
	me.mu.Lock()
	defer me.mu.Unlock()
	if !me.known {
		return UnknownSpeed
	}
	return me.highest
}

func (me *SpeedSamples) Len() int {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.n
}
