package upload

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/anacrolix/gnutella/urn"
)

const (
	// Hosts tracked for hammering. The least recently seen host is forgotten first, along with
	// any ban history.
	RequestCacheSize = 250
	// No hammering verdict until a host has been observed this long.
	hammerObservationWindow = 30 * time.Second
	// A host averaging more than one request per interval is hammering.
	hammerMinRequestInterval = 5 * time.Second
)

// Per-host request history.
type requestCacheEntry struct {
	numRequests float64
	first, last time.Time
	// URNs currently being uploaded to the host.
	active map[urn.URN]struct{}
}

func newRequestCacheEntry(now time.Time) *requestCacheEntry {
	return &requestCacheEntry{
		first:  now,
		last:   now,
		active: make(map[urn.URN]struct{}),
	}
}

func (me *requestCacheEntry) countRequest(now time.Time) {
	me.numRequests++
	me.last = now
}

func (me *requestCacheEntry) isHammering() bool {
	observed := me.last.Sub(me.first)
	if observed <= hammerObservationWindow {
		return false
	}
	avg := float64(observed) / me.numRequests
	return avg < float64(hammerMinRequestInterval)
}

func (me *requestCacheEntry) isDupe(u urn.URN) bool {
	_, ok := me.active[u]
	return ok
}

func (me *requestCacheEntry) startedUpload(u urn.URN) {
	me.active[u] = struct{}{}
}

func (me *requestCacheEntry) uploadDone(u urn.URN) {
	delete(me.active, u)
}

// requestCache maps remote hosts to their request history, bounded by LRU eviction.
type requestCache struct {
	entries *lru.Cache[string, *requestCacheEntry]
}

func newRequestCache(size int) *requestCache {
	entries, err := lru.New[string, *requestCacheEntry](size)
	if err != nil {
		// Only for non-positive sizes.
		panic(err)
	}
	return &requestCache{entries: entries}
}

// touch returns the entry for host, creating it if necessary, and marks it most recently used.
func (me *requestCache) touch(host string, now time.Time) *requestCacheEntry {
	e, ok := me.entries.Get(host)
	if !ok {
		e = newRequestCacheEntry(now)
		me.entries.Add(host, e)
	}
	return e
}

// peek doesn't affect eviction order.
func (me *requestCache) peek(host string) (*requestCacheEntry, bool) {
	return me.entries.Peek(host)
}

func (me *requestCache) len() int {
	return me.entries.Len()
}
