package upload

import (
	"context"
	"crypto/rand"
	"math"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	qt "github.com/go-quicktest/qt"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/gnutella/bandwidth"
	"github.com/anacrolix/gnutella/library"
	"github.com/anacrolix/gnutella/ranges"
	"github.com/anacrolix/gnutella/slots"
	"github.com/anacrolix/gnutella/urn"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingCallback struct {
	mu              sync.Mutex
	added           []*Uploader
	removed         []*Uploader
	uploadsComplete int
	updated         []string
}

func (me *recordingCallback) AddUpload(u *Uploader) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.added = append(me.added, u)
}

func (me *recordingCallback) RemoveUpload(u *Uploader) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.removed = append(me.removed, u)
}

func (me *recordingCallback) UploadsComplete() {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.uploadsComplete++
}

func (me *recordingCallback) HandleSharedFileUpdate(path string) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.updated = append(me.updated, path)
}

type testEnv struct {
	m        *Manager
	lib      *library.Library
	slots    *slots.Manager
	clock    *testClock
	callback *recordingCallback
	dir      string
}

func testConfig(clock *testClock) Config {
	return Config{
		ConnectionSpeed:     1000,
		UploadSpeedPercent:  100,
		UploadsPerPerson:    3,
		AllowPartialSharing: true,
		QueueMinPollTime:    5 * time.Second,
		QueueMaxPollTime:    2 * time.Minute,
		RetryAfter:          time.Minute,
		Now:                 clock.Now,
		Logger:              log.Default,
	}
}

func newTestEnv(t *testing.T, maxSlots int, configure ...func(*Config)) *testEnv {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	cfg := testConfig(clock)
	for _, f := range configure {
		f(&cfg)
	}
	lib := library.New(log.Default)
	t.Cleanup(lib.Close)
	sm := slots.New(maxSlots, 10)
	cb := &recordingCallback{}
	m, err := NewManager(cfg, sm, lib, cb)
	require.NoError(t, err)
	return &testEnv{m: m, lib: lib, slots: sm, clock: clock, callback: cb, dir: t.TempDir()}
}

func (env *testEnv) share(t *testing.T, name string, size int) *library.FileDesc {
	b := make([]byte, size)
	rand.Read(b)
	path := filepath.Join(env.dir, name)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	fd, err := env.lib.Share(path)
	require.NoError(t, err)
	return fd
}

func get(fd *library.FileDesc) Request {
	return Request{Method: "GET", URN: fd.SHA1(), SupportsQueueing: true}
}

func (env *testEnv) request(t *testing.T, s *Session, req Request) *Uploader {
	u, err := env.m.HandleRequest(context.Background(), s, req)
	require.NoError(t, err)
	return u
}

func TestDuplicateRequestsFromHostRejected(t *testing.T) {
	env := newTestEnv(t, 10)
	fd := env.share(t, "x", 100)
	var sessions []*Session
	for range 10 {
		s := NewSession("10.0.0.5", false)
		sessions = append(sessions, s)
		env.request(t, s, get(fd))
	}
	qt.Check(t, qt.Equals(sessions[0].QueueStatus(), StatusAccepted))
	qt.Check(t, qt.Equals(sessions[0].Uploader().State(), Uploading))
	for _, s := range sessions[1:] {
		qt.Check(t, qt.Equals(s.QueueStatus(), StatusRejected))
		qt.Check(t, qt.Equals(s.Uploader().State(), LimitReached))
	}
	qt.Check(t, qt.Equals(testutil.ToFloat64(env.m.Stats().Banned), 0.0))
	// Once the first upload is done the file can be requested again.
	env.m.ConnectionClosed(sessions[0])
	s := NewSession("10.0.0.5", false)
	env.request(t, s, get(fd))
	qt.Check(t, qt.Equals(s.QueueStatus(), StatusAccepted))
}

func TestHammeringHostBanned(t *testing.T) {
	env := newTestEnv(t, 10)
	fd := env.share(t, "x", 100)
	for i := range 35 {
		s := NewSession("10.0.0.6", false)
		u := env.request(t, s, get(fd))
		if i <= 30 {
			qt.Assert(t, qt.Equals(s.QueueStatus(), StatusAccepted), qt.Commentf("request %v", i))
		} else {
			qt.Assert(t, qt.Equals(s.QueueStatus(), StatusBanned), qt.Commentf("request %v", i))
			qt.Check(t, qt.Equals(u.State(), BannedGreedy))
		}
		env.m.ConnectionClosed(s)
		env.clock.Advance(time.Second)
	}
	qt.Check(t, qt.Equals(testutil.ToFloat64(env.m.Stats().Banned), 4.0))
	// Other hosts are unaffected.
	s := NewSession("10.0.0.7", false)
	env.request(t, s, get(fd))
	qt.Check(t, qt.Equals(s.QueueStatus(), StatusAccepted))
}

func TestQueuedPollTooSoon(t *testing.T) {
	env := newTestEnv(t, 1)
	fd := env.share(t, "x", 100)
	holder := NewSession("10.0.0.1", false)
	env.request(t, holder, get(fd))
	qt.Assert(t, qt.Equals(holder.QueueStatus(), StatusAccepted))

	waiter := NewSession("10.0.0.2", false)
	u := env.request(t, waiter, get(fd))
	qt.Assert(t, qt.Equals(waiter.QueueStatus(), StatusQueued))
	qt.Check(t, qt.Equals(u.State(), Queued))
	qt.Check(t, qt.Equals(env.m.PositionInQueue(waiter), 0))
	env.m.ResponseSent(waiter)
	qt.Check(t, qt.Equals(u.State(), Queued))
	qt.Check(t, qt.Equals(waiter.PollTimeout(), 2*time.Minute))

	// Polling within the minimum interval is fine.
	env.clock.Advance(6 * time.Second)
	u = env.request(t, waiter, get(fd))
	qt.Check(t, qt.Equals(u.State(), Queued))

	env.clock.Advance(200 * time.Millisecond)
	u, err := env.m.HandleRequest(context.Background(), waiter, get(fd))
	qt.Assert(t, qt.ErrorIs(err, ErrCameBackTooSoon))
	qt.Check(t, qt.Equals(waiter.QueueStatus(), StatusBanned))
	qt.Check(t, qt.Equals(u.State(), BannedGreedy))
	qt.Check(t, qt.Equals(env.m.PositionInQueue(waiter), -1))
	qt.Check(t, qt.Equals(testutil.ToFloat64(env.m.Stats().TooSoon), 1.0))
}

func TestQueuedSessionGetsSlotWhenFreed(t *testing.T) {
	env := newTestEnv(t, 1)
	fd := env.share(t, "x", 100)
	holder := NewSession("10.0.0.1", false)
	env.request(t, holder, get(fd))
	waiter := NewSession("10.0.0.2", false)
	env.request(t, waiter, get(fd))
	qt.Assert(t, qt.Equals(waiter.QueueStatus(), StatusQueued))
	env.m.ResponseSent(holder)
	env.m.ConnectionClosed(holder)
	env.clock.Advance(time.Minute)
	u := env.request(t, waiter, get(fd))
	qt.Check(t, qt.Equals(waiter.QueueStatus(), StatusAccepted))
	qt.Check(t, qt.Equals(u.State(), Uploading))
}

func TestClosingQueuedSessionInterrupts(t *testing.T) {
	env := newTestEnv(t, 0)
	fd := env.share(t, "x", 100)
	s := NewSession("10.0.0.2", false)
	u := env.request(t, s, get(fd))
	qt.Assert(t, qt.Equals(u.State(), Queued))
	env.m.ConnectionClosed(s)
	qt.Check(t, qt.Equals(u.State(), Interrupted))
	qt.Check(t, qt.Equals(env.slots.NumQueued(), 0))
	qt.Check(t, qt.IsNil(s.Uploader()))
	qt.Check(t, qt.Equals(testutil.ToFloat64(env.m.Stats().Interrupted), 1.0))
}

func TestRejectedWithoutQueueSupport(t *testing.T) {
	env := newTestEnv(t, 0)
	fd := env.share(t, "x", 100)
	s := NewSession("10.0.0.2", false)
	req := get(fd)
	req.SupportsQueueing = false
	u := env.request(t, s, req)
	qt.Check(t, qt.Equals(s.QueueStatus(), StatusRejected))
	qt.Check(t, qt.Equals(u.State(), LimitReached))
}

func TestHostLimit(t *testing.T) {
	env := newTestEnv(t, 10, func(cfg *Config) {
		cfg.UploadsPerPerson = 1
	})
	a := env.share(t, "a", 100)
	b := env.share(t, "b", 100)
	s1 := NewSession("10.0.0.3", false)
	env.request(t, s1, get(a))
	qt.Assert(t, qt.Equals(s1.QueueStatus(), StatusAccepted))
	s2 := NewSession("10.0.0.3", false)
	env.request(t, s2, get(b))
	qt.Check(t, qt.Equals(s2.QueueStatus(), StatusRejected))
	qt.Check(t, qt.Equals(testutil.ToFloat64(env.m.Stats().LimitReachedGreedy), 1.0))
}

func TestBypassAndLocal(t *testing.T) {
	env := newTestEnv(t, 0)
	fd := env.share(t, "x", 100)
	forced := env.share(t, "forced", 100)
	env.lib.SetSpecial(forced, true, false)

	head := NewSession("10.0.0.4", false)
	u := env.request(t, head, Request{Method: "HEAD", URN: fd.SHA1()})
	qt.Check(t, qt.Equals(head.QueueStatus(), StatusBypass))
	qt.Check(t, qt.Equals(u.Kind(), HeadRequest))
	qt.Check(t, qt.Equals(u.State(), Uploading))

	fs := NewSession("10.0.0.4", false)
	u = env.request(t, fs, get(forced))
	qt.Check(t, qt.Equals(fs.QueueStatus(), StatusBypass))
	qt.Check(t, qt.IsTrue(u.IsForcedShare()))

	local := NewSession("127.0.0.1", true)
	env.request(t, local, get(fd))
	qt.Check(t, qt.Equals(local.QueueStatus(), StatusAccepted))

	// None of these took a slot, and forced uploads don't count as in progress.
	qt.Check(t, qt.Equals(env.slots.NumActive(), 0))
	qt.Check(t, qt.HasLen(env.m.Uploaders(), 3))
	qt.Check(t, qt.Equals(env.m.UploadsInProgress(), 2))
}

func TestStateOffHeaders(t *testing.T) {
	env := newTestEnv(t, 10)
	u1 := urn.FromDigest([20]byte{1})
	partial := env.lib.ShareIncomplete(filepath.Join(env.dir, "partial"), 1000, u1, ranges.Extent{Start: 100, Length: 100})
	treed := env.lib.ShareUnverified(filepath.Join(env.dir, "treed"), 10, urn.FromDigest([20]byte{2}), true)
	plain := env.share(t, "plain", 100)

	check := func(req Request, want State) *Uploader {
		t.Helper()
		u := env.request(t, NewSession("10.1.0.1", false), req)
		qt.Check(t, qt.Equals(u.State(), want), qt.Commentf("%+v", req))
		return u
	}
	check(Request{Method: "GET", URN: urn.FromDigest([20]byte{9})}, FileNotFound)
	check(Request{Method: "GET", URN: treed.SHA1(), Thex: true}, ThexRequest)
	check(Request{Method: "GET", URN: plain.SHA1(), Thex: true}, FileNotFound)
	check(Request{Method: "GET", URN: partial.SHA1(), Thex: true}, FileNotFound)
	// The whole of a partial file isn't available.
	check(Request{Method: "GET", URN: partial.SHA1()}, UnavailableRange)
	check(Request{
		Method: "GET",
		URN:    partial.SHA1(),
		Range:  generics.Some(ByteRange{First: 300, Last: generics.Some[int64](309)}),
	}, UnavailableRange)
	u := check(Request{
		Method: "GET",
		URN:    partial.SHA1(),
		Range:  generics.Some(ByteRange{First: 150, Last: generics.Some[int64](249)}),
	}, Uploading)
	qt.Check(t, qt.Equals(u.Extent(), ranges.Extent{Start: 150, Length: 50}))
	u = check(Request{
		Method: "GET",
		URN:    plain.SHA1(),
		Range:  generics.Some(ByteRange{First: 90, Last: generics.Some[int64](189)}),
	}, Uploading)
	qt.Check(t, qt.Equals(u.Extent(), ranges.Extent{Start: 90, Length: 10}))
	// Open ended and suffix ranges are clamped to the file.
	u = check(Request{
		Method: "GET",
		URN:    plain.SHA1(),
		Range:  generics.Some(ByteRange{First: 95}),
	}, Uploading)
	qt.Check(t, qt.Equals(u.Extent(), ranges.Extent{Start: 95, Length: 5}))
	u = check(Request{
		Method: "GET",
		URN:    plain.SHA1(),
		Range:  generics.Some(ByteRange{Suffix: generics.Some[int64](500)}),
	}, Uploading)
	qt.Check(t, qt.Equals(u.Extent(), ranges.Extent{Start: 0, Length: 100}))
	check(Request{
		Method: "GET",
		URN:    plain.SHA1(),
		Range:  generics.Some(ByteRange{First: 100}),
	}, UnavailableRange)
	check(Request{
		Method: "GET",
		URN:    partial.SHA1(),
		Range:  generics.Some(ByteRange{Suffix: generics.Some[int64](150)}),
	}, UnavailableRange)
	u = check(Request{
		Method: "GET",
		URN:    partial.SHA1(),
		Range:  generics.Some(ByteRange{First: 150}),
	}, Uploading)
	qt.Check(t, qt.Equals(u.Extent(), ranges.Extent{Start: 150, Length: 50}))
}

func TestPartialSharingDisabled(t *testing.T) {
	env := newTestEnv(t, 10, func(cfg *Config) {
		cfg.AllowPartialSharing = false
	})
	partial := env.lib.ShareIncomplete("/incomplete/x", 1000, urn.FromDigest([20]byte{1}), ranges.Extent{Length: 1000})
	u := env.request(t, NewSession("10.1.0.1", false), get(partial))
	qt.Check(t, qt.Equals(u.State(), FileNotFound))
}

func TestUnverifiedFileValidatedOnAdmission(t *testing.T) {
	env := newTestEnv(t, 10)
	path := filepath.Join(env.dir, "cached")
	require.NoError(t, os.WriteFile(path, []byte("cached content"), 0o600))
	f, err := os.Open(path)
	require.NoError(t, err)
	sum, err := urn.FromReader(f)
	f.Close()
	require.NoError(t, err)
	fd := env.lib.ShareUnverified(path, 14, sum, false)
	validated := make(chan bool, 1)
	env.lib.OnValidated(func(_ *library.FileDesc, ok bool) {
		validated <- ok
	})
	s := NewSession("10.0.0.8", false)
	env.request(t, s, get(fd))
	// Admission doesn't wait for validation.
	qt.Check(t, qt.Equals(s.QueueStatus(), StatusAccepted))
	qt.Check(t, qt.IsTrue(<-validated))
	qt.Check(t, qt.IsTrue(fd.IsVerified()))
}

func TestPipelinedRequests(t *testing.T) {
	env := newTestEnv(t, 10)
	a := env.share(t, "a", 100)
	b := env.share(t, "b", 100)
	s := NewSession("10.0.0.9", false)
	first := env.request(t, s, get(a))
	env.m.ResponseSent(s)
	qt.Check(t, qt.Equals(first.State(), Complete))

	// The same file again continues the upload without another admission.
	second := env.request(t, s, get(a))
	qt.Check(t, qt.Not(qt.Equals(second, first)))
	qt.Check(t, qt.Equals(second.State(), Uploading))
	qt.Check(t, qt.IsTrue(slices.Equal(env.m.Uploaders(), []*Uploader{second})))
	// The listed entry moves to the new Uploader.
	qt.Check(t, qt.IsTrue(slices.Equal(env.callback.added, []*Uploader{first, second})))
	qt.Check(t, qt.IsTrue(slices.Equal(env.callback.removed, []*Uploader{first})))
	env.m.ResponseSent(s)

	// A different file finishes the previous upload first.
	third := env.request(t, s, get(b))
	qt.Check(t, qt.Equals(third.State(), Uploading))
	qt.Check(t, qt.Equals(second.State(), Complete))
	qt.Check(t, qt.IsTrue(slices.Equal(env.callback.removed, []*Uploader{first, second})))
	qt.Check(t, qt.Equals(a.CompletedUploads(), int64(1)))
	qt.Check(t, qt.Equals(a.AttemptedUploads(), int64(1)))
	qt.Check(t, qt.IsTrue(env.m.HadSuccessfulUpload()))
	qt.Check(t, qt.Equals(env.callback.uploadsComplete, 1))
	qt.Check(t, qt.IsTrue(slices.Equal(env.m.Uploaders(), []*Uploader{third})))

	// Every listed upload is eventually removed.
	env.m.ResponseSent(s)
	fourth := env.request(t, s, get(b))
	env.m.ConnectionClosed(s)
	qt.Check(t, qt.IsTrue(slices.Equal(env.callback.added, []*Uploader{first, second, third, fourth})))
	qt.Check(t, qt.IsTrue(slices.Equal(env.callback.removed, env.callback.added)))
}

func TestInterruptedUploaderNotContinued(t *testing.T) {
	env := newTestEnv(t, 10)
	a := env.share(t, "a", 100)
	s := NewSession("10.0.0.9", false)
	first := env.request(t, s, get(a))
	first.setState(Interrupted)
	env.m.CleanupFinishedUploader(first)
	second := env.request(t, s, get(a))
	qt.Check(t, qt.Equals(second.State(), Uploading))
	qt.Check(t, qt.Equals(first.State(), Interrupted))
	qt.Check(t, qt.Equals(testutil.ToFloat64(env.m.Stats().Interrupted), 1.0))
}

func TestKillUploadsForFileDesc(t *testing.T) {
	env := newTestEnv(t, 10)
	a := env.share(t, "a", 100)
	b := env.share(t, "b", 100)
	u := env.request(t, NewSession("10.0.0.10", false), get(a))
	qt.Check(t, qt.IsFalse(env.m.KillUploadsForFileDesc(b)))
	qt.Check(t, qt.IsTrue(env.m.ReleaseLock(a.Path())))
	select {
	case <-u.Stopped():
	default:
		t.Fatal("upload not stopped")
	}
	qt.Check(t, qt.IsFalse(env.m.ReleaseLock(filepath.Join(env.dir, "unshared"))))
}

func TestIsConnectedToAndServiceable(t *testing.T) {
	env := newTestEnv(t, 1)
	a := env.share(t, "a", 100)
	qt.Check(t, qt.IsTrue(env.m.IsServiceable()))
	s := NewSession("10.0.0.11", false)
	env.request(t, s, get(a))
	qt.Check(t, qt.IsTrue(env.m.IsConnectedTo("10.0.0.11")))
	qt.Check(t, qt.IsFalse(env.m.IsConnectedTo("10.0.0.12")))
	qt.Check(t, qt.IsFalse(env.m.IsServiceable()))
}

func TestCalculateBandwidth(t *testing.T) {
	env := newTestEnv(t, 10, func(cfg *Config) {
		cfg.ConnectionSpeed = 800
		cfg.UploadSpeedPercent = 50
	})
	// No uploads in progress gets the whole budget.
	qt.Check(t, qt.Equals(env.m.CalculateBandwidth(), 50))
	a := env.share(t, "a", 100)
	b := env.share(t, "b", 100)
	env.request(t, NewSession("10.0.0.13", false), get(a))
	qt.Check(t, qt.Equals(env.m.CalculateBandwidth(), 50))
	env.request(t, NewSession("10.0.0.14", false), get(b))
	qt.Check(t, qt.Equals(env.m.CalculateBandwidth(), 25))
}

func TestUploadSpeed(t *testing.T) {
	var upstream float64
	env := newTestEnv(t, 10, func(cfg *Config) {
		cfg.ConnectionSpeed = 800
		cfg.UploadSpeedPercent = 50
		cfg.OtherUpstream = func() float64 { return upstream }
	})
	qt.Check(t, qt.Equals(env.m.UploadSpeed(), 50.0*1024))
	upstream = 10
	qt.Check(t, qt.Equals(env.m.UploadSpeed(), 40.0*1024))
	// Never below 1KiB/s.
	upstream = 100
	qt.Check(t, qt.Equals(env.m.UploadSpeed(), 1024.0))
	env.m.MeasureBandwidth()
	qt.Check(t, qt.Equals(float64(env.m.Limiter().Limit()), 1024.0))

	unlimited := newTestEnv(t, 10)
	qt.Check(t, qt.Equals(unlimited.m.UploadSpeed(), float64(math.MaxFloat32)))
}

func TestMeasuredUploadSpeedNeedsEnoughSamples(t *testing.T) {
	env := newTestEnv(t, 10)
	a := env.share(t, "a", 100)
	complete := func(n int64) {
		s := NewSession("10.0.0.15", false)
		u := env.request(t, s, get(a))
		u.CountUploaded(n)
		env.clock.Advance(time.Second)
		env.m.ResponseSent(s)
		env.m.ConnectionClosed(s)
		env.clock.Advance(10 * time.Second)
	}
	// Too small to count.
	complete(1000)
	for range bandwidth.MinSpeedSamples - 1 {
		complete(bandwidth.MinSampleBytes)
	}
	qt.Check(t, qt.Equals(env.m.MeasuredUploadSpeed(), bandwidth.UnknownSpeed))
	complete(1_000_000)
	// 1MB in 1s is 8000kbit/s.
	qt.Check(t, qt.Equals(env.m.MeasuredUploadSpeed(), 8000))
}

func TestBandwidthInitiallyZero(t *testing.T) {
	env := newTestEnv(t, 10)
	qt.Check(t, qt.Equals(env.m.MeasuredBandwidth(), 0.0))
	qt.Check(t, qt.Equals(env.m.LastMeasuredBandwidth(), 0.0))
	qt.Check(t, qt.Equals(env.m.AverageBandwidth(), 0.0))
	qt.Check(t, qt.IsFalse(env.m.HasActiveInternetTransfers()))
}

func TestNewManagerRequiresCollaborators(t *testing.T) {
	clock := &testClock{}
	lib := library.New(log.Default)
	defer lib.Close()
	_, err := NewManager(testConfig(clock), nil, lib, &recordingCallback{})
	qt.Check(t, qt.IsNotNil(err))
	_, err = NewManager(testConfig(clock), slots.New(1, 1), nil, &recordingCallback{})
	qt.Check(t, qt.IsNotNil(err))
	_, err = NewManager(testConfig(clock), slots.New(1, 1), lib, nil)
	qt.Check(t, qt.IsNotNil(err))
}
