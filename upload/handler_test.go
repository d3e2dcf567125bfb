package upload

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	qt "github.com/go-quicktest/qt"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/gnutella/library"
	"github.com/anacrolix/gnutella/ranges"
	"github.com/anacrolix/gnutella/urn"
)

func n2r(fd *library.FileDesc) string {
	return "/uri-res/N2R?" + fd.SHA1().String()
}

func serve(h http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, target, nil)
	for k, vs := range header {
		r.Header[k] = vs
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestServeWholeFile(t *testing.T) {
	env := newTestEnv(t, 10)
	fd := env.share(t, "whole", 100)
	content, err := os.ReadFile(fd.Path())
	require.NoError(t, err)
	h := NewHandler(env.m, log.Default)
	w := serve(h, "GET", n2r(fd), nil)
	qt.Assert(t, qt.Equals(w.Code, http.StatusOK))
	qt.Check(t, qt.DeepEquals(w.Body.Bytes(), content))
	qt.Check(t, qt.Equals(w.Header().Get("Content-Length"), "100"))
	qt.Check(t, qt.Equals(w.Header().Get("X-Gnutella-Content-URN"), fd.SHA1().String()))
	qt.Check(t, qt.Equals(w.Header().Get("Content-Range"), ""))
	// The one-shot session is closed after the response.
	qt.Check(t, qt.HasLen(env.m.Uploaders(), 0))
	qt.Check(t, qt.Equals(testutil.ToFloat64(env.m.Stats().CompletedFile), 1.0))
	qt.Check(t, qt.Equals(fd.CompletedUploads(), int64(1)))
}

func TestServeRange(t *testing.T) {
	env := newTestEnv(t, 10)
	fd := env.share(t, "ranged", 100)
	content, err := os.ReadFile(fd.Path())
	require.NoError(t, err)
	h := NewHandler(env.m, log.Default)
	w := serve(h, "GET", n2r(fd), http.Header{"Range": {"bytes=10-19"}})
	qt.Assert(t, qt.Equals(w.Code, http.StatusPartialContent))
	qt.Check(t, qt.DeepEquals(w.Body.Bytes(), content[10:20]))
	qt.Check(t, qt.Equals(w.Header().Get("Content-Range"), "bytes 10-19/100"))

	w = serve(h, "GET", n2r(fd), http.Header{"Range": {"bytes=90-"}})
	qt.Assert(t, qt.Equals(w.Code, http.StatusPartialContent))
	qt.Check(t, qt.DeepEquals(w.Body.Bytes(), content[90:]))
	qt.Check(t, qt.Equals(w.Header().Get("Content-Range"), "bytes 90-99/100"))

	w = serve(h, "GET", n2r(fd), http.Header{"Range": {"bytes=-25"}})
	qt.Assert(t, qt.Equals(w.Code, http.StatusPartialContent))
	qt.Check(t, qt.DeepEquals(w.Body.Bytes(), content[75:]))
	qt.Check(t, qt.Equals(w.Header().Get("Content-Range"), "bytes 75-99/100"))
}

func TestServeHead(t *testing.T) {
	env := newTestEnv(t, 0)
	fd := env.share(t, "head", 100)
	h := NewHandler(env.m, log.Default)
	w := serve(h, "HEAD", n2r(fd), nil)
	// HEAD bypasses the queue, so no slots are needed.
	qt.Assert(t, qt.Equals(w.Code, http.StatusOK))
	qt.Check(t, qt.Equals(w.Body.Len(), 0))
	qt.Check(t, qt.Equals(w.Header().Get("Content-Length"), "100"))
}

func TestServeErrorResponses(t *testing.T) {
	env := newTestEnv(t, 0)
	fd := env.share(t, "busy", 100)
	h := NewHandler(env.m, log.Default)

	w := serve(h, "GET", "/uri-res/N2R?"+urn.FromDigest([20]byte{7}).String(), nil)
	qt.Check(t, qt.Equals(w.Code, http.StatusNotFound))

	w = serve(h, "GET", "/get/1/busy", nil)
	qt.Check(t, qt.Equals(w.Code, http.StatusBadRequest))
	w = serve(h, "GET", "/uri-res/N2R?urn:sha1:nope", nil)
	qt.Check(t, qt.Equals(w.Code, http.StatusBadRequest))
	qt.Check(t, qt.Equals(testutil.ToFloat64(env.m.Stats().Malformed), 2.0))

	w = serve(h, "GET", n2r(fd), http.Header{"Range": {"bytes=200-300"}})
	qt.Check(t, qt.Equals(w.Code, http.StatusRequestedRangeNotSatisfiable))

	w = serve(h, "GET", n2r(fd), nil)
	qt.Check(t, qt.Equals(w.Code, http.StatusServiceUnavailable))
	qt.Check(t, qt.Equals(w.Header().Get("Retry-After"), "60"))

	w = serve(h, "GET", n2r(fd), http.Header{"X-Queue": {"0.1"}})
	qt.Check(t, qt.Equals(w.Code, http.StatusServiceUnavailable))
	qt.Check(t, qt.Equals(w.Header().Get("X-Queue"), "position=1, pollMin=5, pollMax=120"))
	// Closing the one-shot session dropped it from the queue.
	qt.Check(t, qt.Equals(env.m.NumQueuedUploads(), 0))
}

func TestParseRange(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want ByteRange
		ok   bool
	}{
		{"bytes=0-99", ByteRange{First: 0, Last: generics.Some[int64](99)}, true},
		{"bytes 5-5", ByteRange{First: 5, Last: generics.Some[int64](5)}, true},
		{" bytes=10 - 19", ByteRange{First: 10, Last: generics.Some[int64](19)}, true},
		{"bytes=10-", ByteRange{First: 10}, true},
		{"bytes=-500", ByteRange{Suffix: generics.Some[int64](500)}, true},
		{"bytes=-", ByteRange{}, false},
		{"bytes=9-3", ByteRange{}, false},
		{"bytes=0-1,5-6", ByteRange{}, false},
		{"bytes=x-", ByteRange{}, false},
		{"items=0-1", ByteRange{}, false},
	} {
		got, err := parseRange(tc.in)
		if !tc.ok {
			qt.Check(t, qt.ErrorIs(err, errMalformed), qt.Commentf("%q", tc.in))
			continue
		}
		qt.Check(t, qt.IsNil(err), qt.Commentf("%q", tc.in))
		qt.Check(t, qt.Equals(got, tc.want), qt.Commentf("%q", tc.in))
	}
}

func TestByteRangeExtent(t *testing.T) {
	for _, tc := range []struct {
		br   ByteRange
		want ranges.Extent
	}{
		{ByteRange{First: 10, Last: generics.Some[int64](19)}, ranges.Extent{Start: 10, Length: 10}},
		{ByteRange{First: 90, Last: generics.Some[int64](500)}, ranges.Extent{Start: 90, Length: 10}},
		{ByteRange{First: 40}, ranges.Extent{Start: 40, Length: 60}},
		{ByteRange{Suffix: generics.Some[int64](30)}, ranges.Extent{Start: 70, Length: 30}},
		{ByteRange{Suffix: generics.Some[int64](500)}, ranges.Extent{Start: 0, Length: 100}},
		{ByteRange{First: 100}, ranges.Extent{Start: 100}},
		{ByteRange{Suffix: generics.Some[int64](0)}, ranges.Extent{Start: 100}},
	} {
		qt.Check(t, qt.Equals(tc.br.Extent(100), tc.want), qt.Commentf("%+v", tc.br))
	}
}

func TestServerTracksConnections(t *testing.T) {
	// No slots, but loopback requesters are always served.
	env := newTestEnv(t, 0)
	fd := env.share(t, "served", 1000)
	h := NewHandler(env.m, log.Default)
	srv := httptest.NewUnstartedServer(h)
	srv.Config.ConnContext = h.ConnContext
	srv.Config.ConnState = h.ConnState
	srv.Start()
	defer srv.Close()
	c := srv.Client()
	for range 2 {
		resp, err := c.Get(srv.URL + n2r(fd))
		require.NoError(t, err)
		b, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		qt.Check(t, qt.Equals(resp.StatusCode, http.StatusOK))
		qt.Check(t, qt.HasLen(b, 1000))
	}
	// Both requests went over one connection, so the second continued the first.
	qt.Check(t, qt.HasLen(env.m.Uploaders(), 1))
	qt.Check(t, qt.Equals(fd.AttemptedUploads(), int64(1)))
	c.CloseIdleConnections()
	require.Eventually(t, func() bool {
		return len(env.m.Uploaders()) == 0 && fd.CompletedUploads() == 1
	}, 5*time.Second, 10*time.Millisecond)
}
