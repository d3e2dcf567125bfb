package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"

	"github.com/anacrolix/gnutella/urn"
)

var errStopped = errors.New("upload stopped")

var errMalformed = errors.New("malformed request")

type sessionContextKey struct{}

// Handler serves HUGE "/uri-res/N2R?<urn>" requests through a Manager. Set ConnContext and
// ConnState on the http.Server so pipelined requests on a connection share a Session.
type Handler struct {
	manager *Manager
	logger  log.Logger

	mu       sync.Mutex
	sessions map[net.Conn]*Session
}

var _ http.Handler = (*Handler)(nil)

func NewHandler(m *Manager, logger log.Logger) *Handler {
	return &Handler{
		manager:  m,
		logger:   logger.WithNames("upload", "http"),
		sessions: make(map[net.Conn]*Session),
	}
}

func newSessionForAddr(addr string) *Session {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := net.ParseIP(host)
	return NewSession(host, ip != nil && ip.IsLoopback())
}

// ConnContext is for http.Server.ConnContext.
func (h *Handler) ConnContext(ctx context.Context, c net.Conn) context.Context {
	s := newSessionForAddr(c.RemoteAddr().String())
	h.mu.Lock()
	h.sessions[c] = s
	h.mu.Unlock()
	return context.WithValue(ctx, sessionContextKey{}, s)
}

// ConnState is for http.Server.ConnState.
func (h *Handler) ConnState(c net.Conn, state http.ConnState) {
	switch state {
	case http.StateClosed, http.StateHijacked:
	default:
		return
	}
	h.mu.Lock()
	s, ok := h.sessions[c]
	delete(h.sessions, c)
	h.mu.Unlock()
	if ok {
		h.manager.ConnectionClosed(s)
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s, ok := r.Context().Value(sessionContextKey{}).(*Session)
	if !ok {
		// Not served through ConnContext, so the connection can't be tracked.
		s = newSessionForAddr(r.RemoteAddr)
		defer h.manager.ConnectionClosed(s)
	}
	defer h.manager.ResponseSent(s)
	req, err := parseRequest(r)
	if err != nil {
		h.logger.Levelf(log.Debug, "parsing request from %v: %v", s.Host(), err)
		u := h.manager.GetOrCreateUploader(s, Malformed, "Malformed Request", r.Method)
		u.setState(MalformedRequest)
		h.manager.stats.countResponse(MalformedRequest)
		h.manager.SendResponse(u)
		http.Error(w, "Malformed Request", http.StatusBadRequest)
		return
	}
	u, err := h.manager.HandleRequest(r.Context(), s, req)
	if err != nil {
		w.Header().Set("Connection", "close")
		http.Error(w, "Banned", http.StatusForbidden)
		return
	}
	if fd := u.FileDesc(); fd != nil {
		w.Header().Set("X-Gnutella-Content-URN", fd.SHA1().String())
	}
	switch u.State() {
	case FileNotFound:
		http.Error(w, "Not Found", http.StatusNotFound)
	case UnavailableRange:
		http.Error(w, "Requested Range Unavailable", http.StatusRequestedRangeNotSatisfiable)
	case LimitReached:
		w.Header().Set("Retry-After", seconds(h.manager.cfg.RetryAfter))
		http.Error(w, "Upload Limit Reached", http.StatusServiceUnavailable)
	case BannedGreedy:
		http.Error(w, "Banned", http.StatusForbidden)
	case Queued:
		w.Header().Set("X-Queue", fmt.Sprintf(
			"position=%d, pollMin=%s, pollMax=%s",
			h.manager.PositionInQueue(s)+1,
			seconds(h.manager.cfg.QueueMinPollTime),
			seconds(h.manager.cfg.QueueMaxPollTime)))
		w.Header().Set("Connection", "keep-alive")
		http.Error(w, "Queued", http.StatusServiceUnavailable)
	case ThexRequest:
		// Hash trees are advertised by the library but not serialized here.
		http.Error(w, "THEX Not Implemented", http.StatusNotImplemented)
	case Uploading:
		h.serveFile(w, r, u)
	default:
		http.Error(w, u.State().String(), http.StatusInternalServerError)
	}
}

func seconds(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Second), 10)
}

func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, u *Uploader) {
	fd := u.FileDesc()
	f, err := os.Open(fd.Path())
	if err != nil {
		h.logger.Levelf(log.Warning, "opening %v: %v", fd, err)
		u.setState(Interrupted)
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	defer f.Close()
	e := u.Extent()
	hdr := w.Header()
	hdr.Set("Content-Type", "application/binary")
	hdr.Set("Content-Length", strconv.FormatInt(e.Length, 10))
	hdr.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fd.Name()))
	status := http.StatusOK
	if e.Length < fd.Size() {
		status = http.StatusPartialContent
	}
	if u.RangeRequested() {
		hdr.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", e.Start, e.End()-1, fd.Size()))
	}
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	body := io.NewSectionReader(f, e.Start, e.Length)
	_, err = io.Copy(&rateLimitedWriter{
		ctx: r.Context(),
		l:   h.manager.Limiter(),
		w:   w,
		u:   u,
	}, body)
	if err != nil {
		h.logger.Levelf(log.Debug, "uploading %v: %v", u, err)
		u.setState(Interrupted)
		h.manager.CleanupFinishedUploader(u)
	}
}

// parseRequest handles "/uri-res/N2R?<urn>" and "/uri-res/N2X?<urn>".
func parseRequest(r *http.Request) (req Request, err error) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
	default:
		err = fmt.Errorf("%w: method %q", errMalformed, r.Method)
		return
	}
	req.Method = r.Method
	service, ok := strings.CutPrefix(r.URL.Path, "/uri-res/")
	if !ok {
		err = fmt.Errorf("%w: path %q", errMalformed, r.URL.Path)
		return
	}
	switch strings.ToUpper(service) {
	case "N2R":
	case "N2X":
		req.Thex = true
	default:
		err = fmt.Errorf("%w: service %q", errMalformed, service)
		return
	}
	req.URN, err = urn.Parse(r.URL.RawQuery)
	if err != nil {
		return
	}
	if v := r.Header.Get("Range"); v != "" {
		var br ByteRange
		br, err = parseRange(v)
		if err != nil {
			return
		}
		req.Range = generics.Some(br)
	}
	req.SupportsQueueing = r.Header.Get("X-Queue") != ""
	return
}

// parseRange accepts a single "bytes=first-last", "bytes=first-" or "bytes=-suffix" range.
func parseRange(v string) (br ByteRange, err error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(v), "bytes")
	if !ok {
		return br, fmt.Errorf("%w: range %q", errMalformed, v)
	}
	spec = strings.TrimLeft(spec, " =")
	first, last, ok := strings.Cut(spec, "-")
	if !ok || strings.Contains(last, ",") {
		return br, fmt.Errorf("%w: range %q", errMalformed, v)
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)
	parse := func(s string) (int64, error) {
		n, err := strconv.ParseInt(s, 10, 64)
		if err == nil && n < 0 {
			err = errors.New("negative")
		}
		if err != nil {
			return 0, fmt.Errorf("%w: range %q: %v", errMalformed, v, err)
		}
		return n, nil
	}
	if first == "" {
		n, err := parse(last)
		if err != nil {
			return br, err
		}
		br.Suffix = generics.Some(n)
		return br, nil
	}
	br.First, err = parse(first)
	if err != nil || last == "" {
		return
	}
	end, err := parse(last)
	if err != nil {
		return
	}
	if end < br.First {
		return br, fmt.Errorf("%w: range %q", errMalformed, v)
	}
	br.Last = generics.Some(end)
	return
}
