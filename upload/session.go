package upload

import (
	"fmt"
	"time"

	"github.com/anacrolix/sync"

	"github.com/anacrolix/gnutella/bandwidth"
	"github.com/anacrolix/gnutella/slots"
)

// Session is the upload state of one connection from a remote host. Queue position and slots are
// held by the Session, so they survive across pipelined requests.
type Session struct {
	host string
	// Loopback connections skip admission.
	local bool

	mu       sync.Mutex
	uploader *Uploader
	status   QueueStatus
	lastPoll time.Time
	// How long the connection layer should wait for the next request.
	pollTimeout time.Duration
}

var _ slots.Requester = (*Session)(nil)

func NewSession(host string, local bool) *Session {
	return &Session{host: host, local: local}
}

func (s *Session) Host() string {
	return s.host
}

func (s *Session) IsLocal() bool {
	return s.local
}

// Uploader is the current request's Uploader, or nil between requests.
func (s *Session) Uploader() *Uploader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploader
}

func (s *Session) setUploader(u *Uploader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploader = u
}

func (s *Session) QueueStatus() QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setQueueStatus(qs QueueStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = qs
}

func (s *Session) IsQueued() bool {
	return s.QueueStatus() == StatusQueued
}

// poll records a queue poll at now. It's too soon if it follows the previous poll by less than
// minInterval. The first poll is never too soon.
func (s *Session) poll(now time.Time, minInterval time.Duration) (tooSoon bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tooSoon = !s.lastPoll.IsZero() && now.Sub(s.lastPoll) < minInterval
	s.lastPoll = now
	return
}

// PollTimeout is how long the connection may idle before the next request. Zero means the
// connection layer's default.
func (s *Session) PollTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollTimeout
}

func (s *Session) setPollTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollTimeout = d
}

func (s *Session) MeasureBandwidth() {
	if u := s.Uploader(); u != nil {
		u.MeasureBandwidth()
	}
}

func (s *Session) MeasuredBandwidth() (float64, error) {
	if u := s.Uploader(); u != nil {
		return u.MeasuredBandwidth()
	}
	return 0, bandwidth.ErrInsufficientData
}

func (s *Session) AverageBandwidth() float64 {
	if u := s.Uploader(); u != nil {
		return u.AverageBandwidth()
	}
	return 0
}

func (s *Session) String() string {
	return fmt.Sprintf("session with %v (%v)", s.host, s.QueueStatus())
}
