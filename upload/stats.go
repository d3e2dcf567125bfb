package upload

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Stats counts upload request outcomes. Expected rejections are only ever counted here, never
// logged as errors.
type Stats struct {
	Attempted          prometheus.Counter
	Completed          prometheus.Counter
	CompletedFile      prometheus.Counter
	Interrupted        prometheus.Counter
	Uploading          prometheus.Counter
	Thex               prometheus.Counter
	Queued             prometheus.Counter
	LimitReached       prometheus.Counter
	LimitReachedGreedy prometheus.Counter
	Banned             prometheus.Counter
	TooSoon            prometheus.Counter
	FileNotFound       prometheus.Counter
	UnavailableRange   prometheus.Counter
	Malformed          prometheus.Counter
}

// NewStats registers with reg if it's not nil.
func NewStats(reg prometheus.Registerer) *Stats {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gnutella",
		Subsystem: "upload",
		Name:      "events_total",
		Help:      "Upload requests by outcome.",
	}, []string{"event"})
	if reg != nil {
		reg.MustRegister(events)
	}
	c := func(event string) prometheus.Counter {
		return events.WithLabelValues(event)
	}
	return &Stats{
		Attempted:          c("attempted"),
		Completed:          c("completed"),
		CompletedFile:      c("completed_file"),
		Interrupted:        c("interrupted"),
		Uploading:          c("uploading"),
		Thex:               c("thex"),
		Queued:             c("queued"),
		LimitReached:       c("limit_reached"),
		LimitReachedGreedy: c("limit_reached_greedy"),
		Banned:             c("banned"),
		TooSoon:            c("too_soon"),
		FileNotFound:       c("file_not_found"),
		UnavailableRange:   c("unavailable_range"),
		Malformed:          c("malformed"),
	}
}

// countResponse counts the response state an Uploader settled on.
func (s *Stats) countResponse(state State) {
	switch state {
	case UnavailableRange:
		s.UnavailableRange.Inc()
	case FileNotFound:
		s.FileNotFound.Inc()
	case LimitReached:
		s.LimitReached.Inc()
	case Queued:
		s.Queued.Inc()
	case BannedGreedy:
		s.Banned.Inc()
	case Uploading:
		s.Uploading.Inc()
	case ThexRequest:
		s.Thex.Inc()
	case MalformedRequest:
		s.Malformed.Inc()
	}
}
