package download

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Stats struct {
	Added   prometheus.Counter
	Started prometheus.Counter
	Removed prometheus.Counter
	// Admissions refused for conflicts or factory errors.
	Refused          prometheus.Counter
	SnapshotWrites   prometheus.Counter
	SnapshotFailures prometheus.Counter
	// Snapshot entries that couldn't be turned back into downloads.
	RestoreFailures prometheus.Counter
}

// NewStats registers with reg if it's not nil.
func NewStats(reg prometheus.Registerer) *Stats {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gnutella",
		Subsystem: "download",
		Name:      "events_total",
		Help:      "Download scheduler events.",
	}, []string{"event"})
	if reg != nil {
		reg.MustRegister(events)
	}
	c := func(event string) prometheus.Counter {
		return events.WithLabelValues(event)
	}
	return &Stats{
		Added:            c("added"),
		Started:          c("started"),
		Removed:          c("removed"),
		Refused:          c("refused"),
		SnapshotWrites:   c("snapshot_writes"),
		SnapshotFailures: c("snapshot_failures"),
		RestoreFailures:  c("restore_failures"),
	}
}
