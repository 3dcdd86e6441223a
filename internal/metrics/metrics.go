// Package metrics exposes per-replica instrumentation through
// github.com/prometheus/client_golang: gauges for role/term/commit progress,
// a counter for elections, and a histogram for AppendEntries round-trip
// latency, scraped the ordinary Prometheus way.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Role codes exposed on the RoleGauge. Kept as small integers since
// Prometheus gauges are numeric by nature.
const (
	RoleFollower  = 0
	RoleCandidate = 1
	RoleLeader    = 2
	RoleDead      = 3
)

// Replica bundles the per-replica instruments the core observes itself
// with. None of these are read back by the consensus algorithm.
type Replica struct {
	Registry             *prometheus.Registry
	RoleGauge            prometheus.Gauge
	TermGauge            prometheus.Gauge
	CommitIndexGauge     prometheus.Gauge
	LastAppliedGauge     prometheus.Gauge
	ElectionsTotal       prometheus.Counter
	AppendEntriesLatency prometheus.Histogram
	LogLengthGauge       prometheus.Gauge
}

// NewReplica registers a fresh set of instruments for nodeID against a new
// registry (each replica runs in its own goroutine within one process, so
// registries stay independent instead of colliding on metric names).
func NewReplica(nodeID uint32) *Replica {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"node_id": strconv.FormatUint(uint64(nodeID), 10)}

	m := &Replica{
		Registry: reg,
		RoleGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "raftlab",
			Name:        "replica_role",
			Help:        "Current role: 0=follower 1=candidate 2=leader 3=dead.",
			ConstLabels: labels,
		}),
		TermGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "raftlab",
			Name:        "replica_current_term",
			Help:        "Current term as last observed by the replica.",
			ConstLabels: labels,
		}),
		CommitIndexGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "raftlab",
			Name:        "replica_commit_index",
			Help:        "Highest log index known committed.",
			ConstLabels: labels,
		}),
		LastAppliedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "raftlab",
			Name:        "replica_last_applied",
			Help:        "Highest log index applied to the (absent) state machine.",
			ConstLabels: labels,
		}),
		ElectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "raftlab",
			Name:        "replica_elections_total",
			Help:        "Number of times this replica began an election.",
			ConstLabels: labels,
		}),
		AppendEntriesLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "raftlab",
			Name:        "replica_append_entries_round_trip_seconds",
			Help:        "Leader-observed latency between sending AppendEntries and receiving a response.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		LogLengthGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "raftlab",
			Name:        "replica_log_length",
			Help:        "Number of entries currently in the local log.",
			ConstLabels: labels,
		}),
	}

	reg.MustRegister(
		m.RoleGauge, m.TermGauge, m.CommitIndexGauge, m.LastAppliedGauge,
		m.ElectionsTotal, m.AppendEntriesLatency, m.LogLengthGauge,
	)
	return m
}

// ObserveRoundTrip records the latency of one AppendEntries request/response
// pair, measured by the leader from send to matching response.
func (m *Replica) ObserveRoundTrip(d time.Duration) {
	m.AppendEntriesLatency.Observe(d.Seconds())
}
