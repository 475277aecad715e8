// Package metrics tracks aggregate datapath drop/event counters. The
// datapath never returns a Go error for a per-packet condition (no_route,
// ttl_exceeded, ...); it counts the event here instead. Every counter is
// pre-cached into a concrete prometheus.Counter handle at Init time, so the
// hot path only ever calls Inc() — it never touches CounterVec's
// label-matching machinery, following the pre-resolved-handle pattern
// marmos91-dittofs uses for its own request counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Reason enumerates the datapath drop/event reasons this core counts.
type Reason string

const (
	ReasonNoRoute        Reason = "no_route"
	ReasonTTLExceeded    Reason = "ttl_exceeded"
	ReasonTunnelMismatch Reason = "tunnel_mismatch"
	ReasonTxqFull        Reason = "txq_full"
	ReasonUnknownPtype   Reason = "unknown_ptype"
)

var allReasons = []Reason{
	ReasonNoRoute,
	ReasonTTLExceeded,
	ReasonTunnelMismatch,
	ReasonTxqFull,
	ReasonUnknownPtype,
}

// Datapath holds one pre-cached prometheus.Counter per drop/event reason.
type Datapath struct {
	events *prometheus.CounterVec
	cached map[Reason]prometheus.Counter
}

// NewDatapath builds and registers a fresh set of datapath event counters
// against registerer (prometheus.DefaultRegisterer if nil). Each call
// produces an independent *Datapath; callers that want a single process-wide
// instance build one and share it, the way cmd/groutd does.
func NewDatapath(registerer prometheus.Registerer) *Datapath {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	d := &Datapath{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grout_datapath_events_total",
				Help: "Total datapath packet events by drop/event reason.",
			},
			[]string{"reason"},
		),
		cached: make(map[Reason]prometheus.Counter, len(allReasons)),
	}
	registerer.MustRegister(d.events)
	for _, r := range allReasons {
		d.cached[r] = d.events.WithLabelValues(string(r))
	}
	return d
}

// Inc increments the pre-cached counter for reason. Safe to call from a
// worker's hot path: no label lookup, no allocation.
func (d *Datapath) Inc(reason Reason) {
	if d == nil {
		return
	}
	d.cached[reason].Inc()
}

// Counter returns the pre-cached handle for reason, for a node's Init to
// stash directly in its context rather than calling Inc (and its nil check)
// on every packet.
func (d *Datapath) Counter(reason Reason) prometheus.Counter {
	return d.cached[reason]
}
