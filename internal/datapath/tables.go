package datapath

import (
	"grout/internal/fib"
	"grout/internal/iface"
	"grout/internal/metrics"
)

// Tables bundles the shared, RCU-protected lookup tables every worker's
// graph instance reads from. There is exactly one Tables value per daemon
// (not per worker, not per graph): workers read through it lock-free, and
// internal/control's Bridge is the only writer.
type Tables struct {
	FIB      *fib.Table
	Iface    *iface.Table
	NextHop  *iface.NextHopTable
	Counters *metrics.Datapath
}

// tables is set once via SetTables before RegisterAll's RegisterCallback
// phase runs, and read (never written) by every node's Init/Process
// thereafter — the same "assemble once at startup, read-only after" shape
// mbuf's field registry uses for scratch offsets.
var tables Tables

// SetTables installs the shared lookup tables. Call this once from
// cmd/groutd before graph.RunRegisterCallbacks/graph.Build.
func SetTables(t Tables) {
	tables = t
}
