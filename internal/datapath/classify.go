package datapath

import (
	"encoding/binary"

	"github.com/prometheus/client_golang/prometheus"

	"grout/internal/graph"
	"grout/internal/mbuf"
	"grout/internal/metrics"
)

// classifyCtx is classify's per-instance context: a ptype (EtherType) to
// child-node-name dispatch table, built once at graph build time from every
// other node's ClassifyAddProto registrations.
type classifyCtx struct {
	byPtype map[uint32]string
	drop    prometheus.Counter
}

// ethHeaderLen is the classic (no 802.1Q tag) Ethernet header length: 6
// bytes destination MAC, 6 bytes source MAC, 2 bytes EtherType.
const ethHeaderLen = 14

func classifyInit(graphName, nodeName string, data graph.NodeDataLookup) (any, error) {
	table := graph.ClassifyProtoTable()
	byPtype := make(map[uint32]string, len(table))
	for _, e := range table {
		byPtype[e.Ptype] = e.Node
	}
	return &classifyCtx{byPtype: byPtype, drop: tables.Counters.Counter(metrics.ReasonUnknownPtype)}, nil
}

// classifyProcess dispatches each packet by its Ethernet EtherType. One
// packet at a time: the dispatch table is per-packet (unlike ipv4_lookup,
// which resolves a whole burst in one FIB.LookupBulk call), since different
// packets in the same burst routinely carry different ptypes.
func classifyProcess(inst *graph.NodeInstance, objs []*mbuf.Buffer) {
	ctx := inst.Ctx.(*classifyCtx)
	single := make([]*mbuf.Buffer, 1)
	for _, b := range objs {
		if len(b.Data) < ethHeaderLen {
			ctx.drop.Inc()
			single[0] = b
			inst.Enqueue(graph.DropEdge, single)
			continue
		}
		ptype := uint32(binary.BigEndian.Uint16(b.Data[12:14]))
		single[0] = b
		if name, ok := ctx.byPtype[ptype]; ok {
			inst.EnqueueNamed(name, single)
			continue
		}
		ctx.drop.Inc()
		inst.Enqueue(graph.DropEdge, single)
	}
}
