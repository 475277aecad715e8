// ip_output has no dedicated C source in the retrieval excerpt either; its
// contract is narrated in spec.md §4.F ("dispatches on the next-hop
// interface's kind"). It reuses exactly the mechanism classify uses for
// ptype dispatch — a registered-arm table built from every output-capable
// node's own RegisterCallback (graph.OutputAddArm/OutputArmTable) — just
// keyed on interface Kind instead of EtherType.
package datapath

import (
	"github.com/prometheus/client_golang/prometheus"

	"grout/internal/graph"
	"grout/internal/iface"
	"grout/internal/mbuf"
	"grout/internal/metrics"
)

type outputCtx struct {
	byKind  map[string]string
	noRoute prometheus.Counter
}

func outputInit(graphName, nodeName string, data graph.NodeDataLookup) (any, error) {
	table := graph.OutputArmTable()
	byKind := make(map[string]string, len(table))
	for _, a := range table {
		byKind[a.Kind] = a.Node
	}
	return &outputCtx{byKind: byKind, noRoute: tables.Counters.Counter(metrics.ReasonNoRoute)}, nil
}

func kindName(k iface.Kind) string {
	switch k.(type) {
	case iface.Physical:
		return "physical"
	case iface.IPIPTunnel:
		return "ipip"
	default:
		return ""
	}
}

func outputProcess(inst *graph.NodeInstance, objs []*mbuf.Buffer) {
	ctx := inst.Ctx.(*outputCtx)
	single := make([]*mbuf.Buffer, 1)

	for _, b := range objs {
		single[0] = b

		nh := OutputField.Get(b).NextHop
		if nh == nil {
			ctx.noRoute.Inc()
			inst.Enqueue(graph.DropEdge, single)
			continue
		}
		ifc, ok := tables.Iface.Get(nh.IfaceID)
		if !ok {
			ctx.noRoute.Inc()
			inst.Enqueue(graph.DropEdge, single)
			continue
		}
		name, ok := ctx.byKind[kindName(ifc.Kind)]
		if !ok {
			ctx.noRoute.Inc()
			inst.Enqueue(graph.DropEdge, single)
			continue
		}
		if _, ok := ifc.Kind.(iface.Physical); ok {
			// Port indices are assigned in the same order as interface ids
			// for physical interfaces, so the interface id doubles as the
			// worker-local tx queue set index.
			TxField.Get(b).PortID = ifc.ID
		}
		inst.EnqueueNamed(name, single)
	}
}
