// Grounded on original_source/modules/infra/datapath/tx.c: tx_process hands
// each burst to the port's transmit queue and drops (counting a dedicated
// reason, tx_error in the original) whatever the queue would not accept.
//
// tx is the one node whose per-instance state is genuinely per-worker: the
// *pool.TxQueueSet backing a given worker's ports is not shared singleton
// state like the FIB or interface tables, so it cannot live on the package
// var tables. Instead it flows in through the graph.NodeDataLookup a caller
// passes to graph.Build — cmd/groutd/main.go populates one entry per worker
// keyed by (graph name, "tx") before building that worker's graph.
package datapath

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"grout/internal/graph"
	"grout/internal/mbuf"
	"grout/internal/metrics"
	"grout/internal/pool"
)

type txCtx struct {
	queues  *pool.TxQueueSet
	txqFull prometheus.Counter
}

func txInit(graphName, nodeName string, data graph.NodeDataLookup) (any, error) {
	v, ok := data.Get(graphName, nodeName)
	if !ok {
		return nil, fmt.Errorf("datapath: no tx queue set registered for %s/%s", graphName, nodeName)
	}
	queues, ok := v.(*pool.TxQueueSet)
	if !ok {
		return nil, fmt.Errorf("datapath: tx queue set for %s/%s has wrong type %T", graphName, nodeName, v)
	}
	return &txCtx{queues: queues, txqFull: tables.Counters.Counter(metrics.ReasonTxqFull)}, nil
}

// txRegister attaches tx under ip_output's physical-interface dispatch arm.
func txRegister() {
	if _, err := graph.AttachParent("ip_output", "tx"); err != nil {
		panic(err)
	}
	graph.OutputAddArm("physical", "tx")
}

func txProcess(inst *graph.NodeInstance, objs []*mbuf.Buffer) {
	ctx := inst.Ctx.(*txCtx)
	single := make([]*mbuf.Buffer, 1)

	for _, b := range objs {
		portIdx := int(TxField.Get(b).PortID)
		single[0] = b
		if sent := ctx.queues.Send(portIdx, single); sent == 0 {
			ctx.txqFull.Inc()
		}
	}
}
