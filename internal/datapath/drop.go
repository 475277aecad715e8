// drop is the terminal sink every other node's edge 0 points at by
// convention (graph.DropEdge). It has no C counterpart of its own in the
// retrieval excerpt — every datapath file's drop paths simply call
// rte_pktmbuf_free in the original — so this just returns the buffer to its
// worker's pool, the mirror of how pool.Port.TxBurst frees what it sends.
package datapath

import (
	"fmt"

	"grout/internal/graph"
	"grout/internal/mbuf"
	"grout/internal/pool"
)

type dropCtx struct {
	pool *pool.Pool
}

func dropInit(graphName, nodeName string, data graph.NodeDataLookup) (any, error) {
	v, ok := data.Get(graphName, nodeName)
	if !ok {
		return nil, fmt.Errorf("datapath: no buffer pool registered for %s/%s", graphName, nodeName)
	}
	p, ok := v.(*pool.Pool)
	if !ok {
		return nil, fmt.Errorf("datapath: buffer pool for %s/%s has wrong type %T", graphName, nodeName, v)
	}
	return &dropCtx{pool: p}, nil
}

func dropProcess(inst *graph.NodeInstance, objs []*mbuf.Buffer) {
	ctx := inst.Ctx.(*dropCtx)
	for _, b := range objs {
		ctx.pool.Put(b)
	}
}
