// ipv4_rewrite was not present in the retrieval excerpt (only lookup.c,
// tx.c, and datapath_out.c were). It follows the same dynfield/edge-table
// conventions the two sibling node files show: decrement TTL, patch the IP
// checksum incrementally (RFC 1624) rather than recomputing it, and
// overwrite the Ethernet header's destination MAC with the resolved
// next-hop's before handing the packet to ip_output.
package datapath

import (
	"encoding/binary"

	"github.com/prometheus/client_golang/prometheus"

	"grout/internal/graph"
	"grout/internal/mbuf"
	"grout/internal/metrics"
)

// rewriteOutputEdge is ipv4_rewrite's static "forward to ip_output" edge.
const rewriteOutputEdge graph.Edge = 1

type rewriteCtx struct {
	ttlExceeded prometheus.Counter
	noRoute     prometheus.Counter
}

func rewriteInit(graphName, nodeName string, data graph.NodeDataLookup) (any, error) {
	return &rewriteCtx{
		ttlExceeded: tables.Counters.Counter(metrics.ReasonTTLExceeded),
		noRoute:     tables.Counters.Counter(metrics.ReasonNoRoute),
	}, nil
}

func rewriteProcess(inst *graph.NodeInstance, objs []*mbuf.Buffer) {
	ctx := inst.Ctx.(*rewriteCtx)
	single := make([]*mbuf.Buffer, 1)

	for _, b := range objs {
		single[0] = b

		ttl := ipv4HeaderTTL(b)
		if ttl <= 1 {
			ctx.ttlExceeded.Inc()
			inst.Enqueue(graph.DropEdge, single)
			continue
		}
		decrementTTLAndChecksum(b)

		fwd := FwdField.Get(b)
		nh, ok := tables.NextHop.Get(fwd.NextHopID)
		if !ok {
			// The FIB pointed at a next-hop id the next-hop table no
			// longer has; control-plane state went stale between the FIB
			// snapshot lookupProcess used and now. Treat as no-route.
			ctx.noRoute.Inc()
			inst.Enqueue(graph.DropEdge, single)
			continue
		}
		copy(b.Data[0:6], nh.MAC[:])
		OutputField.Get(b).NextHop = nh

		inst.Enqueue(rewriteOutputEdge, single)
	}
}

// decrementTTLAndChecksum decrements the IPv4 TTL field and applies the
// RFC 1624 incremental update to the header checksum, avoiding a full
// recompute over the header.
func decrementTTLAndChecksum(b *mbuf.Buffer) {
	ttlOff := ethHeaderLen + 8
	oldTTL := uint16(b.Data[ttlOff]) << 8
	b.Data[ttlOff]--
	newTTL := uint16(b.Data[ttlOff]) << 8

	csumOff := ethHeaderLen + 10
	csum := binary.BigEndian.Uint16(b.Data[csumOff : csumOff+2])
	csum = incrementalChecksum(csum, oldTTL, newTTL)
	binary.BigEndian.PutUint16(b.Data[csumOff:csumOff+2], csum)
}

// incrementalChecksum applies RFC 1624's equation 3: HC' = ~(~HC + ~m + m'),
// folding carries back into the low 16 bits, to patch a one's-complement
// checksum after a 16-bit field changes from old to new without rescanning
// the whole header.
func incrementalChecksum(oldChecksum, old, new uint16) uint16 {
	sum := uint32(^oldChecksum) + uint32(^old&0xFFFF) + uint32(new)
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}
