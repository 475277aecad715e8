// Grounded on original_source/modules/ip4/datapath/lookup.c: lookup_process
// extracts the destination address, resolves it in one FIB.LookupBulk call,
// and enqueues each packet to either the rewrite node or the drop sink;
// lookup_register attaches ipv4_lookup under classify for EtherType IPv4.
package datapath

import (
	"encoding/binary"
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"

	"grout/internal/fib"
	"grout/internal/graph"
	"grout/internal/mbuf"
	"grout/internal/metrics"
)

// ethTypeIPv4 is the EtherType value for an IPv4 payload.
const ethTypeIPv4 = 0x0800

// lookupRewriteEdge is ipv4_lookup's static "forward to rewrite" edge;
// edge 0 is always the drop sink by convention.
const lookupRewriteEdge graph.Edge = 1

// ipv4DstOffset is the byte offset of the destination address field within
// an IPv4 header, relative to the start of the IP header itself (the
// Ethernet header precedes it).
const ipv4DstOffset = 16

// ipv4MinFrameLen is the shortest frame lookupProcess/rewriteProcess can
// safely read: an Ethernet header plus a minimal (no-options) IPv4 header.
// classify only checks for ethHeaderLen, so a runt frame with EtherType
// 0x0800 but fewer than 20 bytes of IPv4 header still reaches here.
const ipv4MinFrameLen = ethHeaderLen + 20

type lookupCtx struct {
	noRoute prometheus.Counter
}

func lookupInit(graphName, nodeName string, data graph.NodeDataLookup) (any, error) {
	return &lookupCtx{noRoute: tables.Counters.Counter(metrics.ReasonNoRoute)}, nil
}

// lookupRegister is ipv4_lookup's RegisterCallback: the two-phase-build
// counterpart to lookup_register in the original, which calls
// br_node_attach_parent("classify", "ipv4_lookup") and
// br_classify_add_proto for each L3 ptype it handles.
func lookupRegister() {
	if _, err := graph.AttachParent("classify", "ipv4_lookup"); err != nil {
		panic(err)
	}
	graph.ClassifyAddProto(ethTypeIPv4, "ipv4_lookup")
}

func lookupProcess(inst *graph.NodeInstance, objs []*mbuf.Buffer) {
	ctx := inst.Ctx.(*lookupCtx)
	single := make([]*mbuf.Buffer, 1)

	// Runt frames (shorter than a full IPv4 header) are not routable; sort
	// them out before the bulk address-extraction loop below, which assumes
	// every buffer has at least ipv4MinFrameLen bytes. Filtered in place
	// (objs is not read again after this loop) so no burst-time allocation
	// is added.
	routable := objs[:0]
	for _, b := range objs {
		if len(b.Data) < ipv4MinFrameLen {
			ctx.noRoute.Inc()
			single[0] = b
			inst.Enqueue(graph.DropEdge, single)
			continue
		}
		routable = append(routable, b)
	}

	addrs := make([]netip.Addr, len(routable))
	for i, b := range routable {
		off := ethHeaderLen + ipv4DstOffset
		var a [4]byte
		copy(a[:], b.Data[off:off+4])
		addrs[i] = netip.AddrFrom4(a)
	}

	hops := make([]uint32, len(routable))
	tables.FIB.LookupBulk(addrs, hops)

	for i, b := range routable {
		single[0] = b
		if hops[i] == fib.NoRoute {
			ctx.noRoute.Inc()
			inst.Enqueue(graph.DropEdge, single)
			continue
		}
		FwdField.Get(b).NextHopID = hops[i]
		inst.Enqueue(lookupRewriteEdge, single)
	}
}

func ipv4HeaderTTL(b *mbuf.Buffer) uint8 {
	return b.Data[ethHeaderLen+8]
}

func ipv4HeaderChecksum(b *mbuf.Buffer) uint16 {
	off := ethHeaderLen + 10
	return binary.BigEndian.Uint16(b.Data[off : off+2])
}
