// Grounded on original_source/modules/ipip/datapath_out.c: ipip_output
// resolves the outgoing interface, builds an outer IPv4 header addressed
// from the tunnel's local to its remote endpoint with protocol IPPROTO_IPIP,
// prepends it ahead of the (already rewritten) inner packet, re-resolves the
// next hop for the *outer* destination via the FIB, and loops back into
// ip_output — this core has no separate MTU/fragmentation logic, matching
// the design note that IP-in-IP re-enters the routing pipeline rather than
// getting bespoke tunnel handling.
package datapath

import (
	"encoding/binary"

	"github.com/prometheus/client_golang/prometheus"

	"grout/internal/fib"
	"grout/internal/graph"
	"grout/internal/iface"
	"grout/internal/mbuf"
	"grout/internal/metrics"
)

const ipProtoIPIP = 4

// ipipOutputEdge is ipip_output's static "loop back into ip_output" edge.
const ipipOutputEdge graph.Edge = 1

type tunnelCtx struct {
	mismatch prometheus.Counter
	noRoute  prometheus.Counter
}

func tunnelInit(graphName, nodeName string, data graph.NodeDataLookup) (any, error) {
	return &tunnelCtx{
		mismatch: tables.Counters.Counter(metrics.ReasonTunnelMismatch),
		noRoute:  tables.Counters.Counter(metrics.ReasonNoRoute),
	}, nil
}

// tunnelRegister is ipip_output's RegisterCallback: attaches itself as an
// ip_output child and registers its Kind in ip_output's dispatch table —
// br_node_attach_parent + ip_output_add_tunnel in the original.
func tunnelRegister() {
	if _, err := graph.AttachParent("ip_output", "ipip_output"); err != nil {
		panic(err)
	}
	graph.OutputAddArm("ipip", "ipip_output")
}

func tunnelProcess(inst *graph.NodeInstance, objs []*mbuf.Buffer) {
	ctx := inst.Ctx.(*tunnelCtx)
	single := make([]*mbuf.Buffer, 1)

	for _, b := range objs {
		single[0] = b

		nh := OutputField.Get(b).NextHop
		ifc, ok := tables.Iface.Get(nh.IfaceID)
		if !ok {
			ctx.mismatch.Inc()
			inst.Enqueue(graph.DropEdge, single)
			continue
		}
		tun, ok := ifc.Kind.(iface.IPIPTunnel)
		if !ok {
			ctx.mismatch.Inc()
			inst.Enqueue(graph.DropEdge, single)
			continue
		}

		// The outer next hop must be resolved before the headers are
		// prepended, since the outer Ethernet header needs its destination
		// MAC: there is no second rewrite pass once ipip_output loops back
		// into ip_output (ip_output only dispatches, it never rewrites).
		outerHop := tables.FIB.Lookup(tun.Remote)
		if outerHop == fib.NoRoute {
			ctx.noRoute.Inc()
			inst.Enqueue(graph.DropEdge, single)
			continue
		}
		outerNH, ok := tables.NextHop.Get(outerHop)
		if !ok {
			ctx.noRoute.Inc()
			inst.Enqueue(graph.DropEdge, single)
			continue
		}

		// IP-in-IP encapsulates the inner IP packet, not the inner Ethernet
		// frame: drop the inner frame's own Ethernet header before pushing
		// the outer one, recycling its bytes back into Headroom.
		b.Data = b.Data[ethHeaderLen:]
		b.Headroom += ethHeaderLen

		innerLen := len(b.Data)
		hdr := b.Prepend(ethHeaderLen + 20)
		buildOuterEthernetHeader(hdr[:ethHeaderLen], outerNH.MAC)
		buildOuterIPv4Header(hdr[ethHeaderLen:], tun, innerLen)

		OutputField.Get(b).NextHop = outerNH

		inst.Enqueue(ipipOutputEdge, single)
	}
}

// buildOuterEthernetHeader writes a 14-byte Ethernet header addressed to
// dstMAC with EtherType IPv4. The source MAC is left zeroed: this core has
// no notion of a local MAC per physical port (that lives with the
// AF_PACKET-bound device, outside anything ipip_output resolves), matching
// how pool.Port.TxBurst never inspects or rewrites the source address either.
func buildOuterEthernetHeader(hdr []byte, dstMAC [6]byte) {
	copy(hdr[0:6], dstMAC[:])
	for i := 6; i < 12; i++ {
		hdr[i] = 0
	}
	binary.BigEndian.PutUint16(hdr[12:14], ethTypeIPv4)
}

// buildOuterIPv4Header writes a minimal 20-byte IPv4 header (no options)
// into hdr: version/IHL, total length, TTL, protocol IPPROTO_IPIP, and the
// tunnel's local/remote endpoints as source/destination. The checksum is
// computed over the header only, as usual for IPv4.
func buildOuterIPv4Header(hdr []byte, tun iface.IPIPTunnel, innerLen int) {
	hdr[0] = 0x45 // version 4, IHL 5 (20 bytes, no options)
	hdr[1] = 0    // DSCP/ECN
	binary.BigEndian.PutUint16(hdr[2:4], uint16(20+innerLen))
	binary.BigEndian.PutUint16(hdr[4:6], 0) // identification
	binary.BigEndian.PutUint16(hdr[6:8], 0) // flags/fragment offset
	hdr[8] = 64                             // TTL
	hdr[9] = ipProtoIPIP
	binary.BigEndian.PutUint16(hdr[10:12], 0) // checksum, filled below
	copy(hdr[12:16], tun.Local.AsSlice())
	copy(hdr[16:20], tun.Remote.AsSlice())

	csum := ipv4HeaderChecksumOf(hdr[:20])
	binary.BigEndian.PutUint16(hdr[10:12], csum)
}

// ipv4HeaderChecksumOf computes the standard one's-complement checksum over
// a 20-byte IPv4 header.
func ipv4HeaderChecksumOf(hdr []byte) uint16 {
	var sum uint32
	for i := 0; i < len(hdr); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(hdr[i : i+2]))
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}
