// Package datapath implements the packet-processing graph nodes: classify,
// ipv4_lookup, ipv4_rewrite, ip_output, ipip_output, tx, and drop. Each node
// is grounded on the matching original_source/ C file where one exists
// (lookup.c, tx.c, datapath_out.c); ipv4_rewrite and ip_output, not present
// in the retrieval excerpt, follow the same scratch-field/edge-table
// conventions the other nodes show.
package datapath

import (
	"grout/internal/iface"
	"grout/internal/mbuf"
)

// TxFieldData mirrors the original's tx_mbuf_priv: which port/queue a
// packet should leave on.
type TxFieldData struct {
	PortID uint16
}

// FwdFieldData mirrors the original's ip4_fwd_mbuf_priv: the next-hop id
// the FIB lookup resolved for this packet.
type FwdFieldData struct {
	NextHopID uint32
}

// OutputFieldData carries the resolved next-hop record itself (rather than
// just its id) from ip_output onward, so ipip_output and tx don't need a
// second table lookup.
type OutputFieldData struct {
	NextHop *iface.NextHop
}

var (
	TxField     mbuf.Field[TxFieldData]
	FwdField    mbuf.Field[FwdFieldData]
	OutputField mbuf.Field[OutputFieldData]
)

// registerFields allocates this package's scratch fields. Called once from
// RegisterAll, mirroring lookup_init's rte_mbuf_dynfield_register call in
// the original (guarded there by a static bool, here by mbuf's own
// exactly-once registry).
func registerFields() error {
	var err error
	if TxField, err = mbuf.RegisterField[TxFieldData]("datapath.tx"); err != nil {
		return err
	}
	if FwdField, err = mbuf.RegisterField[FwdFieldData]("datapath.fwd"); err != nil {
		return err
	}
	if OutputField, err = mbuf.RegisterField[OutputFieldData]("datapath.output"); err != nil {
		return err
	}
	return nil
}
