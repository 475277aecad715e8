// Package pool provides the packet buffer pool and the burst RX/TX
// primitives each worker pulls from and pushes to. This is the external
// collaborator boundary described for the NIC driver / memory-pool layer:
// in a DPDK build this would be EAL-managed hugepage mbufs and
// rte_eth_rx_burst/rte_eth_tx_burst; here, with no EAL available to
// userspace Go, it is a sync.Pool of mbuf.Buffer plus AF_PACKET raw sockets,
// non-blocking, one socket per configured port.
package pool

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"grout/internal/mbuf"
)

// Pool hands out recycled mbuf.Buffer values so the hot path never calls
// into the allocator once warmed up.
type Pool struct {
	p sync.Pool
}

// NewPool returns an empty buffer pool.
func NewPool() *Pool {
	return &Pool{
		p: sync.Pool{New: func() any { return new(mbuf.Buffer) }},
	}
}

// Get returns a reset buffer ready to receive packet data.
func (pl *Pool) Get() *mbuf.Buffer {
	b := pl.p.Get().(*mbuf.Buffer)
	b.Reset()
	return b
}

// Put returns a buffer to the pool once a node has finished with it (drop,
// or after a successful tx).
func (pl *Pool) Put(b *mbuf.Buffer) {
	pl.p.Put(b)
}

// Port is one AF_PACKET-backed network interface the daemon drives, through
// a single underlying socket (AF_PACKET has no hardware RSS queues). There
// are no per-queue handles: RxQueueSet and TxQueueSet below are sets of whole
// ports, and every worker that transmits on a Port writes to the same socket.
type Port struct {
	Name string
	fd   int
	pl   *Pool
}

// OpenPort creates a non-blocking AF_PACKET socket bound to device and
// returns a Port ready for RxBurst/TxBurst. device must name a live network
// interface (e.g. "eth0"); binding fails if it does not exist.
func OpenPort(name, device string, pl *Pool) (*Port, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, htons(unix.ETH_P_ALL))
	if err != nil {
		return nil, fmt.Errorf("pool: socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("pool: set nonblock: %w", err)
	}

	idx, err := ifIndex(device)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("pool: resolve %q: %w", device, err)
	}

	sa := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  idx,
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("pool: bind %q: %w", device, err)
	}

	return &Port{Name: name, fd: fd, pl: pl}, nil
}

// Close releases the port's socket.
func (p *Port) Close() error {
	return unix.Close(p.fd)
}

// RxBurst fills up to len(out) buffers from the port's socket, returning the
// number filled. A return of 0 means no packets are currently available
// (EAGAIN), not an error — matches rte_eth_rx_burst's "may return fewer than
// requested, including zero" contract.
func (p *Port) RxBurst(out []*mbuf.Buffer) int {
	// rxHeadroom is left free ahead of every received frame so nodes can
	// push headers (ipip_output's outer Ethernet+IPv4) with mbuf.Prepend.
	const rxHeadroom = 128
	n := 0
	for n < len(out) {
		b := p.pl.Get()
		r, _, err := unix.Recvfrom(p.fd, b.Raw()[rxHeadroom:], 0)
		if err != nil {
			p.pl.Put(b)
			break // EAGAIN or transient error: stop, return what we have
		}
		b.Headroom = rxHeadroom
		b.Data = b.Raw()[rxHeadroom : rxHeadroom+r]
		out[n] = b
		n++
	}
	return n
}

// TxBurst sends each buffer in bufs out the port's socket, returning the
// number successfully sent. Buffers that are sent, or that fail terminally,
// are returned to the pool; a caller never needs to free them itself.
func (p *Port) TxBurst(bufs []*mbuf.Buffer) int {
	sent := 0
	for _, b := range bufs {
		_, err := unix.Write(p.fd, b.Data)
		p.pl.Put(b)
		if err != nil {
			continue
		}
		sent++
	}
	return sent
}

func htons(v uint16) uint16 {
	return (v << 8) | (v >> 8)
}

// ifIndex resolves a device name to its kernel interface index. This uses
// net.InterfaceByName rather than a raw SIOCGIFINDEX ioctl since it is
// resolved once at port setup, off the packet hot path.
func ifIndex(device string) (int, error) {
	ifi, err := net.InterfaceByName(device)
	if err != nil {
		return 0, err
	}
	return ifi.Index, nil
}

// RxQueueSet is the set of ports a single worker polls for RX bursts. A
// worker owns exactly one RxQueueSet, built from the ports its config
// section names.
type RxQueueSet struct {
	Ports []*Port
}

// PollAll runs one RxBurst of size burstSize against every port in turn,
// calling handle with the port's index into Ports and the packets it
// yielded. handle must not retain out beyond the call.
func (s *RxQueueSet) PollAll(burstSize int, scratch []*mbuf.Buffer, handle func(portIdx int, pkts []*mbuf.Buffer)) {
	for i, p := range s.Ports {
		n := p.RxBurst(scratch[:burstSize])
		if n > 0 {
			handle(i, scratch[:n])
		}
	}
}

// TxQueueSet is the set of ports a single worker may transmit on. Workers
// write into whichever port index the tx node resolved via its next-hop's
// interface. Pool is used to free bufs when portIdx does not resolve to a
// port, since a worker must never return from Send still holding buffers it
// no longer references.
type TxQueueSet struct {
	Ports []*Port
	Pool  *Pool
}

// Send transmits bufs on the named port, returning the number sent. An
// out-of-range portIdx sends nothing and frees bufs back to the pool (the
// caller owns counting that as a drop — see internal/metrics' txq_full
// reason — but never owns freeing the buffer, matching every other
// terminal path in the datapath).
func (s *TxQueueSet) Send(portIdx int, bufs []*mbuf.Buffer) int {
	if portIdx < 0 || portIdx >= len(s.Ports) {
		if s.Pool != nil {
			for _, b := range bufs {
				s.Pool.Put(b)
			}
		}
		return 0
	}
	return s.Ports[portIdx].TxBurst(bufs)
}
