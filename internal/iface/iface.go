// Package iface holds the interface and next-hop tables: the router's
// notion of "where can a packet leave from" and "who do I hand it to next."
// Both tables follow the same RCU discipline as internal/fib — copy-on-write
// snapshots behind an atomic pointer, writers serialized by a mutex.
package iface

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
)

// Kind is a tagged union over the interface types the router supports.
// Physical and IPIPTunnel are its only two arms; a type switch on Kind is
// the idiomatic Go stand-in for the sum type the original models as a
// br_iface_type enum.
type Kind interface {
	ifaceKind()
}

// Physical is a directly-attached interface backed by a pool.Port.
type Physical struct {
	Device string
}

func (Physical) ifaceKind() {}

// IPIPTunnel is an IP-in-IP tunnel interface: packets routed to it get
// re-encapsulated and re-injected into ip_output for the outer header's
// next hop, rather than transmitted directly.
type IPIPTunnel struct {
	Local  netip.Addr
	Remote netip.Addr
	VRF    uint32
}

func (IPIPTunnel) ifaceKind() {}

// Interface is one entry in the interface table.
type Interface struct {
	ID   uint16
	Name string
	Kind Kind
	VRF  uint32
}

// NextHop is a resolved forwarding target: which interface to emit on, the
// link-layer address to stamp, and the path MTU. Refcount tracks how many
// FIB entries currently reference this next-hop; the control bridge holds
// off reclaiming a next-hop's slot until the refcount drops to zero and any
// in-flight FIB snapshot that could still reference it has been retired via
// rcu.Domain.Synchronize.
type NextHop struct {
	ID      uint32
	IfaceID uint16
	MAC     [6]byte
	MTU     uint16
	refcnt  atomic.Int32
}

// Retain increments the next-hop's reference count; called by the control
// bridge when a FIB entry starts pointing at it.
func (n *NextHop) Retain() { n.refcnt.Add(1) }

// Release decrements the reference count and reports whether it reached
// zero, meaning the slot is free to reclaim (after a grace period).
func (n *NextHop) Release() bool { return n.refcnt.Add(-1) == 0 }

// RefCount reports the current reference count, for diagnostics and tests.
func (n *NextHop) RefCount() int32 { return n.refcnt.Load() }

type ifaceSnapshot struct {
	byID map[uint16]*Interface
}

func (s *ifaceSnapshot) clone() *ifaceSnapshot {
	next := &ifaceSnapshot{byID: make(map[uint16]*Interface, len(s.byID))}
	for k, v := range s.byID {
		next.byID[k] = v
	}
	return next
}

// Table is the RCU-protected interface table.
type Table struct {
	snap atomic.Pointer[ifaceSnapshot]
	mu   sync.Mutex
}

// NewTable returns an empty interface table.
func NewTable() *Table {
	t := &Table{}
	t.snap.Store(&ifaceSnapshot{byID: make(map[uint16]*Interface)})
	return t
}

// Create installs a new interface. It returns an error if id is already in
// use.
func (t *Table) Create(ifc Interface) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.snap.Load()
	if _, exists := old.byID[ifc.ID]; exists {
		return fmt.Errorf("iface: id %d already exists", ifc.ID)
	}
	next := old.clone()
	next.byID[ifc.ID] = &ifc
	t.snap.Store(next)
	return nil
}

// Update replaces an existing interface's record in place. It returns an
// error if id is not known.
func (t *Table) Update(ifc Interface) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.snap.Load()
	if _, exists := old.byID[ifc.ID]; !exists {
		return fmt.Errorf("iface: id %d not found", ifc.ID)
	}
	next := old.clone()
	next.byID[ifc.ID] = &ifc
	t.snap.Store(next)
	return nil
}

// Delete removes an interface. It is a no-op if id is not known.
func (t *Table) Delete(id uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.snap.Load()
	if _, exists := old.byID[id]; !exists {
		return
	}
	next := old.clone()
	delete(next.byID, id)
	t.snap.Store(next)
}

// Get resolves id to its interface record. The returned pointer refers into
// an immutable snapshot and is safe to hold across a burst without locking.
func (t *Table) Get(id uint16) (*Interface, bool) {
	ifc, ok := t.snap.Load().byID[id]
	return ifc, ok
}

// NextHopTable is the RCU-protected next-hop table, keyed by the same
// next-hop ids the FIB stores as its LPM values.
type NextHopTable struct {
	mu   sync.Mutex
	snap atomic.Pointer[map[uint32]*NextHop]
}

// NewNextHopTable returns an empty next-hop table.
func NewNextHopTable() *NextHopTable {
	t := &NextHopTable{}
	m := make(map[uint32]*NextHop)
	t.snap.Store(&m)
	return t
}

// Add installs a new next-hop entry. It returns an error if id is already in
// use.
func (t *NextHopTable) Add(nh *NextHop) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := *t.snap.Load()
	if _, exists := old[nh.ID]; exists {
		return fmt.Errorf("iface: next-hop id %d already exists", nh.ID)
	}
	next := make(map[uint32]*NextHop, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[nh.ID] = nh
	t.snap.Store(&next)
	return nil
}

// Update replaces an existing next-hop's MAC/MTU/IfaceID in place, carrying
// its current reference count forward onto the new record (the refcount
// tracks how many FIB entries point at this id, not the record's own
// contents, so a content update must not reset it). It returns an error if
// id is not known.
func (t *NextHopTable) Update(id uint32, ifaceID uint16, mac [6]byte, mtu uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := *t.snap.Load()
	existing, exists := old[id]
	if !exists {
		return fmt.Errorf("iface: next-hop id %d not found", id)
	}
	updated := &NextHop{ID: id, IfaceID: ifaceID, MAC: mac, MTU: mtu}
	updated.refcnt.Store(existing.refcnt.Load())

	next := make(map[uint32]*NextHop, len(old))
	for k, v := range old {
		next[k] = v
	}
	next[id] = updated
	t.snap.Store(&next)
	return nil
}

// Delete removes a next-hop entry. Callers must ensure (via Release/
// RefCount and an rcu.Domain.Synchronize grace period) that no FIB snapshot
// still references id before calling this.
func (t *NextHopTable) Delete(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := *t.snap.Load()
	if _, exists := old[id]; !exists {
		return
	}
	next := make(map[uint32]*NextHop, len(old))
	for k, v := range old {
		if k != id {
			next[k] = v
		}
	}
	t.snap.Store(&next)
}

// Get resolves a next-hop id to its record.
func (t *NextHopTable) Get(id uint32) (*NextHop, bool) {
	m := *t.snap.Load()
	nh, ok := m[id]
	return nh, ok
}
