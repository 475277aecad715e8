// Package fib implements the IPv4 forwarding information base: a
// longest-prefix-match table mapping destination prefixes to next-hop ids.
//
// Readers (the ipv4_lookup datapath node, one instance per worker) never
// take a lock: Table.LookupBulk loads an atomic snapshot of the underlying
// bart.Table and walks it directly. Writers (internal/control.Bridge) take
// Table's mutex, build a new copy-on-write snapshot via bart's *Persist
// methods, and atomically publish it — the same discipline
// github.com/gaissmai/bart's SyncTable example demonstrates. Table holds no
// rcu.Domain itself: control.Bridge follows each write with
// rcu.Domain.Synchronize so it can wait for the previous snapshot's readers
// to finish before releasing next-hop state it referenced.
package fib

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/gaissmai/bart"
)

// NoRoute is the sentinel next-hop id LookupBulk reports for an address with
// no matching prefix.
const NoRoute uint32 = 0

// Table is an RCU-protected LPM table from IPv4 prefixes to next-hop ids.
type Table struct {
	snap atomic.Pointer[bart.Table[uint32]]
	mu   sync.Mutex // serializes writers only; readers never take it
}

// New returns an empty Table.
func New() *Table {
	t := &Table{}
	t.snap.Store(new(bart.Table[uint32]))
	return t
}

// Add inserts or replaces the next-hop id for pfx. Add is a control-plane
// operation: the datapath never calls it.
func (t *Table) Add(pfx netip.Prefix, nextHopID uint32) error {
	if nextHopID == NoRoute {
		return fmt.Errorf("fib: next-hop id %d is reserved for NoRoute", NoRoute)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.snap.Load()
	next := old.InsertPersist(pfx, nextHopID)
	t.snap.Store(next)
	return nil
}

// Delete removes pfx's route, if present. It is a no-op if pfx was not
// installed.
func (t *Table) Delete(pfx netip.Prefix) {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.snap.Load()
	next := old.DeletePersist(pfx)
	t.snap.Store(next)
}

// Lookup resolves a single destination address to its next-hop id, or
// NoRoute if no prefix matches.
func (t *Table) Lookup(addr netip.Addr) uint32 {
	val, ok := t.snap.Load().Lookup(addr)
	if !ok {
		return NoRoute
	}
	return val
}

// LookupBulk resolves addrs[i] into out[i] for every i, returning the count
// of addresses that matched a route (as opposed to resolving to NoRoute).
// It loads the snapshot pointer once up front so every address in the burst
// is resolved against a single consistent table version, matching the
// original rte_fib_lookup_bulk contract.
func (t *Table) LookupBulk(addrs []netip.Addr, out []uint32) int {
	if len(out) < len(addrs) {
		panic("fib: LookupBulk out slice shorter than addrs")
	}
	snap := t.snap.Load()
	matched := 0
	for i, a := range addrs {
		val, ok := snap.Lookup(a)
		if !ok {
			out[i] = NoRoute
			continue
		}
		out[i] = val
		matched++
	}
	return matched
}

// Size reports the number of installed IPv4 routes.
func (t *Table) Size() int {
	return t.snap.Load().Size4()
}

// GetExact returns the next-hop id installed for the exact prefix pfx (not
// a longest-prefix match), and whether one is present. The control bridge
// uses this before Add to learn the next-hop id a replace is about to
// displace, so it can release that next-hop's reference only after the
// grace period for the new snapshot has elapsed.
func (t *Table) GetExact(pfx netip.Prefix) (uint32, bool) {
	return t.snap.Load().Get(pfx)
}
