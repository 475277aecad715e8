// Package rcu implements a quiescent-state-based reclamation (QSBR) domain:
// readers never block and never take a lock; a writer that needs to know
// every in-flight reader has observed its update calls Synchronize, which
// blocks until each registered reader has passed through a quiescent point
// at least once since Synchronize was called.
//
// internal/fib and internal/iface keep their tables as snapshots behind
// atomic.Pointer and hold no Domain of their own; control.Bridge calls
// Synchronize after a write to know when it is safe to release what the
// write replaced.
package rcu

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// ReaderID identifies one registered reader (normally one per worker).
type ReaderID int

// epoch values: even means offline/quiescent, odd means inside a read
// section. A reader's epoch advancing past the value Synchronize observed
// at call time proves that reader is no longer holding a reference to
// whatever the writer is about to reclaim.
type readerState struct {
	epoch atomic.Uint64
}

// Domain tracks a fixed set of readers and lets a writer wait out a grace
// period across all of them.
type Domain struct {
	mu      sync.Mutex // serializes RegisterReader and Synchronize callers
	readers []*readerState
}

// NewDomain returns an empty Domain. Readers register with RegisterReader
// before calling Online/Offline or ReadSection.
func NewDomain() *Domain {
	return &Domain{}
}

// RegisterReader allocates a new reader slot, normally called once per
// worker at startup.
func (d *Domain) RegisterReader() ReaderID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readers = append(d.readers, &readerState{})
	return ReaderID(len(d.readers) - 1)
}

// Online marks id as having entered a read-critical window. Call Offline
// when the window ends; or use ReadSection to pair the two automatically.
func (d *Domain) Online(id ReaderID) {
	d.readers[id].epoch.Add(1)
}

// Offline marks id as having left the read-critical window — this is the
// quiescent point a concurrent Synchronize call is waiting for.
func (d *Domain) Offline(id ReaderID) {
	d.readers[id].epoch.Add(1)
}

// ReadSection runs f with id marked online for its duration. Datapath code
// calls this around each burst's table lookups.
func (d *Domain) ReadSection(id ReaderID, f func()) {
	d.Online(id)
	defer d.Offline(id)
	f()
}

// Quiesce is a convenience alias for Offline followed immediately by Online,
// for a worker that wants to mark a quiescent point between bursts without
// fully leaving its read-side loop. Workers call this once per burst.
func (d *Domain) Quiesce(id ReaderID) {
	d.Offline(id)
	d.Online(id)
}

// Synchronize blocks until every registered reader has passed a quiescent
// point (an even epoch) at or after the epoch observed when Synchronize was
// called. A reader that was already offline when Synchronize started
// trivially satisfies the wait. Called by writers (control.Bridge) after
// publishing a new snapshot and before reclaiming the old one.
func (d *Domain) Synchronize() {
	d.mu.Lock()
	readers := make([]*readerState, len(d.readers))
	copy(readers, d.readers)
	d.mu.Unlock()

	target := make([]uint64, len(readers))
	for i, r := range readers {
		target[i] = r.epoch.Load()
	}

	for i, r := range readers {
		want := target[i]
		if want%2 == 0 {
			continue // reader was already quiescent
		}
		for {
			got := r.epoch.Load()
			if got != want {
				break
			}
			runtime.Gosched()
		}
	}
}
