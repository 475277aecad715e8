package fib

import (
	"net/netip"
	"testing"
	"time"
)

func TestAddLookupDelete(t *testing.T) {
	tbl := New()

	pfx := netip.MustParsePrefix("10.0.0.0/24")
	if err := tbl.Add(pfx, 7); err != nil {
		t.Fatalf("Add: %v", err)
	}

	addr := netip.MustParseAddr("10.0.0.5")
	if got := tbl.Lookup(addr); got != 7 {
		t.Fatalf("Lookup = %d, want 7", got)
	}

	tbl.Delete(pfx)
	if got := tbl.Lookup(addr); got != NoRoute {
		t.Fatalf("Lookup after delete = %d, want NoRoute", got)
	}
}

func TestLookupNoRoute(t *testing.T) {
	tbl := New()
	if got := tbl.Lookup(netip.MustParseAddr("192.0.2.1")); got != NoRoute {
		t.Fatalf("Lookup on empty table = %d, want NoRoute", got)
	}
}

func TestAddRejectsNoRouteSentinel(t *testing.T) {
	tbl := New()
	if err := tbl.Add(netip.MustParsePrefix("0.0.0.0/0"), NoRoute); err == nil {
		t.Fatalf("expected error inserting the NoRoute sentinel as a next-hop id")
	}
}

func TestLookupBulkLongestPrefixWins(t *testing.T) {
	tbl := New()
	mustAdd(t, tbl, "10.0.0.0/8", 1)
	mustAdd(t, tbl, "10.1.0.0/16", 2)
	mustAdd(t, tbl, "10.1.1.0/24", 3)

	addrs := []netip.Addr{
		netip.MustParseAddr("10.1.1.5"),  // matches /24
		netip.MustParseAddr("10.1.2.5"),  // matches /16
		netip.MustParseAddr("10.2.0.5"),  // matches /8
		netip.MustParseAddr("8.8.8.8"),   // no match
	}
	out := make([]uint32, len(addrs))
	matched := tbl.LookupBulk(addrs, out)

	want := []uint32{3, 2, 1, NoRoute}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("out[%d] = %d, want %d", i, out[i], want[i])
		}
	}
	if matched != 3 {
		t.Fatalf("matched = %d, want 3", matched)
	}
}

// TestRCUUpdateUnderLoad runs concurrent lookups against a table a second
// goroutine mutates continuously, asserting every lookup observes either the
// pre- or post-update next-hop id — never a torn or zeroed value. Run with
// -race to additionally confirm no data race on the snapshot pointer.
func TestRCUUpdateUnderLoad(t *testing.T) {
	tbl := New()
	pfx := netip.MustParsePrefix("203.0.113.0/24")
	addr := netip.MustParseAddr("203.0.113.42")

	mustAdd(t, tbl, pfx.String(), 1)

	stop := make(chan struct{})
	errc := make(chan error, 1)

	go func() {
		for i := uint32(1); ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if err := tbl.Add(pfx, i%2+1); err != nil {
				select {
				case errc <- err:
				default:
				}
				return
			}
		}
	}()

	deadline := time.Now().Add(50 * time.Millisecond)
	for time.Now().Before(deadline) {
		got := tbl.Lookup(addr)
		if got != 1 && got != 2 {
			close(stop)
			t.Fatalf("torn read: got next-hop id %d, want 1 or 2", got)
		}
	}
	close(stop)

	select {
	case err := <-errc:
		t.Fatalf("writer error: %v", err)
	default:
	}
}

func mustAdd(t *testing.T, tbl *Table, pfx string, nextHop uint32) {
	t.Helper()
	if err := tbl.Add(netip.MustParsePrefix(pfx), nextHop); err != nil {
		t.Fatalf("Add(%s): %v", pfx, err)
	}
}

func TestGetExactDoesNotFollowLongestPrefixMatch(t *testing.T) {
	tbl := New()
	mustAdd(t, tbl, "10.0.0.0/8", 1)
	mustAdd(t, tbl, "10.1.0.0/16", 2)

	if _, ok := tbl.GetExact(netip.MustParsePrefix("10.1.1.0/24")); ok {
		t.Fatalf("GetExact matched a prefix that was never installed")
	}
	got, ok := tbl.GetExact(netip.MustParsePrefix("10.1.0.0/16"))
	if !ok || got != 2 {
		t.Fatalf("GetExact(10.1.0.0/16) = (%d, %v), want (2, true)", got, ok)
	}
}
