package control

import (
	"context"
	"net/netip"
	"syscall"
	"testing"

	"grout/internal/fib"
	"grout/internal/graph"
	"grout/internal/iface"
	"grout/internal/rcu"
)

func newTestBridge() *Bridge {
	domain := rcu.NewDomain()
	return NewBridge(fib.New(), iface.NewTable(), iface.NewNextHopTable(), domain, graph.NewDataRegistry())
}

func TestFIBAddUnknownNextHopReturnsENOENT(t *testing.T) {
	b := newTestBridge()
	errno := b.FIBAdd(context.Background(), netip.MustParsePrefix("10.0.0.0/24"), 7)
	if errno != syscall.ENOENT {
		t.Fatalf("FIBAdd errno = %v, want ENOENT", errno)
	}
}

func TestFIBAddReplaceReleasesDisplacedNextHop(t *testing.T) {
	b := newTestBridge()
	ctx := context.Background()

	if errno := b.NextHopAdd(ctx, iface.NextHop{ID: 1, IfaceID: 1, MTU: 1500}); errno != 0 {
		t.Fatalf("NextHopAdd(1): %v", errno)
	}
	if errno := b.NextHopAdd(ctx, iface.NextHop{ID: 2, IfaceID: 1, MTU: 1500}); errno != 0 {
		t.Fatalf("NextHopAdd(2): %v", errno)
	}

	pfx := netip.MustParsePrefix("10.0.0.0/24")
	if errno := b.FIBAdd(ctx, pfx, 1); errno != 0 {
		t.Fatalf("FIBAdd(nh=1): %v", errno)
	}
	nh1, _ := b.nhops.Get(1)
	if nh1.RefCount() != 1 {
		t.Fatalf("nh1 refcount = %d, want 1", nh1.RefCount())
	}

	if errno := b.FIBAdd(ctx, pfx, 2); errno != 0 {
		t.Fatalf("FIBAdd(nh=2 replace): %v", errno)
	}
	if nh1.RefCount() != 0 {
		t.Fatalf("nh1 refcount after replace = %d, want 0", nh1.RefCount())
	}
	nh2, _ := b.nhops.Get(2)
	if nh2.RefCount() != 1 {
		t.Fatalf("nh2 refcount = %d, want 1", nh2.RefCount())
	}

	got := b.fib.Lookup(netip.MustParseAddr("10.0.0.5"))
	if got != 2 {
		t.Fatalf("Lookup = %d, want 2", got)
	}
}

func TestFIBDeleteReleasesNextHop(t *testing.T) {
	b := newTestBridge()
	ctx := context.Background()
	b.NextHopAdd(ctx, iface.NextHop{ID: 1, IfaceID: 1, MTU: 1500})
	pfx := netip.MustParsePrefix("192.0.2.0/24")
	b.FIBAdd(ctx, pfx, 1)

	if errno := b.FIBDelete(ctx, pfx); errno != 0 {
		t.Fatalf("FIBDelete: %v", errno)
	}
	nh, _ := b.nhops.Get(1)
	if nh.RefCount() != 0 {
		t.Fatalf("refcount after delete = %d, want 0", nh.RefCount())
	}
	if got := b.fib.Lookup(netip.MustParseAddr("192.0.2.1")); got != fib.NoRoute {
		t.Fatalf("Lookup after delete = %d, want NoRoute", got)
	}
}

func TestNextHopDeleteRefusesWhileInUse(t *testing.T) {
	b := newTestBridge()
	ctx := context.Background()
	b.NextHopAdd(ctx, iface.NextHop{ID: 1, IfaceID: 1, MTU: 1500})
	b.FIBAdd(ctx, netip.MustParsePrefix("10.0.0.0/24"), 1)

	if errno := b.NextHopDelete(ctx, 1); errno != syscall.EBUSY {
		t.Fatalf("NextHopDelete while in use = %v, want EBUSY", errno)
	}

	b.FIBDelete(ctx, netip.MustParsePrefix("10.0.0.0/24"))
	if errno := b.NextHopDelete(ctx, 1); errno != 0 {
		t.Fatalf("NextHopDelete after release: %v", errno)
	}
}

func TestInterfaceCreateValidatesRecord(t *testing.T) {
	b := newTestBridge()
	ctx := context.Background()

	bad := InterfaceRecord{Index: 1, Name: "", Device: "eth0", MTU: 1500, NRxq: 1, NTxq: 1}
	if errno := b.InterfaceCreate(ctx, bad, iface.Physical{Device: "eth0"}, 0); errno != syscall.EINVAL {
		t.Fatalf("InterfaceCreate(missing name) = %v, want EINVAL", errno)
	}

	good := InterfaceRecord{Index: 1, Name: "eth0", Device: "eth0", MTU: 1500, NRxq: 1, NTxq: 1}
	if errno := b.InterfaceCreate(ctx, good, iface.Physical{Device: "eth0"}, 0); errno != 0 {
		t.Fatalf("InterfaceCreate(valid): %v", errno)
	}
	if errno := b.InterfaceCreate(ctx, good, iface.Physical{Device: "eth0"}, 0); errno != syscall.EEXIST {
		t.Fatalf("InterfaceCreate(duplicate) = %v, want EEXIST", errno)
	}
}

func TestAssignTxQueueInstallsNodeData(t *testing.T) {
	b := newTestBridge()
	queues := "fake-tx-queue-set"
	b.AssignTxQueue(TxQueueAssignment{Port: "eth0", Worker: "worker-0", Queue: 0}, queues)

	got, ok := b.data.Get("worker-0", "tx")
	if !ok || got.(string) != queues {
		t.Fatalf("data.Get(worker-0, tx) = (%v, %v), want (%q, true)", got, ok, queues)
	}
}

func TestReplayStopsAtFirstError(t *testing.T) {
	b := newTestBridge()
	ops := []ControlOp{
		{Kind: "next_hop_add", NextHop: iface.NextHop{ID: 1, IfaceID: 1, MTU: 1500}},
		{Kind: "fib_add", Prefix: netip.MustParsePrefix("10.0.0.0/24"), NextHopID: 1},
		{Kind: "fib_add", Prefix: netip.MustParsePrefix("10.1.0.0/24"), NextHopID: 999}, // unknown next-hop
	}
	if err := b.Replay(context.Background(), ops); err == nil {
		t.Fatalf("expected Replay to fail on the unknown next-hop op")
	}
	if got := b.fib.Lookup(netip.MustParseAddr("10.0.0.5")); got != 1 {
		t.Fatalf("earlier successful op was not applied: Lookup = %d, want 1", got)
	}
}
