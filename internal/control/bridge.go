package control

import (
	"context"
	"net/netip"
	"strconv"
	"sync"
	"syscall"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"grout/internal/fib"
	"grout/internal/graph"
	"grout/internal/iface"
	"grout/internal/logger"
	"grout/internal/rcu"
)

var tracer = otel.Tracer("grout/control")

var validate = validator.New()

// Bridge applies control-plane mutations to the FIB, next-hop, and
// interface tables and to per-worker node init data, matching component G
// from the system overview. A single mutex serializes writers across all
// three tables, per §5's "single control mutex"; readers (the datapath
// nodes) never touch this mutex at all.
type Bridge struct {
	mu sync.Mutex

	fib     *fib.Table
	ifaces  *iface.Table
	nhops   *iface.NextHopTable
	domain  *rcu.Domain
	data    *graph.DataRegistry
	lgr     logger.Logger
}

// Option configures a Bridge at construction, matching the functional-option
// pattern internal/worker and the teacher's internal/server use.
type Option func(*Bridge)

// WithLogger attaches a logger to the bridge.
func WithLogger(lgr logger.Logger) Option {
	return func(b *Bridge) { b.lgr = lgr }
}

// NewBridge constructs a Bridge over the shared datapath tables. data is the
// same graph.DataRegistry passed to every worker's graph.Build call, so
// AssignTxQueue can install a worker's tx queue set before that worker's
// graph exists.
func NewBridge(fibTable *fib.Table, ifaces *iface.Table, nhops *iface.NextHopTable, domain *rcu.Domain, data *graph.DataRegistry, opts ...Option) *Bridge {
	b := &Bridge{
		fib:    fibTable,
		ifaces: ifaces,
		nhops:  nhops,
		domain: domain,
		data:   data,
		lgr:    &logger.NopLogger{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// FIBAdd installs or replaces the route for pfx, pointing it at nextHopID.
// nextHopID must already exist in the next-hop table. If pfx was already
// routed, the displaced next-hop's reference is released only after
// rcu.Domain.Synchronize confirms every reader has moved past the old FIB
// snapshot, per §4.B's "old nh_id reference released after grace period."
func (b *Bridge) FIBAdd(ctx context.Context, pfx netip.Prefix, nextHopID uint32) syscall.Errno {
	_, span := tracer.Start(ctx, "control.FIBAdd", trace.WithAttributes(
		attribute.String("prefix", pfx.String()),
		attribute.Int64("next_hop_id", int64(nextHopID)),
	))
	defer span.End()

	nh, ok := b.nhops.Get(nextHopID)
	if !ok {
		b.lgr.Warn("FIBAdd: unknown next-hop", logger.F("next_hop_id", nextHopID))
		return syscall.ENOENT
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	displaced, hadPrior := b.fib.GetExact(pfx)
	nh.Retain()
	if err := b.fib.Add(pfx, nextHopID); err != nil {
		nh.Release()
		b.lgr.Error("FIBAdd failed", logger.F("err", err))
		return syscall.ENOSPC
	}

	if hadPrior && displaced == nextHopID {
		// Re-adding the same binding: the route already held a reference
		// to nh, so drop the one just taken.
		nh.Release()
	} else if hadPrior {
		b.domain.Synchronize()
		if old, ok := b.nhops.Get(displaced); ok {
			old.Release()
		}
	}

	b.lgr.Info("route installed", logger.F("prefix", pfx.String()), logger.F("next_hop_id", nextHopID))
	return 0
}

// FIBDelete removes pfx's route, releasing its next-hop's reference after a
// grace period. It is a no-op (success) if pfx was not installed.
func (b *Bridge) FIBDelete(ctx context.Context, pfx netip.Prefix) syscall.Errno {
	_, span := tracer.Start(ctx, "control.FIBDelete", trace.WithAttributes(
		attribute.String("prefix", pfx.String()),
	))
	defer span.End()

	b.mu.Lock()
	defer b.mu.Unlock()

	displaced, hadPrior := b.fib.GetExact(pfx)
	b.fib.Delete(pfx)
	if hadPrior {
		b.domain.Synchronize()
		if old, ok := b.nhops.Get(displaced); ok {
			old.Release()
		}
	}
	b.lgr.Info("route removed", logger.F("prefix", pfx.String()))
	return 0
}

// NextHopAdd installs a new next-hop record. It returns EEXIST if id is
// already in use.
func (b *Bridge) NextHopAdd(ctx context.Context, nh iface.NextHop) syscall.Errno {
	_, span := tracer.Start(ctx, "control.NextHopAdd", trace.WithAttributes(
		attribute.Int64("id", int64(nh.ID)),
	))
	defer span.End()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.nhops.Add(&nh); err != nil {
		b.lgr.Warn("NextHopAdd failed", logger.F("err", err))
		return syscall.EEXIST
	}
	return 0
}

// NextHopUpdate updates an existing next-hop's resolved MAC/MTU/egress
// interface in place, carrying its reference count forward (see
// iface.NextHopTable.Update). It returns ENOENT if id is unknown.
func (b *Bridge) NextHopUpdate(ctx context.Context, id uint32, ifaceID uint16, mac [6]byte, mtu uint16) syscall.Errno {
	_, span := tracer.Start(ctx, "control.NextHopUpdate", trace.WithAttributes(
		attribute.Int64("id", int64(id)),
	))
	defer span.End()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.nhops.Update(id, ifaceID, mac, mtu); err != nil {
		return syscall.ENOENT
	}
	return 0
}

// NextHopDelete removes a next-hop record. It returns EBUSY if the
// next-hop's reference count is still nonzero (a FIB entry still points at
// it) rather than silently orphaning an in-use id.
func (b *Bridge) NextHopDelete(ctx context.Context, id uint32) syscall.Errno {
	_, span := tracer.Start(ctx, "control.NextHopDelete", trace.WithAttributes(
		attribute.Int64("id", int64(id)),
	))
	defer span.End()

	b.mu.Lock()
	defer b.mu.Unlock()

	nh, ok := b.nhops.Get(id)
	if !ok {
		return syscall.ENOENT
	}
	if nh.RefCount() != 0 {
		return syscall.EBUSY
	}
	b.nhops.Delete(id)
	return 0
}

// InterfaceCreate validates rec (name ≤64, device ≤128, valid mtu, ...) per
// §6's InterfaceRecord contract and installs it into the interface table.
// kind must already carry the interface's type-specific info (tunnel
// local/remote, VRF, ...) resolved by the collaborator control socket; the
// Bridge itself has no notion of the wire encoding for kind, only its
// already-decoded iface.Kind value.
func (b *Bridge) InterfaceCreate(ctx context.Context, rec InterfaceRecord, kind iface.Kind, vrf uint32) syscall.Errno {
	_, span := tracer.Start(ctx, "control.InterfaceCreate", trace.WithAttributes(
		attribute.String("name", rec.Name),
	))
	defer span.End()

	if err := validate.Struct(rec); err != nil {
		b.lgr.Warn("InterfaceCreate: invalid record", logger.F("err", err))
		return syscall.EINVAL
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ifc := iface.Interface{ID: rec.Index, Name: rec.Name, Kind: kind, VRF: vrf}
	if err := b.ifaces.Create(ifc); err != nil {
		return syscall.EEXIST
	}
	return 0
}

// InterfaceUpdate replaces an existing interface's record. It returns
// ENOENT if rec.Index is unknown.
func (b *Bridge) InterfaceUpdate(ctx context.Context, rec InterfaceRecord, kind iface.Kind, vrf uint32) syscall.Errno {
	_, span := tracer.Start(ctx, "control.InterfaceUpdate", trace.WithAttributes(
		attribute.String("name", rec.Name),
	))
	defer span.End()

	if err := validate.Struct(rec); err != nil {
		return syscall.EINVAL
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ifc := iface.Interface{ID: rec.Index, Name: rec.Name, Kind: kind, VRF: vrf}
	if err := b.ifaces.Update(ifc); err != nil {
		return syscall.ENOENT
	}
	return 0
}

// InterfaceDelete removes an interface. It is a no-op if id is unknown.
func (b *Bridge) InterfaceDelete(ctx context.Context, id uint16) syscall.Errno {
	_, span := tracer.Start(ctx, "control.InterfaceDelete", trace.WithAttributes(
		attribute.Int64("id", int64(id)),
	))
	defer span.End()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.ifaces.Delete(id)
	return 0
}

// AssignTxQueue installs queues into the shared graph.DataRegistry keyed by
// (a.Worker, "tx"), the mechanism tx.go's Init uses to obtain its
// *pool.TxQueueSet; a.Port and a.Queue are not read. It takes effect for a
// worker only if called before that worker's graph.Build runs. cmd/groutd
// passes every worker the same set, spanning all ports.
func (b *Bridge) AssignTxQueue(a TxQueueAssignment, queues any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data.Set(a.Worker, "tx", queues)
}

// ControlOp is one recorded mutation, used by Replay to rehydrate a
// restarted daemon's tables from the external control plane's operation
// log — this core persists nothing itself (§6: "Persisted state: None").
type ControlOp struct {
	Kind string // "fib_add", "fib_delete", "next_hop_add", "interface_create", ...
	// Fields below are interpreted per Kind; unused ones for a given Kind
	// are left at their zero value.
	Prefix    netip.Prefix
	NextHopID uint32
	NextHop   iface.NextHop
	Interface InterfaceRecord
	Kind2     iface.Kind
	VRF       uint32
}

// Replay applies a sequence of recorded operations in order, stopping at
// the first error. It is the mechanism described in §6: a restarted daemon
// has no persisted state of its own, so the external control plane replays
// its operation log through Replay to rebuild the FIB/next-hop/interface
// tables.
func (b *Bridge) Replay(ctx context.Context, ops []ControlOp) error {
	for i, op := range ops {
		var errno syscall.Errno
		switch op.Kind {
		case "fib_add":
			errno = b.FIBAdd(ctx, op.Prefix, op.NextHopID)
		case "fib_delete":
			errno = b.FIBDelete(ctx, op.Prefix)
		case "next_hop_add":
			errno = b.NextHopAdd(ctx, op.NextHop)
		case "interface_create":
			errno = b.InterfaceCreate(ctx, op.Interface, op.Kind2, op.VRF)
		default:
			continue
		}
		if errno != 0 {
			return &replayError{index: i, op: op.Kind, errno: errno}
		}
	}
	return nil
}

type replayError struct {
	index int
	op    string
	errno syscall.Errno
}

func (e *replayError) Error() string {
	return "control: replay op " + strconv.Itoa(e.index) + " (" + e.op + ") failed: " + e.errno.Error()
}
