// Package worker runs one pinned graph instance: the per-core loop that
// pulls RX bursts, walks them through the classify node, and periodically
// quiesces against the shared rcu.Domain so control-plane writers can make
// progress.
package worker

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"

	"grout/internal/graph"
	"grout/internal/logger"
	"grout/internal/mbuf"
	"grout/internal/pool"
	"grout/internal/rcu"
)

// Config configures one Worker.
type Config struct {
	Name      string
	CPU       int // OS CPU id to pin this worker's thread to; -1 disables pinning
	BurstSize int
	Graph     *graph.Graph
	Rx        *pool.RxQueueSet
	Tx        *pool.TxQueueSet
	Domain    *rcu.Domain
	Reader    rcu.ReaderID
	Logger    logger.Logger
}

// Worker owns one graph instance and the RX/TX queues it feeds from and
// drains into. A Worker is driven by exactly one goroutine, started by Run.
type Worker struct {
	cfg    Config
	lgr    logger.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Worker from cfg. Call Run to start its loop.
func New(cfg Config) *Worker {
	lgr := cfg.Logger
	if lgr == nil {
		lgr = &logger.NopLogger{}
	}
	return &Worker{cfg: cfg, lgr: lgr.Named("worker").With(logger.F("name", cfg.Name))}
}

// Run pins the calling goroutine's OS thread (if cfg.CPU >= 0) and loops
// pulling bursts until ctx is canceled. Run blocks; callers normally invoke
// it via `go w.Run(ctx)` and synchronize shutdown through Stop.
func (w *Worker) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if w.cfg.CPU >= 0 {
		var set unix.CPUSet
		set.Zero()
		set.Set(w.cfg.CPU)
		// SchedSetaffinity is the nearest approximation Go's runtime
		// allows to DPDK's lcore pinning: it binds the current OS thread,
		// which LockOSThread has just bound to this goroutine for its
		// lifetime.
		if err := unix.SchedSetaffinity(0, &set); err != nil {
			return fmt.Errorf("worker %s: pin to cpu %d: %w", w.cfg.Name, w.cfg.CPU, err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	defer close(w.done)

	classify, ok := w.cfg.Graph.Instance("classify")
	if !ok {
		return fmt.Errorf("worker %s: graph has no classify node", w.cfg.Name)
	}

	burst := w.cfg.BurstSize
	if burst <= 0 {
		burst = 32
	}
	scratch := make([]*mbuf.Buffer, burst)

	w.lgr.Info("worker starting", logger.F("cpu", w.cfg.CPU), logger.F("burstSize", burst))

	for {
		select {
		case <-runCtx.Done():
			w.lgr.Info("worker stopping")
			return nil
		default:
		}

		w.cfg.Domain.ReadSection(w.cfg.Reader, func() {
			w.cfg.Rx.PollAll(burst, scratch, func(_ int, pkts []*mbuf.Buffer) {
				classify.Run(pkts)
			})
		})

		w.cfg.Domain.Quiesce(w.cfg.Reader)
	}
}

// Stop cancels the worker's run loop and waits (bounded by ctx) for it to
// finish draining its current burst and calling Close on its graph.
func (w *Worker) Stop(ctx context.Context) {
	if w.cancel == nil {
		return
	}
	w.cancel()
	select {
	case <-w.done:
	case <-ctx.Done():
		w.lgr.Warn("worker stop timed out")
	}
	w.cfg.Graph.Close()
}
