// Command groutd is the router daemon: it loads configuration, builds the
// shared datapath tables, registers the node graph, starts one pinned
// worker per configured core, and serves the control socket until a
// shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grout/internal/config"
	"grout/internal/control"
	"grout/internal/datapath"
	"grout/internal/fib"
	"grout/internal/graph"
	"grout/internal/iface"
	"grout/internal/logger"
	zapfactory "grout/internal/logger/zap"
	"grout/internal/metrics"
	"grout/internal/pool"
	"grout/internal/rcu"
	"grout/internal/telemetry"
	"grout/internal/worker"
)

var defaultConfigPath = "config/groutd/config.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration from %q: %v", *configPath, err)
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.ValidateConfig(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	var lgr logger.Logger
	if cfg.Logger.Active {
		zapLog, err := zapfactory.New(cfg.Logger)
		if err != nil {
			log.Fatalf("failed to initialize logger: %v", err)
		}
		defer func() { _ = zapLog.Sync() }()
		lgr = zapfactory.NewZapAdapter(zapLog)
	} else {
		lgr = &logger.NopLogger{}
	}
	cfg.LogConfig(lgr)

	shutdownTracer := telemetry.InitTracer(cfg.Telemetry, "grout")
	defer func() { _ = shutdownTracer(context.Background()) }()

	// Shared, RCU-protected datapath tables: exactly one of each per daemon.
	fibTable := fib.New()
	ifaceTable := iface.NewTable()
	nhTable := iface.NewNextHopTable()
	counters := metrics.NewDatapath(nil)
	domain := rcu.NewDomain()
	dataRegistry := graph.NewDataRegistry()

	if err := datapath.RegisterAll(); err != nil {
		lgr.Error("failed to register datapath nodes", logger.F("err", err))
		os.Exit(1)
	}
	datapath.SetTables(datapath.Tables{
		FIB:      fibTable,
		Iface:    ifaceTable,
		NextHop:  nhTable,
		Counters: counters,
	})
	graph.RunRegisterCallbacks()

	bridge := control.NewBridge(fibTable, ifaceTable, nhTable, domain, dataRegistry,
		control.WithLogger(lgr.Named("control")))

	bufPool := pool.NewPool()
	ports := make([]*pool.Port, len(cfg.Datapath.Ports))
	for i, p := range cfg.Datapath.Ports {
		port, err := pool.OpenPort(p.Name, p.Device, bufPool)
		if err != nil {
			lgr.Error("failed to open port", logger.F("port", p.Name), logger.F("err", err))
			os.Exit(1)
		}
		ports[i] = port
		defer func() { _ = port.Close() }()

		// Port indices double as physical interface ids, matching
		// ip_output's "interface id == worker-local tx queue index"
		// convention (see internal/datapath/output.go).
		rec := control.InterfaceRecord{
			Index:  uint16(i),
			Name:   p.Name,
			Device: p.Device,
			MTU:    1500,
			NRxq:   uint16(p.NRxq),
			NTxq:   uint16(p.NTxq),
		}
		if errno := bridge.InterfaceCreate(context.Background(), rec, iface.Physical{Device: p.Device}, 0); errno != 0 {
			lgr.Error("failed to create interface", logger.F("port", p.Name), logger.F("errno", errno.Error()))
			os.Exit(1)
		}
		lgr.Debug("opened port", logger.F("name", p.Name), logger.F("device", p.Device))
	}

	// Every worker's tx queue set spans all ports in the same order, so a
	// physical interface's id always resolves to the correct queue set
	// entry no matter which worker transmits it.
	sharedTx := &pool.TxQueueSet{Ports: ports, Pool: bufPool}

	workers := make([]*worker.Worker, 0, len(cfg.Datapath.Workers))
	for i, wc := range cfg.Datapath.Workers {
		name := fmt.Sprintf("worker-%d", i)

		rxPorts := make([]*pool.Port, 0, len(wc.RxqOf))
		for _, idx := range wc.RxqOf {
			if idx < 0 || idx >= len(ports) {
				lgr.Error("worker rxqOf index out of range", logger.F("worker", name), logger.F("index", idx))
				os.Exit(1)
			}
			rxPorts = append(rxPorts, ports[idx])
		}
		rx := &pool.RxQueueSet{Ports: rxPorts}

		bridge.AssignTxQueue(control.TxQueueAssignment{Worker: name, Queue: 0}, sharedTx)
		// drop's Init pulls its buffer pool the same way tx pulls its queue
		// set: through the shared (graphName, nodeName)-keyed registry.
		dataRegistry.Set(name, "drop", bufPool)

		g, err := graph.Build(graph.BuildConfig{
			Name:    name,
			Sources: []string{"classify"},
			Data:    dataRegistry,
		})
		if err != nil {
			lgr.Error("failed to build graph", logger.F("worker", name), logger.F("err", err))
			os.Exit(1)
		}

		reader := domain.RegisterReader()
		w := worker.New(worker.Config{
			Name:      name,
			CPU:       wc.CPU,
			BurstSize: cfg.Datapath.BurstSize,
			Graph:     g,
			Rx:        rx,
			Tx:        sharedTx,
			Domain:    domain,
			Reader:    reader,
			Logger:    lgr,
		})
		workers = append(workers, w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, w := range workers {
		go func(w *worker.Worker) {
			if err := w.Run(ctx); err != nil {
				lgr.Error("worker exited with error", logger.F("err", err))
			}
		}(w)
	}
	lgr.Info("workers started", logger.F("count", len(workers)))

	_ = os.Remove(cfg.Control.SockPath)
	ln, err := net.Listen("unix", cfg.Control.SockPath)
	if err != nil {
		lgr.Error("failed to open control socket", logger.F("path", cfg.Control.SockPath), logger.F("err", err))
		os.Exit(1)
	}
	listener := control.NewListener(ln, &bridgeHandler{bridge: bridge, lgr: lgr.Named("control")},
		control.WithListenerLogger(lgr.Named("control")))

	serveErr := make(chan error, 1)
	go func() { serveErr <- listener.Serve(ctx) }()
	lgr.Info("control socket listening", logger.F("path", cfg.Control.SockPath))

	select {
	case <-ctx.Done():
		lgr.Info("shutdown signal received, stopping gracefully...")
	case err := <-serveErr:
		if err != nil {
			lgr.Error("control listener terminated unexpectedly", logger.F("err", err))
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, w := range workers {
		w.Stop(shutdownCtx)
	}
	_ = ln.Close()
	_ = os.Remove(cfg.Control.SockPath)
	lgr.Info("shutdown complete")
}
