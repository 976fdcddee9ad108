package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/go-cbus-node/internal/cbus"
	"github.com/kstaniek/go-cbus-node/internal/engine"
	"github.com/kstaniek/go-cbus-node/internal/hub"
	"github.com/kstaniek/go-cbus-node/internal/metrics"
	"github.com/kstaniek/go-cbus-node/internal/nodestate"
	"github.com/kstaniek/go-cbus-node/internal/server"
	"github.com/kstaniek/go-cbus-node/internal/storage"
	"github.com/kstaniek/go-cbus-node/internal/transport"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("cbus-node %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	if err := run(cfg, l); err != nil {
		l.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *appConfig, l *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	store, err := storage.NewDir(cfg.dataDir)
	if err != nil {
		return err
	}
	st, err := nodestate.Load(store, nodestate.DefaultKey, cfg.nodeConfig())
	if err != nil {
		return err
	}
	l.Info("node_state", "node", st.NodeID(), "events", st.EventCount(), "name", st.Name())

	link, cleanup, err := initBackend(ctx, cfg, store, l, &wg)
	if err != nil {
		return fmt.Errorf("backend init: %w", err)
	}

	h := initHub(cfg, l)
	eng := engine.New(link, st,
		engine.WithLogger(l),
		engine.WithHeader(cbus.Header{MajorPriority: 2, MinorPriority: 3, CANID: uint8(cfg.canID)}),
		engine.WithPollInterval(cfg.pollInterval),
		engine.WithTap(func(_ engine.Direction, wire string) { h.Broadcast(wire) }),
		engine.WithEventHandler(func(ev engine.AccessoryEvent) {
			l.Info("accessory_event", "task", ev.Task, "event", ev.EventID, "variables", ev.Variables)
		}),
		engine.WithFallback(func(f cbus.Frame) { logUnhandled(l, f) }),
	)
	if eng.NodeNumber() == 0 {
		eng.RequestNodeNumber()
	} else {
		eng.QueryNode()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = eng.Run(ctx)
	}()

	var srv *server.Server
	if cfg.listenAddr != "" {
		srv = startServer(ctx, cfg, h, link, eng, l)
	}

	// Ready while the link is up and healthy and, when enabled, the listener is bound.
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-eng.Degraded():
			return false
		default:
		}
		if hl, ok := link.(interface{ Healthy() bool }); ok && !hl.Healthy() {
			return false
		}
		if srv != nil {
			select {
			case <-srv.Ready():
			default:
				return false
			}
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	var exitErr error
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-eng.Degraded():
		exitErr = fmt.Errorf("%s transport lost", cfg.backend)
	}
	cancel()
	if srv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(sctx)
		scancel()
	}
	// Closing the device unblocks the receive goroutines.
	cleanup()
	wg.Wait()
	return exitErr
}

// startServer runs the GridConnect TCP server and advertises it over mDNS
// once the listener is bound.
func startServer(ctx context.Context, cfg *appConfig, h *hub.Hub, link transport.Link, eng *engine.Engine, l *slog.Logger) *server.Server {
	srv := server.NewServer(
		server.WithListenAddr(cfg.listenAddr),
		server.WithHub(h),
		server.WithSend(link.Send),
		server.WithSubmit(eng.Submit),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("tcp_server_error", "error", err)
		}
	}()

	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		port := listenPort(srv.Addr())
		info := nodeInfo{nodeNumber: eng.NodeNumber()}
		if c, ok := link.(interface{ CANID() uint8 }); ok {
			info.canID = c.CANID()
		}
		cleanupMDNS, err := startMDNS(ctx, cfg, port, info)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", mdnsInstance(cfg), "port", port)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()
	return srv
}

// logUnhandled reports messages the engine does not act on. Command station
// session reports are common on a layout bus and get their fields decoded.
func logUnhandled(l *slog.Logger, f cbus.Frame) {
	op, _ := f.Opcode()
	if op == cbus.OpPLOC {
		l.Debug("cbus_ploc",
			"session", f.Arg(0),
			"address", uint16(f.Arg(1)&0x3F)<<8|uint16(f.Arg(2)),
			"speed_dir", f.Arg(3),
		)
		return
	}
	l.Debug("cbus_unhandled", "opcode", op.String(), "frame", cbus.Encode(f))
}
