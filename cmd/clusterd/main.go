// clusterd runs the cluster-RPC core as a daemon: in controller role it
// accepts client and node-agent requests, in node role it accepts
// fan-out requests and forwards to children.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/clusterrpc/internal/authadapter"
	"github.com/dantte-lp/clusterrpc/internal/clusterconfig"
	"github.com/dantte-lp/clusterrpc/internal/fanout"
	clustermetrics "github.com/dantte-lp/clusterrpc/internal/metrics"
	"github.com/dantte-lp/clusterrpc/internal/rpcengine"
	"github.com/dantte-lp/clusterrpc/internal/transport"
	appversion "github.com/dantte-lp/clusterrpc/internal/version"
	"github.com/dantte-lp/clusterrpc/internal/wire"
)

// shutdownTimeout bounds how long the admin HTTP server is given to drain
// in-flight requests during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	role := flag.String("role", "node", "server role: \"controller\" or \"node\"")
	listenPort := flag.Uint("listen-port", 0, "port to listen on (0 uses the configured port range)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration", slog.Any("error", err))
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(clusterconfig.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("clusterd starting",
		slog.String("version", appversion.Version),
		slog.String("role", *role),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	if err := runServer(cfg, *role, uint16(*listenPort), logger); err != nil { //nolint:gosec // G115: flag value, bounded by uint16 in practice
		logger.Error("clusterd exited with error", slog.Any("error", err))
		return 1
	}

	logger.Info("clusterd stopped")
	return 0
}

// runServer wires the process-wide State, Message Engine, Forwarding
// Tree, and an administrative HTTP surface (metrics + health), then runs
// them under an errgroup with a signal-aware context (mirrors the
// teacher's runServers).
func runServer(cfg *clusterconfig.Config, role string, listenPort uint16, logger *slog.Logger) error {
	state := clusterconfig.NewState(cfg)

	secret, err := state.GlobalSecret()
	if err != nil {
		return fmt.Errorf("resolve default secret: %w", err)
	}

	reg := prometheus.NewRegistry()
	collector := clustermetrics.NewCollector(reg)

	engine := rpcengine.NewEngine(authadapter.HMACAuthenticator{}, state, secret, logger)
	engine.Metrics = collector

	connMgr := transport.NewConnectionManager()
	dispatcher := fanout.NewDispatcher(connMgr, engine, state, logger)
	dispatcher.Metrics = collector

	agent := fanout.NewAgent(dispatcher, echoHandler, logger)

	var ln net.Listener
	if listenPort != 0 {
		ln, err = connMgr.Listen(listenPort)
	} else {
		ln, err = connMgr.ListenRange(cfg.Controllers.PortBase, cfg.Controllers.PortBase+cfg.Controllers.PortCount-1)
	}
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()

	adminSrv := newAdminServer(cfg.Metrics, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("rpc listener started", slog.String("role", role), slog.String("addr", ln.Addr().String()))
		return serveConnections(gCtx, ln, cfg.Controllers, engine, agent, logger)
	})

	lc := net.ListenConfig{}
	g.Go(func() error {
		logger.Info("admin server listening", slog.String("addr", cfg.Metrics.Addr), slog.String("path", cfg.Metrics.Path))
		return listenAndServe(gCtx, &lc, adminSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("initiating graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown admin server: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run server: %w", err)
	}
	return nil
}

// echoHandler is the default local handler wired at the node-agent and
// controller's request boundary: since payload codecs are out of scope
// for this core, it echoes message_type+1 with the same payload bytes,
// the behavior the end-to-end echo scenario observes. A real deployment
// replaces this with an application codec keyed on message_type.
func echoHandler(_ context.Context, msg *wire.Message) (wire.Message, error) {
	return wire.Message{
		ProtocolVersion: msg.ProtocolVersion,
		MessageType:     msg.MessageType + 1,
		Payload:         msg.Payload,
	}, nil
}

// serveConnections accepts connections on ln until ctx is cancelled,
// handling each on its own goroutine.
func serveConnections(ctx context.Context, ln net.Listener, cc clusterconfig.ControllersConfig, engine *rpcengine.Engine, agent *fanout.Agent, logger *slog.Logger) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		go handleConnection(ctx, conn, cc, engine, agent, logger)
	}
}

// handleConnection receives exactly one request, runs it through the
// Forwarding Tree's receive-and-forward path, and sends the merged reply
// (spec §4.7).
func handleConnection(ctx context.Context, conn net.Conn, cc clusterconfig.ControllersConfig, engine *rpcengine.Engine, agent *fanout.Agent, logger *slog.Logger) {
	defer conn.Close()

	req, err := engine.ReceiveRequest(ctx, conn, engine.State.MsgTimeout())
	if err != nil {
		logger.Warn("receive failed", slog.Any("error", err))
		return
	}

	reply, err := agent.Process(ctx, cc, req, nil)
	if err != nil {
		logger.Warn("agent process failed", slog.Any("error", err))
		return
	}

	if err := engine.Send(ctx, conn, &reply); err != nil {
		logger.Warn("send reply failed", slog.Any("error", err))
	}
}

// -------------------------------------------------------------------------
// Admin HTTP surface — metrics + health
// -------------------------------------------------------------------------

func newAdminServer(cfg clusterconfig.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Config + logging bootstrap
// -------------------------------------------------------------------------

func loadConfig(path string) (*clusterconfig.Config, error) {
	if path != "" {
		cfg, err := clusterconfig.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return clusterconfig.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg clusterconfig.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
