// Command warpqd is the relay/origin daemon: it loads operational config,
// wires logging/metrics/the relay cache, and serves QUIC connections
// against internal/conn's protocol core. It is the runnable entrypoint
// SPEC_FULL.md's Configuration section calls for, the way restys's own
// cmd/main.go is a thin wiring shim around the library packages rather
// than where any protocol logic lives.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"

	"github.com/warpmq/warpq/internal/cache"
	"github.com/warpmq/warpq/internal/config"
	"github.com/warpmq/warpq/internal/conn"
	"github.com/warpmq/warpq/internal/logging"
	"github.com/warpmq/warpq/internal/metrics"
	"github.com/warpmq/warpq/internal/repair"
	"github.com/warpmq/warpq/internal/wire"
)

func main() {
	configPath := flag.String("config", "warpqd.yaml", "path to the YAML config file")
	metricsAddr := flag.String("metrics-addr", "", "optional address to serve /metrics on (disabled if empty)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if err := run(*configPath, *metricsAddr, *debug); err != nil {
		log.Fatal(err)
	}
}

func run(configPath, metricsAddr string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewStd(debug)

	reg := prometheus.NewRegistry()
	mset := metrics.New(reg)
	if metricsAddr != "" {
		go serveMetrics(metricsAddr, reg, logger)
	}

	registry := cache.New()
	manager := conn.NewManager()

	fx := &conn.Context{
		Logger:   logger,
		Registry: registry,
		Repair:   cfg.Repair.DatagramConfig(),
		Metrics:  mset,
		OnPost:   acceptEveryPost(registry),
	}

	tlsConf, err := loadTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return fmt.Errorf("loading TLS material: %w", err)
	}

	listener, err := quic.ListenAddr(cfg.Listen.Addr, tlsConf, &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  cfg.Listen.IdleTimeout,
	})
	if err != nil {
		return fmt.Errorf("starting QUIC listener on %s: %w", cfg.Listen.Addr, err)
	}
	defer listener.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sched := repair.New(managerRegistry{manager}, nowMillis, repair.Config{
		MinInterval: cfg.Repair.MinSweepInterval,
		MaxInterval: cfg.Repair.MaxSweepInterval,
	}, logger)

	go func() {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("repair scheduler stopped: %v", err)
		}
	}()

	logger.Warnf("warpqd listening on %s", cfg.Listen.Addr)
	return acceptLoop(ctx, listener, fx, manager, logger)
}

func acceptLoop(ctx context.Context, listener *quic.Listener, fx *conn.Context, manager *conn.Manager, logger logging.Logger) error {
	for {
		qc, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		c := fx.OnNewConnection(qc, conn.PerspectiveServer)
		manager.Track(c)
		go func() {
			defer manager.Untrack(c)
			if err := c.Serve(ctx); err != nil && ctx.Err() == nil {
				logger.Debugf("connection %v closed: %v", qc.RemoteAddr(), err)
			}
		}()
	}
}

// acceptEveryPost registers every POSTed source into the relay registry and
// announces it, so any downstream REQUEST/SUBSCRIBE can find what was just
// posted. mode/groupID/objectID describe the stream's negotiated starting
// point but don't otherwise change how the daemon stores it: the returned
// internal/cache.Entry absorbs whatever the posting connection's
// reassembler hands it next (internal/conn installs Entry.Absorb as the
// POST subscription's Consumer).
func acceptEveryPost(registry *cache.Cache) func(url string, mode wire.TransportMode, cachePolicy bool, groupID, objectID uint64) (conn.Source, error) {
	return func(url string, mode wire.TransportMode, cachePolicy bool, groupID, objectID uint64) (conn.Source, error) {
		entry := registry.GetOrCreateEntry(url)
		registry.Announce(url)
		return entry, nil
	}
}

func loadTLS(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"warpq/1"},
	}, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Errorf("metrics server stopped: %v", err)
	}
}

func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// managerRegistry adapts *conn.Manager's concrete []*conn.Connection onto
// repair.Registry's []repair.Conn, since Go's slice types are invariant
// even though *conn.Connection satisfies repair.Conn structurally.
type managerRegistry struct{ m *conn.Manager }

func (r managerRegistry) Connections() []repair.Conn {
	conns := r.m.Connections()
	out := make([]repair.Conn, len(conns))
	for i, c := range conns {
		out[i] = c
	}
	return out
}
