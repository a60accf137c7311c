package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/badscrew/selfproxy/internal/clock"
	"github.com/badscrew/selfproxy/internal/config"
	"github.com/badscrew/selfproxy/internal/control"
	"github.com/badscrew/selfproxy/internal/logging"
	"github.com/badscrew/selfproxy/internal/router"
	"github.com/badscrew/selfproxy/internal/stats"
	"github.com/badscrew/selfproxy/internal/tcpproxy"
	"github.com/badscrew/selfproxy/internal/udpproxy"
)

func jsonStatsHandler(c *stats.Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(c.Snapshot())
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the packet router",
		Long:  "Start selfproxyd: read the TUN device, dispatch TCP/UDP flows to the SOCKS5 upstream, and relay replies back.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMain(configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	return cmd
}

func runMain(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	tun, err := openTunDevice(cfg.Core.TunnelDevice)
	if err != nil {
		return err
	}
	defer tun.Close()

	clk := clock.New()
	sched := clock.GoScheduler{}

	tcp := tcpproxy.New(tcpproxy.Config{
		SocksEndpoint:    cfg.Core.SocksEndpoint,
		HandshakeTimeout: cfg.Core.Socks5HandshakeTimeout,
		IdleTimeout:      cfg.Core.IdleTimeout,
		TimeWaitTimeout:  cfg.Core.TimeWaitTimeout,
		TunnelMTU:        cfg.Core.TunnelMTU,
	}, tun, clk, sched, logger)

	udp := udpproxy.New(udpproxy.Config{
		SocksEndpoint:    cfg.Core.SocksEndpoint,
		HandshakeTimeout: cfg.Core.Socks5HandshakeTimeout,
		IdleTimeout:      cfg.Core.IdleTimeout,
		DNSTimeout:       cfg.Core.DNSTimeout,
		TunnelMTU:        cfg.Core.TunnelMTU,
	}, tun, clk, sched, logger)

	r := router.New(router.Config{
		TunnelMTU:            cfg.Core.TunnelMTU,
		EvictionTick:         cfg.Core.EvictionTick,
		MaxNewFlowsPerSecond: cfg.Limits.MaxNewFlowsPerSecond,
	}, tun, tcp, udp, clk, sched, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		metrics := stats.NewMetrics(reg)
		collector := stats.New(tcp, udp)
		go stats.Run(ctx, collector, metrics, time.Second)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/stats", jsonStatsHandler(collector))
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", logging.KeyReason, err.Error())
			}
		}()
		logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
	}

	var controlServer *control.Server
	if cfg.Control.Addr != "" {
		feed := control.NewFeed(logger)
		feed.Watch(tcp)
		feed.Watch(udp)
		controlServer = control.NewServer(cfg.Control.Addr, feed, logger)
		if err := controlServer.Start(); err != nil {
			return fmt.Errorf("start control server: %w", err)
		}
		logger.Info("control feed listening", "addr", cfg.Control.Addr)
	}

	logger.Info("selfproxyd starting",
		"socks_endpoint", cfg.Core.SocksEndpoint,
		"tunnel_device", cfg.Core.TunnelDevice,
	)

	runErr := r.Run(ctx)

	if controlServer != nil {
		controlServer.Stop()
	}
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsServer.Shutdown(shutdownCtx)
		cancel()
	}

	if runErr != nil {
		return fmt.Errorf("router exited: %w", runErr)
	}

	fmt.Fprintln(os.Stderr, "selfproxyd stopped.")
	return nil
}
