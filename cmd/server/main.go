package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"avl-svr/internal/config"
	"avl-svr/internal/dispatcher"
	"avl-svr/internal/framing"
	"avl-svr/internal/grpcclient"
	"avl-svr/internal/link"
	"avl-svr/internal/observability"
	"avl-svr/internal/pipeline"
	"avl-svr/internal/server"
	"avl-svr/internal/session"
	"avl-svr/internal/store"
	"avl-svr/internal/utilities"
)

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("AVL_CONFIG"), "TOML config file")
	port := pflag.StringP("port", "p", "", "TCP port for devices (overrides TCP_PORT)")
	metricsPort := pflag.String("metrics-port", "", "HTTP port for /metrics (overrides METRICS_PORT)")
	logLevel := pflag.StringP("log-level", "l", "", "debug|info|warn|error (overrides LOG_LEVEL)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if pflag.CommandLine.Changed("port") {
		cfg.TCPPort = *port
	}
	if pflag.CommandLine.Changed("metrics-port") {
		cfg.MetricsPort = *metricsPort
	}
	if pflag.CommandLine.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("Starting avl-svr...", "port", cfg.TCPPort)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("avl-svr stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("avl-svr stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	var (
		auth session.Authenticator = session.AcceptAll
		meta pipeline.MetaSource
		rdb  *store.Redis
	)
	if cfg.RedisAddr != "" {
		r, err := store.NewRedis(ctx, cfg.RedisAddr, cfg.RedisDB, cfg.AllowUnknownIMEI, logger)
		if err != nil {
			return fmt.Errorf("redis init failed: %w", err)
		}
		defer r.Close()
		logger.Info("redis connected", "addr", cfg.RedisAddr)
		rdb, auth, meta = r, r, r
	}

	fanout := pipeline.NewFanout(meta, logger)
	if rdb != nil {
		fanout.Require(rdb)
	}
	if cfg.GRPCServer != "" {
		fwd, err := grpcclient.NewForwarder(cfg.GRPCServer, cfg.GRPCTimeout)
		if err != nil {
			return err
		}
		defer fwd.Close()
		fanout.Require(fwd)
	}

	proxy := link.New(cfg.ProxyAddr, logger)
	if proxy.Enabled() {
		fanout.BestEffort(proxy)
		if rdb != nil {
			proxy.SetInfo(func(imei string) link.DeviceInfo {
				return link.DeviceInfo{
					Model: rdb.GetString(ctx, store.DeviceKey(imei, "model")),
					FWVer: rdb.GetString(ctx, store.DeviceKey(imei, "fw")),
					ICCID: rdb.GetString(ctx, store.DeviceKey(imei, "iccid")),
				}
			})
		}
		go proxy.Run(ctx)
	}

	opts := server.DefaultOptions()
	opts.IdleTimeout = cfg.IdleTimeout
	opts.Session.MaxConsecutiveFailures = cfg.MaxConsecutiveFailures
	opts.Session.Limits = framing.Limits{MaxFrameLen: cfg.MaxFrameLen, MaxIMEILen: framing.DefaultLimits().MaxIMEILen}

	srvOpts := []server.Option{server.WithLogger(logger)}
	if proxy.Enabled() {
		srvOpts = append(srvOpts, server.WithPresence(proxy))
	}
	if cfg.Commands && rdb != nil {
		disp := dispatcher.New(rdb, logger, dispatcher.DefaultCommands()...)
		if proxy.Enabled() {
			disp.OnUpdate(proxy.Updated)
		}
		srvOpts = append(srvOpts, server.WithCommander(disp))
	}
	if cfg.RawLogDir != "" {
		raw, err := utilities.NewRawLog(cfg.RawLogDir, cfg.RawLogPattern)
		if err != nil {
			return err
		}
		defer raw.Close()
		srvOpts = append(srvOpts, server.WithRawLog(raw))
	}
	srv := server.New(opts, auth, fanout, srvOpts...)
	proxy.OnCommand(srv.SendCommand)

	go func() {
		if err := observability.StartMetricsServer(ctx, cfg.MetricsPort); err != nil {
			logger.Error("metrics server failed", "err", err)
		}
	}()

	if err := srv.ListenAndServe(ctx, ":"+cfg.TCPPort); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
