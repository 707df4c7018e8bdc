package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"yawm/pkg/api"
	"yawm/pkg/config"
	"yawm/pkg/metrics"
	"yawm/pkg/model"
	"yawm/pkg/ratelimit"
	"yawm/pkg/store"
	"yawm/pkg/version"
)

func main() {
	cfg := config.FromEnv()
	cfg.BindFlags(flag.CommandLine)
	showVersion := flag.Bool("v", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Build)
		return
	}
	defaultToken := cfg.UsingDefaultToken()
	if err := cfg.Finalize(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}
	log, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, defaultToken, log); err != nil {
		log.Fatal("controller stopped", zap.Error(err))
	}
}

func run(cfg config.Config, defaultToken bool, log *zap.Logger) error {
	if defaultToken {
		log.Warn("APP_TOKEN not set; using the built-in default token", zap.String("token", config.DefaultToken))
	}
	clk := clock.New()

	var reg *store.MemoryStore
	m := metrics.New(func() model.Stats { return reg.Stats() })
	reg = store.NewMemoryStore(store.Options{
		TTL:        cfg.TTL,
		MaxMeshes:  cfg.MaxMeshes,
		StrictKeys: cfg.StrictKeys,
		Clock:      clk,
		Logger:     log.Named("store"),
		OnEvict:    m.ObserveEviction,
	})
	hub := api.NewWatchHub(log.Named("watch"))

	mux := http.NewServeMux()
	api.RegisterRoutes(mux, api.Deps{
		Store:      reg,
		Token:      cfg.Token,
		TTL:        cfg.TTL,
		TrustProxy: cfg.TrustProxy,
		Overlay:    cfg.OverlayPrefix(),
		Limiter:    ratelimit.New(cfg.RateLimit, cfg.RateBurst, clk),
		Metrics:    m,
		Hub:        hub,
		Logger:     log.Named("api"),
	})

	srv := api.NewServer(cfg.Addr, mux, nil, log)
	if cfg.TLSEnabled() {
		tlsCfg, err := api.ServerTLSConfig(cfg.TLSCert, cfg.TLSKey, cfg.ClientCA)
		if err != nil {
			return fmt.Errorf("build TLS config: %w", err)
		}
		srv.TLSConfig = tlsCfg
	}
	srv.RegisterOnShutdown(hub.Close)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting",
		zap.String("version", version.Build),
		zap.Duration("ttl", cfg.TTL),
		zap.Duration("sweepInterval", cfg.SweepInterval),
		zap.Int("maxMeshes", cfg.MaxMeshes),
		zap.String("overlay", cfg.Overlay))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.Serve(gctx, srv, log)
	})
	g.Go(func() error {
		return store.NewExpirer(reg, cfg.SweepInterval, clk, log.Named("expiry")).Run(gctx)
	})
	return g.Wait()
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}
