package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"nusd/gateway/middleware"
	"nusd/observability/logging"
	telemetry "nusd/observability/otel"
	"nusd/services/auditd/config"
	"nusd/services/auditd/export"
	"nusd/services/auditd/ingest"
	"nusd/services/auditd/server"
	"nusd/services/auditd/store"
)

const shutdownTimeout = 5 * time.Second

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/auditd/config.yaml", "path to auditd config")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("NUSD_ENV"))
	logging.Setup("auditd", env)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if otelCfg := telemetry.FromEnv("auditd", env); otelCfg.Enabled() {
		shutdownTelemetry, err := telemetry.Init(ctx, otelCfg)
		if err != nil {
			log.Fatalf("init telemetry: %v", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = shutdownTelemetry(flushCtx)
		}()
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()
	log.Printf("audit store ready (database=%s)", logging.MaskValue(cfg.Database))

	secret := cfg.ResolveAuthSecret()
	if cfg.Auth.Enabled && secret == "" {
		log.Printf("warning: %s not set, query API will reject every request", cfg.Auth.SecretEnv)
	}
	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:  cfg.Auth.Enabled,
		Secret:   secret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
	}, nil)
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"query":  {RequestsPerMinute: cfg.Rate.RequestsPerMinute, Burst: cfg.Rate.Burst},
		"export": {RequestsPerMinute: cfg.Rate.RequestsPerMinute, Burst: cfg.Rate.Burst},
	})
	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: "auditd",
		LogRequests: strings.EqualFold(env, "dev"),
	}, nil)

	srv := server.New(server.Config{
		Store:    st,
		Exporter: export.New(st, cfg.Export.Directory),
		Auth:     auth,
		Limiter:  limiter,
		Obs:      obs,
	})

	follower := ingest.New(ingest.Config{
		WSURL:       cfg.Node.WSURL,
		Token:       cfg.ResolveNodeToken(),
		DialTimeout: cfg.Node.DialTimeout.Duration,
		BackoffMin:  cfg.Node.BackoffMin.Duration,
		BackoffMax:  cfg.Node.BackoffMax.Duration,
	}, st)
	go func() {
		if err := follower.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("event follower stopped: %v", err)
		}
	}()

	httpServer := &http.Server{Addr: cfg.ListenAddress, Handler: srv.Handler()}
	serverErr := make(chan error, 1)
	go func() {
		log.Printf("auditd listening on %s (node %s)", cfg.ListenAddress, cfg.Node.WSURL)
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Println("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("forcing server stop: %v", err)
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve audit API: %v", err)
		}
	}
}
