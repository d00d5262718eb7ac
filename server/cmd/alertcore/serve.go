package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/obsidianstack/alertcore/server/internal/api"
	"github.com/obsidianstack/alertcore/server/internal/auth"
	"github.com/obsidianstack/alertcore/server/internal/config"
	"github.com/obsidianstack/alertcore/server/internal/engine"
	"github.com/obsidianstack/alertcore/server/internal/ingest"
	"github.com/obsidianstack/alertcore/server/internal/metrics"
	"github.com/obsidianstack/alertcore/server/internal/publish"
	"github.com/obsidianstack/alertcore/server/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	var snapshotInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with its HTTP API, websocket stream and scrapers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, *configPath, snapshotInterval)
		},
	}
	cmd.Flags().DurationVar(&snapshotInterval, "ws-snapshot-interval", 30*time.Second,
		"re-send the open alerts to websocket clients this often; 0 disables")
	return cmd
}

func serve(ctx context.Context, configPath string, snapshotInterval time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogger(cfg.Server.LogLevel)

	slog.Info("alertcore starting",
		"config", configPath,
		"http_port", cfg.Server.HTTPPort,
		"auth_mode", cfg.Server.Auth.Mode,
		"sources", len(cfg.Sources),
		"nats", cfg.NATS.URL != "",
	)

	eng := engine.New(cfg)
	if err := eng.Apply(cfg); err != nil {
		slog.Error("initial definitions partly rejected", "err", err)
	}
	go eng.Run(ctx)

	// Self-instrumentation.
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.New(reg).Subscribe(eng.Bus)

	// WebSocket hub: every bus event plus a periodic open-alert snapshot.
	hub := ws.New(
		ws.WithSnapshot(func() any { return eng.Alerts.Alerts() }),
		ws.WithInterval(snapshotInterval),
	)
	hub.Subscribe(eng.Bus)
	go hub.Run(ctx)

	// Optional NATS fan-out for delivery collaborators.
	if cfg.NATS.URL != "" {
		conn, err := publish.Connect(cfg.NATS)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		sink := publish.New(conn, cfg.NATS.SubjectPrefix, 0)
		sink.Subscribe(eng.Bus)
		go sink.Run(ctx)
	}

	// Pull ingest. Sources are read once; a reload changes definitions only.
	for _, src := range cfg.Sources {
		s, err := ingest.New(src)
		if err != nil {
			return fmt.Errorf("source %q: %w", src.ID, err)
		}
		go s.Run(ctx, eng.Thresholds)
	}

	go func() {
		if err := config.Watch(ctx, configPath, eng.Apply); err != nil {
			slog.Error("config watch stopped", "err", err)
		}
	}()

	requireKey := auth.APIKeyMiddleware(
		cfg.Server.Auth.Mode,
		cfg.Server.Auth.EffectiveHeader(),
		cfg.Server.Auth.Key(),
		"/api/v1/health",
	)
	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", requireKey(api.New(eng)))
	httpMux.Handle("/ws/stream", requireKey(hub))
	httpMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	}

	slog.Info("alertcore shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
