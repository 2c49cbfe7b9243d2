// Command raopd runs the RAOP receiver daemon: it serves a control-plane
// HTTP API for creating and managing jitter-buffered audio sessions.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/raopd/raopd/internal/api"
	"github.com/raopd/raopd/internal/authstore"
	"github.com/raopd/raopd/internal/config"
	"github.com/raopd/raopd/internal/database"
	"github.com/raopd/raopd/internal/metrics"
	"github.com/raopd/raopd/internal/session"
	"github.com/raopd/raopd/internal/volumestore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting raopd",
		"http_port", cfg.HTTPPort,
		"rtp_port_base", cfg.RTPPortBase,
		"data_dir", cfg.DataDir,
	)

	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	auth := authstore.New(db.DB)
	if token, generated, err := auth.Bootstrap(appCtx); err != nil {
		slog.Error("failed to bootstrap admin token", "error", err)
		os.Exit(1)
	} else if generated {
		fmt.Fprintf(os.Stderr, "\nraopd admin token (save this, it will not be shown again):\n\n  %s\n\n", token)
	}

	volumes, err := volumestore.New(appCtx, db.DB)
	if err != nil {
		slog.Error("failed to load volume store", "error", err)
		os.Exit(1)
	}

	manager := session.NewManager(volumes, cfg.RTPPortBase, nil, cfg.SessionIdleTimeout, logger)
	manager.StartReaper()
	defer manager.StopReaper()
	defer manager.CloseAll()

	startTime := time.Now()
	collector := metrics.NewCollector(sessionProviderAdapter{manager}, ingestorStatsAdapter{manager}, startTime)
	prometheus.MustRegister(collector)

	handler := api.NewServer(cfg, manager, volumes, auth, startTime)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("raopd stopped")
}

// sessionProviderAdapter and ingestorStatsAdapter translate
// session.Manager's stats into the metrics package's provider interfaces,
// keeping metrics free of a direct dependency on package session.
type sessionProviderAdapter struct{ m *session.Manager }

func (a sessionProviderAdapter) ListSessionStats() []metrics.SessionStats {
	stats := a.m.List()
	out := make([]metrics.SessionStats, 0, len(stats))
	for _, st := range stats {
		out = append(out, metrics.SessionStats{
			ID:           st.ID,
			DeviceID:     st.DeviceID,
			BufferFill:   st.BufferFill,
			Synced:       st.Synced,
			PlaybackRate: st.PlaybackRate,
			Muted:        st.Muted,
		})
	}
	return out
}

type ingestorStatsAdapter struct{ m *session.Manager }

func (a ingestorStatsAdapter) AggregateResendsRequested() uint64 {
	var total uint64
	for _, st := range a.m.List() {
		total += st.ResendsRequested
	}
	return total
}

func (a ingestorStatsAdapter) AggregatePacketsDropped() uint64 {
	var total uint64
	for _, st := range a.m.List() {
		total += st.PacketsDropped
	}
	return total
}
