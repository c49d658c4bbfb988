package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tripnav/internal/api"
	"tripnav/internal/buildinfo"
	"tripnav/internal/config"
	"tripnav/internal/logging"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config (default $TRIPNAV_CONFIG or config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logging.New(logging.Config{}).Error("failed to load config", "err", err)
		os.Exit(1)
	}
	log := logging.New(logging.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "tripnav-api",
		Environment: cfg.Log.Environment,
		Version:     buildinfo.Version,
	})

	srvDeps, err := api.NewServer(cfg, log)
	if err != nil {
		log.Error("failed to init server", "err", err)
		os.Exit(1)
	}
	defer func() { _ = srvDeps.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start webhook worker
	worker := srvDeps.NewWebhookWorker()
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srvDeps.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		// SSE streams end when the signal context is cancelled
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("API listening", "addr", cfg.Addr(), "authMode", cfg.Auth.Mode, "postgres", cfg.DatabaseURL != "", "redis", cfg.RedisURL != "")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "err", err)
			stop()
			<-workerDone
			os.Exit(1)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown incomplete", "err", err)
	}
	<-workerDone
}
