package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/botfactory/botfleet/internal/controlplane/server"
	"github.com/botfactory/botfleet/pkg/config"
	"github.com/botfactory/botfleet/pkg/logger"
	"github.com/botfactory/botfleet/pkg/shutdown"
)

func main() {
	_ = godotenv.Load()

	var (
		cfgPath = flag.String("config", "", "server config file (yaml, optional)")
		listen  = flag.String("listen", "", "listen address override")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     14,
		Compress:   true,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	srv, err := server.New(server.Config{
		DBPath:           cfg.DBPath,
		BotBin:           cfg.BotBin,
		DataDir:          cfg.DataDir,
		LogsDir:          cfg.LogsDir,
		HealthInterval:   cfg.HealthInterval,
		HealthErrBackoff: cfg.HealthErrBackoff,
	})
	if err != nil {
		logger.Errorf("server init failed: %v", err)
		os.Exit(1)
	}

	// Reconcile the registry with reality before serving traffic.
	restoreCtx, cancelRestore := context.WithTimeout(context.Background(), 10*time.Minute)
	if res, err := srv.Restore(restoreCtx); err != nil {
		logger.Errorf("restoration failed: %v", err)
	} else if res.Restored+res.Failed+res.Skipped > 0 {
		logger.Infof("restoration: %d restored, %d failed, %d skipped", res.Restored, res.Failed, res.Skipped)
	}
	cancelRestore()

	httpSrv := &http.Server{
		Addr:    cfg.Listen,
		Handler: srv.Router(),
	}

	mgr := shutdown.NewManager()
	mgr.OnShutdown(func(ctx context.Context) {
		_ = httpSrv.Shutdown(ctx)
	})
	mgr.OnShutdown(func(ctx context.Context) {
		_ = srv.Close()
	})

	go func() {
		logger.Infof("botfleet server listening on %s", cfg.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("http server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	logger.Infof("received %s, shutting down", received)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	mgr.Shutdown(ctx)
}
