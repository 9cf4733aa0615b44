package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/botfactory/botfleet/internal/botapp"
	"github.com/botfactory/botfleet/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	var (
		cfgPath  = flag.String("config", "", "bot config json file")
		botID    = flag.Int64("bot-id", 0, "bot id this process serves")
		selfTest = flag.Bool("self-test", false, "validate config and database, then exit")
	)
	flag.Parse()

	if *cfgPath == "" || *botID <= 0 {
		fmt.Fprintln(os.Stderr, "usage: botfleet-bot --config <path> --bot-id <id> [--self-test]")
		os.Exit(2)
	}

	app, err := botapp.Load(*cfgPath, *botID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	if *selfTest {
		if err := app.SelfTest(); err != nil {
			fmt.Fprintf(os.Stderr, "self-test: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("self-test ok")
		return
	}

	// Stdout/stderr are already redirected to per-bot files by the
	// supervisor, so console-only logging is the right destination.
	if err := logger.Init(logger.Config{Level: app.LogLevel()}); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		received := <-sig
		logger.Infof("received %s, stopping", received)
		cancel()
	}()

	if err := app.Run(ctx); err != nil {
		logger.Errorf("bot exited with error: %v", err)
		os.Exit(1)
	}
}
