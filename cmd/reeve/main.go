// Package main is the entry point for the reeve host agent.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/reeve/internal/broker"
	"github.com/nugget/reeve/internal/buildinfo"
	"github.com/nugget/reeve/internal/clock"
	"github.com/nugget/reeve/internal/config"
	"github.com/nugget/reeve/internal/connwatch"
	"github.com/nugget/reeve/internal/receiver"
	"github.com/nugget/reeve/internal/status"
	"github.com/nugget/reeve/internal/targets"
)

const defaultConfigPath = "/etc/reeve/reeve.cfg"

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to configuration file")
	flag.Parse()

	switch flag.Arg(0) {
	case "serve":
		runServe(*configPath)
	case "version":
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
	case "":
		printHelp()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println("reeve - broadcast-driven host command agent")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Connect to the broadcaster and serve requests")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func runServe(configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := config.NewFileLogger(cfg.LogFilename, level)
	slog.SetDefault(logger)
	logger.Info(buildinfo.String())

	bus := broker.NewMQTT(broker.MQTTConfig{
		Host: cfg.Broadcaster.Host,
		Port: cfg.Broadcaster.Port,
	}, logger)

	rcv := receiver.New(cfg, bus, clock.System{}, logger)
	rcv.Start()

	// The connection manager owns all connect and reconnect policy;
	// its first watchdog tick performs the initial connect.
	manager := connwatch.New(rcv, clock.System{}, logger)
	manager.Start()

	// Targets appearing or disappearing under the targets directory
	// (un)subscribe at runtime. The agent still works without the
	// watcher; config reloads happen on subscribe either way.
	watcher, err := targets.WatchDirectory(cfg.TargetsDirectory,
		rcv.SubscribeTarget, rcv.UnsubscribeTarget, logger)
	if err != nil {
		logger.Warn("targets directory watcher unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	if cfg.StatusPort > 0 {
		statusServer := status.NewServer(cfg.Hostname, rcv, logger)
		if err := statusServer.Start(fmt.Sprintf(":%d", cfg.StatusPort)); err != nil {
			logger.Warn("status endpoint unavailable", "error", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				statusServer.Stop(ctx)
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("signal received, shutting down")
	manager.Stop()
	rcv.Stop()
}
