// Command bms-gateway bridges one or more Pylontech/SMA Sunny Island
// low-voltage BMS CAN links to one or more inverter CAN links, publishing
// aggregated telemetry over MQTT.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ul-gh/bms-gateway/pkg/config"
	"github.com/ul-gh/bms-gateway/pkg/gateway"
)

const shutdownGrace = 2 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath string
		initConfig bool
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "bms-gateway",
		Short: "Pylontech/SMA Sunny Island BMS-to-inverter CAN gateway",
	}
	cmd.Flags().StringVar(&configPath, "config", "/etc/bms-gateway/config.toml", "path to the TOML configuration file")
	cmd.Flags().BoolVar(&initConfig, "init", false, "write a default configuration file and exit")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug-level logging")

	exitCode := 0
	cmd.RunE = func(_ *cobra.Command, _ []string) error {
		exitCode = runGateway(configPath, initConfig, verbose)
		return nil
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	return exitCode
}

func runGateway(configPath string, initConfig, verbose bool) int {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if initConfig {
		if err := config.WriteDefault(configPath); err != nil {
			logger.Error("failed to write default configuration", "error", err)
			return 2
		}
		logger.Info("wrote default configuration", "path", configPath)
		return 0
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load configuration", "path", configPath, "error", err)
		return 2
	}

	if !cfg.GatewayActivated {
		logger.Info("GATEWAY-ACTIVATED is false, exiting cleanly")
		return 0
	}

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		logger.Error("failed to build gateway", "error", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("gateway exited with a fatal task failure", "error", err)
			return 3
		}
		return 0
	case <-ctx.Done():
	}

	select {
	case err := <-done:
		if err != nil {
			logger.Error("gateway exited with a fatal task failure", "error", err)
			return 3
		}
		return 0
	case <-time.After(shutdownGrace):
		logger.Warn("shutdown grace period elapsed, exiting")
		return 0
	}
}
