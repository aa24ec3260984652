package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"kpialert/internal/app"
	"kpialert/internal/clock"
	"kpialert/internal/config"
)

// main starts the KPI alerting service from one TOML config file.
// Params: CLI flag (--config-file).
// Returns: process exit code by startup/run result.
func main() {
	configFile := flag.String("config-file", "", "path to one TOML config file")
	flag.Parse()

	if *configFile == "" {
		_, _ = fmt.Fprintln(os.Stderr, "--config-file is required")
		os.Exit(2)
	}

	cfg, err := config.LoadFile(*configFile)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	service, err := app.NewService(cfg, clock.RealClock{})
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "service init failed:", err.Error())
		os.Exit(1)
	}

	if err := service.Run(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "service run failed:", err.Error())
		os.Exit(1)
	}
}
