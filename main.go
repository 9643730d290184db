package main

import (
	"fmt"
	"os"

	"github.com/tphakala/trafficsat/cmd"
	"github.com/tphakala/trafficsat/internal/conf"
	"github.com/tphakala/trafficsat/internal/logger"
)

func main() {
	os.Exit(mainWithExitCode())
}

func mainWithExitCode() int {
	settings, err := conf.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading configuration: %v\n", err)
		return 1
	}

	if settings.Debug {
		settings.Logging.DefaultLevel = "debug"
	}
	central, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error initializing logging: %v\n", err)
		return 1
	}
	logger.SetGlobal(central)
	defer func() { _ = central.Close() }()

	if err := cmd.RootCommand(settings).Execute(); err != nil {
		logger.Global().Module("main").Error("command failed", logger.Error(err))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
