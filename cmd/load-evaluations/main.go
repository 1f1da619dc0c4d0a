package main

import (
	"context"
	"flag"
	"os"
	"runtime"
	"time"

	"github.com/okian/guidepulse/internal/loadtest"
	"github.com/okian/guidepulse/pkg/logger"
)

// Default configuration constants.
const (
	defaultDevices     = 1000
	defaultWorkers     = 2 // multiplier for runtime.NumCPU()
	defaultTimeout     = 30 * time.Second
	defaultTestTimeout = 10 * time.Minute
	defaultResubmit    = 0.1
)

func main() {
	var (
		baseURL   = flag.String("url", "http://localhost:9080", "Base URL of the service")
		devices   = flag.Int("devices", defaultDevices, "Number of simulated devices")
		workers   = flag.Int("workers", runtime.NumCPU()*defaultWorkers, "Number of concurrent submitters")
		timeout   = flag.Duration("timeout", defaultTimeout, "HTTP request timeout")
		version   = flag.String("consent-version", "1.0.0", "Consent version to record and submit")
		clientKey = flag.String("client-key", "", "Value for the x-client-key header")
		resubmit  = flag.Float64("resubmit", defaultResubmit, "Fraction of devices that submit twice")
		seed      = flag.Uint64("seed", uint64(time.Now().UnixNano()), "Seed for batch generation")
		logFile   = flag.String("log", "", "Mirror log output into this file")
		verbose   = flag.Bool("verbose", false, "Log every request outcome")
		help      = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help {
		loadtest.ShowHelp()
		return
	}

	if err := loadtest.SetupLogging(*logFile); err != nil {
		os.Stderr.WriteString("Failed to setup logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	if *verbose {
		_ = logger.SetLevelString("debug")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTestTimeout)
	defer cancel()

	cfg := &loadtest.Config{
		BaseURL:        *baseURL,
		Devices:        max(*devices, 1),
		Workers:        max(*workers, 1),
		Timeout:        *timeout,
		ConsentVersion: *version,
		ClientKey:      *clientKey,
		Resubmit:       min(max(*resubmit, 0), 1),
		Seed:           *seed,
		LogFile:        *logFile,
		Verbose:        *verbose,
	}

	if _, err := loadtest.Run(ctx, cfg); err != nil {
		os.Stderr.WriteString("Load test failed: " + err.Error() + "\n")
		cancel()
		os.Exit(1)
	}
}
