package loadtest

import (
	"fmt"
	"os"

	"github.com/okian/guidepulse/pkg/logger"
)

// SetupLogging initializes the global logger, mirroring into logFile when set.
func SetupLogging(logFile string) error {
	if err := logger.Init(logger.WithFile(logFile)); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// ShowHelp prints usage information for the load tool.
func ShowHelp() {
	os.Stdout.WriteString(`guidepulse load tool
====================

Submits one evaluation batch per simulated device, optionally resubmits for a
fraction of them, then checks that every guideline's daily count and sum grew
by exactly what was accepted.

Usage:
  go run ./cmd/load-evaluations [options]

Options:
  -url string
        Base URL of the service (default "http://localhost:9080")
  -devices int
        Number of simulated devices (default 1000)
  -workers int
        Number of concurrent submitters (default CPU cores * 2)
  -timeout duration
        HTTP request timeout (default 30s)
  -consent-version string
        Consent version to record and submit (default "1.0.0")
  -client-key string
        Value for the x-client-key header
  -resubmit float
        Fraction of devices that submit twice (default 0.1)
  -seed uint
        Seed for batch generation (default: current time)
  -log string
        Mirror log output into this file
  -verbose
        Log every request outcome
  -help
        Show this help message

Run it against a server nobody else is writing to, and not across local
midnight: the check compares today's snapshot before and after.
`)
}
