package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"bakery/internal/builder"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// initLogger builds the process logger. Verbose switches to development
// output with debug level; otherwise the configured level applies.
func initLogger(level string, verbose bool) (*zap.Logger, error) {
	if verbose {
		cfg := zap.NewDevelopmentConfig()
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	parsed, err := zap.ParseAtomicLevel(level)
	if err == nil {
		cfg.Level = parsed
	}
	return cfg.Build()
}

var version = builder.Version
