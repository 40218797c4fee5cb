// Package main implements vaultctl, the command-line front end of the
// encrypted credential vault and its rotation workflow.
package main

import (
	"cmp"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/atinyakov/cfvault/internal/config"
	"github.com/atinyakov/cfvault/internal/logger"
	"github.com/atinyakov/cfvault/internal/metrics"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

func main() {
	// Parse command-line, config file and environment configuration.
	options, err := config.Parse(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		fmt.Fprint(os.Stderr, usage)
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "vaultctl: %v\n", err)
		os.Exit(2)
	}

	// Initialize structured logging.
	log := logger.New()
	defer func() { _ = log.Log.Sync() }()
	if err := log.Init(options.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "vaultctl: failed to init logger: %v\n", err)
		os.Exit(2)
	}
	zapLogger := log.Log

	// Metrics are collected per invocation and optionally exported for the
	// node-exporter textfile collector.
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		zapLogger.Fatal("failed to init metrics", zap.Error(err))
	}

	a := newApp(options, zapLogger, m, os.Stdin, os.Stdout)
	a.version = cmp.Or(version, "N/A")
	a.buildDate = cmp.Or(buildDate, "N/A")

	runErr := a.run()

	if options.MetricsFile != "" {
		if err := metrics.WriteTextfile(options.MetricsFile, reg); err != nil {
			zapLogger.Warn("failed to write metrics file", zap.String("path", options.MetricsFile), zap.Error(err))
		}
	}

	var exit *exitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exit):
		_ = zapLogger.Sync()
		os.Exit(exit.code)
	case errors.Is(runErr, errUsage):
		fmt.Fprintf(os.Stderr, "vaultctl: %v\n\n%s", runErr, usage)
		os.Exit(2)
	default:
		zapLogger.Fatal("command failed", zap.String("command", a.command()), zap.Error(runErr))
	}
}
