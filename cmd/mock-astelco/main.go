// Package main runs the mock Astelco DIMM as a standalone server, for
// development against a fake instrument.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/unklstewy/SEEING_MONITOR/internal/astelco"
	"github.com/unklstewy/SEEING_MONITOR/internal/mockastelco"
	"go.uber.org/zap"
)

func main() {
	// Parse command line flags
	port := flag.Int("port", astelco.DefaultPort, "TCP port to listen on")
	requireAuth := flag.Bool("require-auth", true, "Require AUTH before GET/SET")
	slewDuration := flag.Duration("slew-duration", time.Second, "Simulated slew time")
	measurementDuration := flag.Duration("measurement-duration", time.Second, "Simulated measurement time")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	var logger *zap.Logger
	var err error
	switch *logLevel {
	case "debug":
		logger, err = zap.NewDevelopment()
	default:
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer logger.Sync()

	srv := mockastelco.NewServer(mockastelco.Config{
		Port:                *port,
		RequireAuth:         *requireAuth,
		SlewDuration:        *slewDuration,
		MeasurementDuration: *measurementDuration,
	}, logger)

	if err := srv.Start(); err != nil {
		logger.Fatal("Failed to start mock server", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Mock Astelco DIMM running, press Ctrl+C to stop")
	<-sigChan
	logger.Info("Shutdown signal received")

	if err := srv.Close(); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Mock Astelco DIMM stopped successfully")
}
