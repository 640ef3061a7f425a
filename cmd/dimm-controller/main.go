// Package main is the entry point for the DIMM controller service.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/unklstewy/SEEING_MONITOR/internal/config"
	"github.com/unklstewy/SEEING_MONITOR/internal/controllers"
	"github.com/unklstewy/SEEING_MONITOR/internal/httpapi"
	"github.com/unklstewy/SEEING_MONITOR/pkg/weather"
	"go.uber.org/zap"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// No logger yet.
		panic("failed to load configuration: " + err.Error())
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("Starting DIMM controller service",
		zap.String("controller", cfg.Controller),
		zap.String("weather_source", cfg.Weather.Source),
		zap.String("http_addr", cfg.HTTP.Addr))

	ctrl, err := controllers.New(cfg.Controller, cfg.Controllers, logger)
	if err != nil {
		logger.Fatal("Failed to create controller", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctrl.Setup(ctx); err != nil {
		logger.Fatal("Controller setup failed", zap.Error(err))
	}

	// Wire the weather source before starting; the live instrument
	// refuses to operate without one.
	var mqttSource *weather.MQTTSource
	if cfg.Weather.Source == "mqtt" {
		mqttSource = weather.NewMQTTSource(cfg.Weather.MQTT, logger)
		if err := mqttSource.Connect(); err != nil {
			logger.Fatal("Weather source connect failed", zap.Error(err))
		}
		if a, ok := ctrl.(*controllers.AstelcoDIMM); ok {
			a.SetWeatherSource(mqttSource)
		}
	}

	if err := ctrl.Start(ctx); err != nil {
		logger.Fatal("Controller start failed", zap.Error(err))
	}

	var api *httpapi.Server
	if cfg.HTTP.Addr != "" {
		api = httpapi.NewServer(cfg.HTTP.Addr, cfg.Controller, ctrl, logger)
		api.Start()
	}

	collectDone := make(chan struct{})
	go collectMeasurements(ctx, ctrl, api, logger, collectDone)

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("DIMM controller running, press Ctrl+C to stop")
	<-sigChan
	logger.Info("Shutdown signal received")

	cancel()
	<-collectDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if api != nil {
		if err := api.Shutdown(shutdownCtx); err != nil {
			logger.Error("API shutdown error", zap.Error(err))
		}
	}
	if err := ctrl.Stop(shutdownCtx); err != nil {
		logger.Error("Error during controller stop", zap.Error(err))
		os.Exit(1)
	}
	if mqttSource != nil {
		mqttSource.Disconnect()
	}

	logger.Info("DIMM controller stopped successfully")
}

// collectMeasurements polls the controller for new measurements and
// publishes them to the log and the API cache.
func collectMeasurements(ctx context.Context, ctrl controllers.Controller, api *httpapi.Server, logger *zap.Logger, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		m, err := ctrl.GetMeasurement(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("Measurement fetch failed", zap.Error(err))
			continue
		}
		if m == nil {
			continue
		}
		logger.Info("New measurement",
			zap.Time("timestamp", m.Timestamp),
			zap.Float64("fwhm", m.Fwhm),
			zap.Float64("secz", m.Secz))
		if api != nil {
			api.Record(m)
		}
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	if cfg.Development || strings.EqualFold(cfg.Level, "debug") {
		return zap.NewDevelopment()
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}
