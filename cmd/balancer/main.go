/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/defilantech/inferencebalancer/internal/cache"
	"github.com/defilantech/inferencebalancer/internal/config"
	"github.com/defilantech/inferencebalancer/internal/dispatcher"
	"github.com/defilantech/inferencebalancer/internal/health"
	"github.com/defilantech/inferencebalancer/internal/platform"
	"github.com/defilantech/inferencebalancer/internal/provider"
	"github.com/defilantech/inferencebalancer/internal/registry"
	"github.com/defilantech/inferencebalancer/internal/server"
	"github.com/defilantech/inferencebalancer/internal/statsledger"
	"github.com/defilantech/inferencebalancer/pkg/gguf"
)

var (
	// Version information (set during build)
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func parseLogLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLogLevel(level))
	return cfg.Build()
}

func toRegistryOverrides(overrides []config.GpuInstanceOverride) []registry.GpuInstanceOverride {
	out := make([]registry.GpuInstanceOverride, len(overrides))
	for i, o := range overrides {
		out[i] = registry.GpuInstanceOverride{GpuID: o.GpuID, Port: o.Port, Enabled: o.Enabled, ModelSource: o.ModelSource}
	}
	return out
}

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file (defaults applied when empty)")
	showVersion := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("inferencebalancer version %s\n", Version)
		fmt.Printf("  git commit: %s\n", GitCommit)
		fmt.Printf("  build date: %s\n", BuildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	store := config.NewStore(cfg)

	baseLogger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Sugar()

	logger.Infow("starting balancer",
		"version", Version,
		"configPath", *configPath,
		"enableGpuLoadBalancing", cfg.EnableGpuLoadBalancing,
		"listenAddr", cfg.ListenAddr,
		"logLevel", cfg.LogLevel,
	)

	gpuProbe := platform.New(logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gpus := gpuProbe.Enumerate(ctx)
	logger.Infow("GPU enumeration complete", "gpuCount", len(gpus))

	reg := registry.New(logger, gguf.Inspect)
	reg.Provision(registry.ProvisionConfig{
		EnableGpuLoadBalancing: cfg.EnableGpuLoadBalancing,
		DefaultPort:            cfg.DefaultPort,
		BasePort:               cfg.BasePort,
		GpuInstances:           toRegistryOverrides(cfg.GpuInstances),
	}, gpus)
	logger.Infow("instance registry provisioned", "instanceCount", len(reg.Snapshot()))

	ledger := statsledger.New()
	respCache := cache.New(
		time.Duration(cfg.CacheTTLMinutes)*time.Minute,
		cfg.CacheMaxEntries,
		logger,
	)

	httpClient := &http.Client{Timeout: 2 * time.Minute}
	prov := provider.New(httpClient, cfg.MaxConcurrentRequests, logger).
		WithBaseDelay(time.Duration(cfg.BaseRetryDelayMs) * time.Millisecond).
		WithMaxRetries(cfg.MaxRetries)

	prober := health.New(
		reg,
		ledger,
		health.HTTPPinger(httpClient),
		time.Duration(cfg.HealthCheckIntervalSec)*time.Second,
		time.Duration(cfg.HealthCheckIntervalSec)*time.Second,
		logger,
	)
	go prober.Run(ctx)

	disp := dispatcher.New(reg, ledger, respCache, prov, prober, dispatcher.Config{
		ErrorBreakerThreshold:   cfg.ErrorBreakerThreshold,
		MinRequestsForErrorRate: cfg.MinRequestsForErrorRate,
		ErrorRateThreshold:      cfg.ErrorRateThreshold,
		MaxFailovers:            cfg.MaxFailovers,
	}, logger)

	srv := server.New(cfg.ListenAddr, disp, respCache, 0, 0, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	serverErrs := make(chan error, 1)
	go func() {
		logger.Infow("HTTP server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrs <- err
		}
	}()

	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				logger.Infow("received SIGHUP; reloading configuration", "configPath", *configPath)
				next, err := config.Load(*configPath)
				if err != nil {
					logger.Errorw("config reload failed; keeping previous configuration", "error", err)
					continue
				}
				if err := store.Reload(next); err != nil {
					logger.Errorw("config reload rejected", "error", err)
				} else {
					logger.Infow("configuration reloaded")
				}
				continue
			}
			logger.Infow("received shutdown signal; shutting down gracefully")
			cancel()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warnw("shutdown completed with errors", "error", err)
			}
			shutdownCancel()

			logger.Infow("balancer stopped")
			return

		case err := <-serverErrs:
			logger.Errorw("HTTP server failed", "error", err)
			cancel()
			os.Exit(1)
		}
	}
}
