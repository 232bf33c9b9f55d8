// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

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

	"github.com/AleutianAI/AleutianRollout/pkg/logging"
	"github.com/AleutianAI/AleutianRollout/services/rollout/app"
	"github.com/AleutianAI/AleutianRollout/services/rollout/config"
	"github.com/AleutianAI/AleutianRollout/services/rollout/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newServeCmd(opts *rootOptions) *cobra.Command {
	var noWatch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the rollout API and evaluation scheduler",
		Long: `serve loads the configuration, registers the declared rollouts, and
serves the operator API. The scheduler evaluates every rollout at startup and then on its
interval. Edits to the configuration file are applied without a restart
unless --no-watch is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts, !noWatch)
		},
	}
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not reload the configuration file on change")
	return cmd
}

func runServe(ctx context.Context, opts *rootOptions, watch bool) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	levelName := cfg.Logging.Level
	if opts.logLevel != "" {
		levelName = opts.logLevel
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "rollout",
		JSON:    cfg.Logging.JSON,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Telemetry.Environment,
		TraceExporter:  cfg.Telemetry.TraceExporter,
		MetricExporter: cfg.Telemetry.MetricExporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Slog().Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	a, err := app.New(ctx, cfg, logger.Slog())
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Slog().Warn("close", slog.String("error", err.Error()))
		}
	}()

	if watch {
		watcher, err := config.NewWatcher(opts.configPath, func(next config.Config) {
			if err := a.Apply(next); err != nil {
				logger.Slog().Error("configuration not applied", slog.String("error", err.Error()))
				return
			}
			if opts.logLevel == "" {
				if l, err := logging.ParseLevel(next.Logging.Level); err == nil {
					logger.SetLevel(l)
				}
			}
		}, 0, logger.Slog())
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	logger.Slog().Info("rollout service starting",
		slog.String("version", version),
		slog.String("addr", cfg.Server.Addr),
		slog.String("config", opts.configPath),
	)
	return a.Run(ctx)
}
