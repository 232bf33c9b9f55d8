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
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRollout/pkg/logging"
)

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
	output     string
	server     string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "rollout",
		Short: "Progressive spec rollouts with guardrail-driven promotion and rollback",
		Long: `rollout serves versioned spec variants to users behind A/B experiments,
widens each rollout stage by stage, and rolls back automatically when the
latency or error-rate guardrails are breached.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "rollout.yaml", "Path to the configuration file")
	flags.StringVar(&opts.logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")
	flags.StringVarP(&opts.output, "output", "o", "text", "Output format: text or json")
	flags.StringVar(&opts.server, "server", envOr("ROLLOUT_SERVER", "http://localhost:8090"), "Base URL of a running rollout service")

	root.AddCommand(
		newServeCmd(opts),
		newValidateCmd(opts),
		newInitCmd(opts),
		newAssignCmd(opts),
		newStatusCmd(opts),
		newEvaluateCmd(opts),
		newPauseCmd(opts),
		newResumeCmd(opts),
	)
	return root
}

// cliLogger is the logger for short-lived commands: warnings and above
// unless --log-level says otherwise.
func (o *rootOptions) cliLogger() *logging.Logger {
	level := logging.LevelWarn
	if o.logLevel != "" {
		if l, err := logging.ParseLevel(o.logLevel); err == nil {
			level = l
		}
	}
	return logging.New(logging.Config{Level: level, Service: "rollout-cli"})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
