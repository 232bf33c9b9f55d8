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
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRollout/services/rollout/config"
	"github.com/AleutianAI/AleutianRollout/services/rollout/specexp"
)

// rolloutSummary is the validate output for one rollout.
type rolloutSummary struct {
	Target     string    `json:"target"`
	Experiment string    `json:"experiment"`
	Status     string    `json:"status"`
	Stage      int       `json:"active_stage_index"`
	Stages     []float64 `json:"rollout_stages,omitempty"`
	Variants   []string  `json:"variants"`
}

type validateSummary struct {
	Config      string           `json:"config"`
	Storage     string           `json:"storage"`
	Journal     string           `json:"journal"`
	Experiments []string         `json:"experiments"`
	Rollouts    []rolloutSummary `json:"rollouts"`
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file and summarize its rollouts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := newPrinter(cmd.OutOrStdout(), opts.output)
			if err != nil {
				return err
			}
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			experiments, rollouts, err := cfg.Build()
			if err != nil {
				return err
			}

			summary := validateSummary{
				Config:      opts.configPath,
				Storage:     cfg.Storage.Backend,
				Journal:     cfg.Journal.Backend,
				Experiments: experiments.List(),
				Rollouts:    make([]rolloutSummary, 0, len(rollouts)),
			}
			for _, r := range rollouts {
				summary.Rollouts = append(summary.Rollouts, summarize(r))
			}

			if p.json {
				return p.JSON(summary)
			}
			p.Line("%s %s", p.styles.Success.Render("✓"), p.styles.Title.Render(opts.configPath+" is valid"))
			p.Field("storage", summary.Storage)
			p.Field("journal", summary.Journal)
			p.Field("experiments", len(summary.Experiments))
			for _, r := range summary.Rollouts {
				p.Line("")
				p.Line("%s %s", p.styles.Label.Render(r.Target), p.statusStyle(r.Status).Render(r.Status))
				p.Field("experiment", r.Experiment)
				p.Field("variants", r.Variants)
				if len(r.Stages) > 0 {
					p.Field("stage", fmt.Sprintf("%d of %v", r.Stage, r.Stages))
				}
			}
			return nil
		},
	}
}

func summarize(cfg *specexp.Config) rolloutSummary {
	variants := make([]string, len(cfg.Variants))
	for i, v := range cfg.Variants {
		variants[i] = v.ID
	}
	return rolloutSummary{
		Target:     cfg.Target.Identity(),
		Experiment: cfg.ExperimentKey(),
		Status:     string(cfg.EffectiveStatus()),
		Stage:      cfg.ActiveStageIndex,
		Stages:     cfg.RolloutStages,
		Variants:   variants,
	}
}

func newInitCmd(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !force {
				if _, err := os.Stat(opts.configPath); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", opts.configPath)
				} else if !errors.Is(err, fs.ErrNotExist) {
					return err
				}
			}
			if err := config.WriteDefault(opts.configPath); err != nil {
				return err
			}
			p, err := newPrinter(cmd.OutOrStdout(), opts.output)
			if err != nil {
				return err
			}
			if p.json {
				return p.JSON(map[string]string{"written": opts.configPath})
			}
			p.Line("%s wrote %s", p.styles.Success.Render("✓"), opts.configPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}
