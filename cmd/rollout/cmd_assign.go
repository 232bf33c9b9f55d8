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
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRollout/services/rollout/config"
	"github.com/AleutianAI/AleutianRollout/services/rollout/specexp"
)

// assignOutput is the assign command's result.
type assignOutput struct {
	Target          string             `json:"target"`
	UserID          string             `json:"user_id"`
	VariantID       string             `json:"variant_id"`
	ExperimentKey   string             `json:"experiment_key"`
	Spec            specexp.Contract   `json:"spec"`
	BucketedVariant string             `json:"bucketed_variant"`
	Rollout         float64            `json:"rollout"`
	Gate            specexp.GateReason `json:"gate,omitempty"`
}

func newAssignCmd(opts *rootOptions) *cobra.Command {
	var attrs map[string]string
	cmd := &cobra.Command{
		Use:   "assign <name> <version> <user>",
		Short: "Resolve the spec a user would be served, without a running service",
		Long: `assign evaluates one user against a rollout declared in the configuration
file. Nothing is recorded. Assignment is deterministic, so the result
matches what the running service serves for the same declared state.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newPrinter(cmd.OutOrStdout(), opts.output)
			if err != nil {
				return err
			}
			version, err := strconv.Atoi(args[1])
			if err != nil || version < 0 {
				return fmt.Errorf("invalid version %q", args[1])
			}
			target := specexp.Target{Name: args[0], Version: version}

			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			_, rollouts, err := cfg.Build()
			if err != nil {
				return err
			}
			var rollout *specexp.Config
			for _, r := range rollouts {
				if r.Target == target {
					rollout = r
					break
				}
			}
			if rollout == nil {
				return fmt.Errorf("%w: %s", specexp.ErrUnknownTarget, target)
			}

			res, err := specexp.NewRunner().Assign(rollout, args[2], attrs)
			if err != nil {
				return err
			}
			out := assignOutput{
				Target:          target.Identity(),
				UserID:          args[2],
				VariantID:       res.VariantID,
				ExperimentKey:   res.ExperimentKey,
				Spec:            res.Spec,
				BucketedVariant: res.BucketedVariant,
				Rollout:         res.Rollout,
				Gate:            res.Gate,
			}
			if p.json {
				return p.JSON(out)
			}

			p.Line("%s", p.styles.Title.Render(out.Target+" for "+out.UserID))
			p.Field("variant", out.VariantID)
			p.Field("experiment", out.ExperimentKey)
			p.Field("bucketed", out.BucketedVariant)
			p.Field("rollout", fmt.Sprintf("%.0f%%", out.Rollout*100))
			if res.Gated() {
				p.Field("gate", p.styles.Warning.Render(string(out.Gate)))
			}
			p.Field("spec", fmt.Sprintf("%v", out.Spec))
			return nil
		},
	}
	cmd.Flags().StringToStringVar(&attrs, "attr", nil, "Request attributes as key=value (repeatable)")
	return cmd
}
