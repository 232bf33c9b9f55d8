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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRollout/services/rollout/api"
	"github.com/AleutianAI/AleutianRollout/services/rollout/specexp"
)

// apiClient talks to a running rollout service.
type apiClient struct {
	base   string
	http   *http.Client
	logger *slog.Logger
}

func (o *rootOptions) client() *apiClient {
	return &apiClient{
		base:   strings.TrimRight(o.server, "/"),
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: o.cliLogger().Slog(),
	}
}

// do sends a request and decodes a 2xx JSON response into out. Other
// statuses return the server's error message.
func (c *apiClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact rollout service at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("rollout api request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("rollout service returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("rollout service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func targetPath(args []string) (string, error) {
	version, err := strconv.Atoi(args[1])
	if err != nil || version < 0 {
		return "", fmt.Errorf("invalid version %q", args[1])
	}
	return "/v1/targets/" + url.PathEscape(args[0]) + "/" + strconv.Itoa(version), nil
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var history bool
	cmd := &cobra.Command{
		Use:   "status [name version]",
		Short: "Show rollout state from a running service",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("expected no arguments or <name> <version>, got %d", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newPrinter(cmd.OutOrStdout(), opts.output)
			if err != nil {
				return err
			}
			client := opts.client()
			ctx := cmd.Context()

			var views []api.TargetView
			if len(args) == 0 {
				var list struct {
					Targets []api.TargetView `json:"targets"`
				}
				if err := client.do(ctx, http.MethodGet, "/v1/targets", &list); err != nil {
					return err
				}
				views = list.Targets
			} else {
				path, err := targetPath(args)
				if err != nil {
					return err
				}
				var view api.TargetView
				if err := client.do(ctx, http.MethodGet, path, &view); err != nil {
					return err
				}
				views = []api.TargetView{view}
			}

			var entries []specexp.JournalEntry
			if history && len(args) == 2 {
				path, _ := targetPath(args)
				var hist struct {
					Entries []specexp.JournalEntry `json:"entries"`
				}
				if err := client.do(ctx, http.MethodGet, path+"/history", &hist); err != nil {
					return err
				}
				entries = hist.Entries
			}

			if p.json {
				if history && len(args) == 2 {
					return p.JSON(map[string]any{"target": views[0], "history": entries})
				}
				return p.JSON(views)
			}
			if len(views) == 0 {
				p.Line("%s", p.styles.Muted.Render("no rollouts registered"))
				return nil
			}
			for i, v := range views {
				if i > 0 {
					p.Line("")
				}
				printView(p, v)
			}
			for _, e := range entries {
				p.Line("  %s %-8s %s -> %s  stage %d -> %d  %s",
					p.styles.Muted.Render(e.At.Format(time.RFC3339)),
					e.Transition, e.FromStatus, e.ToStatus, e.FromStage, e.ToStage,
					strings.Join(e.Reasons, "; "))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "Include the transition journal (requires a target)")
	return cmd
}

func printView(p *printer, v api.TargetView) {
	if v.Config == nil {
		return
	}
	status := string(v.Config.EffectiveStatus())
	p.Line("%s %s", p.styles.Label.Render(v.Config.Target.Identity()), p.statusStyle(status).Render(status))
	p.Field("experiment", v.Config.ExperimentKey())
	p.Field("traffic", fmt.Sprintf("%.0f%%", v.Traffic*100))
	if len(v.Config.RolloutStages) > 0 {
		p.Field("stage", fmt.Sprintf("%d of %v", v.Config.ActiveStageIndex, v.Config.RolloutStages))
	}
	p.Field("version", v.Version)
}

func newEvaluateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate <name> <version>",
		Short: "Run one guardrail evaluation on a running service",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newPrinter(cmd.OutOrStdout(), opts.output)
			if err != nil {
				return err
			}
			path, err := targetPath(args)
			if err != nil {
				return err
			}
			var eval specexp.Evaluation
			if err := opts.client().do(cmd.Context(), http.MethodPost, path+"/evaluate", &eval); err != nil {
				return err
			}
			if p.json {
				return p.JSON(eval)
			}

			icon := p.styles.Success.Render("✓")
			if eval.ShouldRollback {
				icon = p.styles.Error.Render("✗")
			} else if eval.Hold {
				icon = p.styles.Warning.Render("⚠")
			}
			p.Line("%s %s %s", icon, p.styles.Title.Render(args[0]+".v"+args[1]), eval.Transition)
			p.Field("status", p.statusStyle(string(eval.Status)).Render(string(eval.Status)))
			p.Field("stage", eval.StageIndex)
			p.Field("latency p99", fmt.Sprintf("%.1fms (%d samples)", eval.LatencyP99, eval.LatencySamples))
			p.Field("error rate", fmt.Sprintf("%.4f (%d samples)", eval.ErrorRate, eval.ErrorSamples))
			if eval.Winner != "" {
				p.Field("winner", eval.Winner)
			}
			if eval.PValue != nil {
				p.Field("p-value", fmt.Sprintf("%.4g", *eval.PValue))
			}
			if eval.Hold {
				p.Field("hold", eval.HoldReason)
			}
			for _, r := range eval.Reasons {
				p.Line("  %s %s", p.styles.Error.Render("✗"), r)
			}
			return nil
		},
	}
}

func newPauseCmd(opts *rootOptions) *cobra.Command {
	return statusChangeCmd(opts, "pause", "Pause a running rollout")
}

func newResumeCmd(opts *rootOptions) *cobra.Command {
	return statusChangeCmd(opts, "resume", "Resume a paused rollout")
}

func statusChangeCmd(opts *rootOptions, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <name> <version>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newPrinter(cmd.OutOrStdout(), opts.output)
			if err != nil {
				return err
			}
			path, err := targetPath(args)
			if err != nil {
				return err
			}
			var out struct {
				Target specexp.Target `json:"target"`
				Status specexp.Status `json:"status"`
			}
			if err := opts.client().do(cmd.Context(), http.MethodPost, path+"/"+action, &out); err != nil {
				return err
			}
			if p.json {
				return p.JSON(out)
			}
			p.Line("%s %s is %s", p.styles.Success.Render("✓"), out.Target.Identity(), p.statusStyle(string(out.Status)).Render(string(out.Status)))
			return nil
		},
	}
}
