// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRollout/services/rollout/experiment"
	"github.com/AleutianAI/AleutianRollout/services/rollout/specexp"
	"github.com/AleutianAI/AleutianRollout/services/rollout/telemetry"
)

// TargetView is the JSON form of a registered rollout.
type TargetView struct {
	Version uint64          `json:"version"`
	Traffic float64         `json:"traffic"`
	Config  *specexp.Config `json:"config"`
}

// AssignRequest identifies the caller to bucket.
type AssignRequest struct {
	UserID         string            `json:"user_id"`
	OrganizationID string            `json:"organization_id"`
	Actor          string            `json:"actor"`
	Attributes     map[string]string `json:"attributes"`
}

// Health reports liveness and whether recording is wired.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"targets":     len(h.controller.Registry().Targets()),
		"experiments": h.experimentRegistry().Count(),
		"recording":   h.adapter.Recording(),
		"tracking":    h.adapter.Tracking(),
	})
}

// experimentRegistry returns the current definitions, or an empty
// registry when none are wired.
func (h *Handlers) experimentRegistry() *experiment.Registry {
	if h.experiments != nil {
		if r := h.experiments(); r != nil {
			return r
		}
	}
	return experiment.NewRegistry()
}

// ListExperiments returns every experiment definition.
func (h *Handlers) ListExperiments(c *gin.Context) {
	registry := h.experimentRegistry()
	defs := make([]*experiment.Definition, 0, registry.Count())
	for _, id := range registry.List() {
		if def, ok := registry.Get(id); ok {
			defs = append(defs, def)
		}
	}
	c.JSON(http.StatusOK, gin.H{"count": registry.Count(), "experiments": defs})
}

// GetExperiment returns one experiment definition by key and version.
func (h *Handlers) GetExperiment(c *gin.Context) {
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil || version < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "version must be a non-negative integer"})
		return
	}
	def, err := h.experimentRegistry().Lookup(c.Param("key"), version)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

// ListTargets returns every registered rollout.
func (h *Handlers) ListTargets(c *gin.Context) {
	registry := h.controller.Registry()
	views := make([]TargetView, 0)
	for _, target := range registry.Targets() {
		if snap, ok := registry.Snapshot(target); ok {
			views = append(views, viewOf(snap))
		}
	}
	c.JSON(http.StatusOK, gin.H{"targets": views})
}

// GetTarget returns one rollout.
func (h *Handlers) GetTarget(c *gin.Context) {
	target, ok := targetParam(c)
	if !ok {
		return
	}
	snap, found := h.controller.Registry().Snapshot(target)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown target " + target.Identity()})
		return
	}
	c.JSON(http.StatusOK, viewOf(snap))
}

func viewOf(snap specexp.Snapshot) TargetView {
	traffic, _ := snap.Config.ActiveStage()
	return TargetView{Version: snap.Version, Traffic: traffic, Config: snap.Config}
}

// Evaluate runs one controller cycle for the target.
func (h *Handlers) Evaluate(c *gin.Context) {
	target, ok := targetParam(c)
	if !ok {
		return
	}
	eval, err := h.controller.Evaluate(c.Request.Context(), target)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, eval)
}

// Pause stops automatic transitions for the target.
func (h *Handlers) Pause(c *gin.Context) {
	h.setStatus(c, h.controller.Pause)
}

// Resume re-enables automatic transitions for the target.
func (h *Handlers) Resume(c *gin.Context) {
	h.setStatus(c, h.controller.Resume)
}

func (h *Handlers) setStatus(c *gin.Context, fn func(context.Context, specexp.Target) (*specexp.Config, error)) {
	target, ok := targetParam(c)
	if !ok {
		return
	}
	cfg, err := fn(c.Request.Context(), target)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"target": target, "status": cfg.EffectiveStatus()})
}

// History returns the transition journal for the target.
func (h *Handlers) History(c *gin.Context) {
	target, ok := targetParam(c)
	if !ok {
		return
	}
	if _, found := h.controller.Registry().Get(target); !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown target " + target.Identity()})
		return
	}
	entries, err := h.controller.History(c.Request.Context(), target)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// Assign resolves the spec the caller should receive.
//
// The bucketing key is the first non-empty of user_id, organization_id and
// actor. A request without any of them is rejected.
func (h *Handlers) Assign(c *gin.Context) {
	target, ok := targetParam(c)
	if !ok {
		return
	}
	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	rc := specexp.RequestContext{
		UserID:         req.UserID,
		OrganizationID: req.OrganizationID,
		Actor:          req.Actor,
		Attributes:     req.Attributes,
	}
	if _, hasKey := rc.BucketingKey(); !hasKey {
		c.JSON(http.StatusBadRequest, gin.H{"error": "one of user_id, organization_id or actor is required"})
		return
	}
	assignment, found := specexp.NewSpecVariantResolver(h.adapter, target)(c.Request.Context(), rc)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown target " + target.Identity()})
		return
	}
	c.JSON(http.StatusOK, assignment)
}

// TrackOutcome records one request outcome.
func (h *Handlers) TrackOutcome(c *gin.Context) {
	var sample specexp.OutcomeSample
	if err := c.ShouldBindJSON(&sample); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	if !h.adapter.Tracking() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "outcome tracking is not configured"})
		return
	}
	if err := h.adapter.TrackOutcome(c.Request.Context(), sample); err != nil {
		telemetry.LoggerWithTrace(c.Request.Context(), h.logger).Warn("outcome not recorded",
			slog.String("experiment", sample.ExperimentKey),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record outcome"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "recorded"})
}
