// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves the operator HTTP interface of the rollout service.
//
// Routes:
//
//	GET  /health
//	GET  /metrics
//	GET  /v1/experiments
//	GET  /v1/experiments/:key/:version
//	GET  /v1/targets
//	GET  /v1/targets/:name/:version
//	GET  /v1/targets/:name/:version/history
//	POST /v1/targets/:name/:version/evaluate
//	POST /v1/targets/:name/:version/pause
//	POST /v1/targets/:name/:version/resume
//	POST /v1/targets/:name/:version/assign
//	POST /v1/outcomes
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianRollout/services/rollout/experiment"
	"github.com/AleutianAI/AleutianRollout/services/rollout/specexp"
	"github.com/AleutianAI/AleutianRollout/services/rollout/telemetry"
)

// Handlers holds the components the routes operate on.
type Handlers struct {
	controller  *specexp.Controller
	adapter     *specexp.Adapter
	experiments func() *experiment.Registry
	logger      *slog.Logger
}

// HandlerOption configures Handlers.
type HandlerOption func(*Handlers)

// WithExperiments serves the experiment definitions returned by source.
// source is called per request so a reloaded registry is picked up.
func WithExperiments(source func() *experiment.Registry) HandlerOption {
	return func(h *Handlers) { h.experiments = source }
}

// NewHandlers creates Handlers. A nil logger uses slog.Default().
func NewHandlers(controller *specexp.Controller, adapter *specexp.Adapter, logger *slog.Logger, opts ...HandlerOption) (*Handlers, error) {
	if controller == nil || adapter == nil {
		return nil, errors.New("api requires a controller and an adapter")
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{controller: controller, adapter: adapter, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// NewRouter builds a gin engine with tracing and recovery middleware and
// all routes registered.
func NewRouter(h *Handlers, serviceName string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	SetupRoutes(router, h)
	return router
}

// SetupRoutes registers the routes on router.
func SetupRoutes(router *gin.Engine, h *Handlers) {
	router.GET("/health", h.Health)
	if metrics := telemetry.MetricsHandler(); metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	v1 := router.Group("/v1")
	{
		v1.GET("/experiments", h.ListExperiments)
		v1.GET("/experiments/:key/:version", h.GetExperiment)
		v1.GET("/targets", h.ListTargets)
		targets := v1.Group("/targets/:name/:version")
		{
			targets.GET("", h.GetTarget)
			targets.GET("/history", h.History)
			targets.POST("/evaluate", h.Evaluate)
			targets.POST("/pause", h.Pause)
			targets.POST("/resume", h.Resume)
			targets.POST("/assign", h.Assign)
		}
		v1.POST("/outcomes", h.TrackOutcome)
	}
}

// targetParam parses the :name and :version path parameters.
func targetParam(c *gin.Context) (specexp.Target, bool) {
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil || version < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "version must be a non-negative integer"})
		return specexp.Target{}, false
	}
	return specexp.Target{Name: c.Param("name"), Version: version}, true
}

// writeError maps rollout errors to HTTP status codes.
func (h *Handlers) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, specexp.ErrUnknownTarget), errors.Is(err, experiment.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, specexp.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		telemetry.LoggerWithTrace(c.Request.Context(), h.logger).Error("request failed",
			slog.String("path", c.FullPath()),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
