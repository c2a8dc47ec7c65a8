// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ctrlab/copycast/services/predictor/analogy"
	"github.com/ctrlab/copycast/services/predictor/handlers"
	"github.com/ctrlab/copycast/services/predictor/pipeline"
	"github.com/ctrlab/copycast/services/predictor/store"
)

// SetupRoutes wires every endpoint of the predictor service. ix may be
// nil when history-based advice is disabled; the admin index routes are
// skipped in that case.
func SetupRoutes(router *gin.Engine, p *pipeline.Pipeline, st *store.Store, ix *analogy.Index) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	var onUpdate func()
	if ix != nil {
		onUpdate = func() {
			if err := ix.RebuildWithTimeout(context.Background()); err != nil {
				slog.Error("post-choice index rebuild failed", "error", err)
			}
		}
	}

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.POST("/predict", handlers.HandlePredict(p, st))
		v1.POST("/choice", handlers.HandleUserChoice(st, onUpdate))
		v1.GET("/insights", handlers.HandleInsights(st))

		// Operational routes
		admin := v1.Group("/admin")
		{
			admin.GET("/choices/pending", handlers.HandlePendingChoices(st))
			if ix != nil {
				admin.POST("/index/rebuild", handlers.HandleRebuild(ix))
			}
		}
	}
}
