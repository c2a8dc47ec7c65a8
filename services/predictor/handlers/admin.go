// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"

	"github.com/ctrlab/copycast/services/predictor/analogy"
	"github.com/ctrlab/copycast/services/predictor/store"
)

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleRebuild forces a synchronous analogy index rebuild. Used by
// operators after bulk-editing the decision log.
func HandleRebuild(ix *analogy.Index) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := predictTracer.Start(c.Request.Context(), "HandleRebuild")
		defer span.End()

		if err := ix.RebuildWithTimeout(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "indexed": ix.Len()})
	}
}

// HandlePendingChoices lists user choices that arrived for unknown
// prediction ids.
func HandlePendingChoices(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := predictTracer.Start(c.Request.Context(), "HandlePendingChoices")
		defer span.End()

		events, err := st.PendingChoices()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"pending": events, "count": len(events)})
	}
}
