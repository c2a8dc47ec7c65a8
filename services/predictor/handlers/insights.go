// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"

	"github.com/ctrlab/copycast/services/predictor/datatypes"
	"github.com/ctrlab/copycast/services/predictor/store"
)

// maxRecentDecisions bounds the recent-activity feed in the insights
// payload.
const maxRecentDecisions = 20

// HandleInsights aggregates the decision log into dashboard statistics.
func HandleInsights(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := predictTracer.Start(c.Request.Context(), "HandleInsights")
		defer span.End()

		records, err := st.Records()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read decision log"})
			return
		}
		c.JSON(http.StatusOK, buildInsights(records))
	}
}

func buildInsights(records []datatypes.Record) datatypes.InsightsResponse {
	resp := datatypes.InsightsResponse{
		TotalPredictions:   len(records),
		ChoiceDistribution: make(map[string]int),
		CategoryCounts:     make(map[string]int),
	}

	matched := 0
	for _, rec := range records {
		resp.CategoryCounts[rec.Category]++
		if !rec.Finalized() {
			continue
		}
		resp.FinalizedCount++
		class := rec.FinalClass()
		resp.ChoiceDistribution[class]++
		if class == rec.TopChoice {
			matched++
		}
	}
	if resp.FinalizedCount > 0 {
		resp.AccuracyRate = float64(matched) / float64(resp.FinalizedCount)
	}

	sorted := make([]datatypes.Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp > sorted[j].Timestamp
	})
	limit := maxRecentDecisions
	if limit > len(sorted) {
		limit = len(sorted)
	}
	for _, rec := range sorted[:limit] {
		resp.Recent = append(resp.Recent, datatypes.RecentDecision{
			LogID:      rec.LogID,
			Timestamp:  rec.Timestamp,
			Category:   rec.Category,
			TopChoice:  rec.TopChoice,
			FinalClass: rec.FinalClass(),
		})
	}
	return resp
}
