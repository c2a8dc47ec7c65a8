// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers holds the HTTP handlers for the predictor service.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/ctrlab/copycast/services/predictor/datatypes"
	"github.com/ctrlab/copycast/services/predictor/pipeline"
	"github.com/ctrlab/copycast/services/predictor/store"
)

var predictTracer = otel.Tracer("copycast.predictor.handlers")

var (
	predictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copycast_predictions_total",
		Help: "Prediction requests by outcome",
	}, []string{"status"})

	predictionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "copycast_prediction_duration_seconds",
		Help:    "End-to-end prediction latency",
		Buckets: prometheus.DefBuckets,
	})

	predictionFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "copycast_prediction_fallbacks_total",
		Help: "Predictions that used an offline fallback path",
	})
)

// HandlePredict runs the full prediction pipeline for one A/B request and
// logs the decision. A storage failure is reported in the log and the
// span but never costs the caller their prediction.
func HandlePredict(p *pipeline.Pipeline, st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := predictTracer.Start(c.Request.Context(), "HandlePredict")
		defer span.End()
		start := time.Now()

		var req datatypes.PredictRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			predictionsTotal.WithLabelValues("bad_request").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			predictionsTotal.WithLabelValues("bad_request").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp, rec := p.Predict(ctx, req)
		if resp.UsedFallback {
			predictionFallbacks.Inc()
		}

		if err := st.Append(rec); err != nil {
			// The prediction is still good; only follow-up choice
			// tracking is degraded.
			span.RecordError(err)
			slog.Error("failed to log decision", "log_id", resp.LogID, "error", err)
		}

		predictionDuration.Observe(time.Since(start).Seconds())
		predictionsTotal.WithLabelValues("ok").Inc()
		c.JSON(http.StatusOK, resp)
	}
}
