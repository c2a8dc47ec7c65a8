// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/codes"

	"github.com/ctrlab/copycast/services/predictor/datatypes"
	"github.com/ctrlab/copycast/services/predictor/store"
)

var choicesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "copycast_user_choices_total",
	Help: "User choice submissions by outcome",
}, []string{"status"})

// HandleUserChoice records which copy the user finally shipped. onUpdate,
// when non-nil, is invoked asynchronously after a successful update so
// the analogy index can fold the new outcome in.
func HandleUserChoice(st *store.Store, onUpdate func()) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := predictTracer.Start(c.Request.Context(), "HandleUserChoice")
		defer span.End()

		var req datatypes.UserChoiceRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			choicesTotal.WithLabelValues("bad_request").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			choicesTotal.WithLabelValues("bad_request").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		updated, err := st.UpdateChoice(req.LogID, req.UserFinalText)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("user choice update failed", "log_id", req.LogID, "error", err)
			choicesTotal.WithLabelValues("error").Inc()
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record choice"})
			return
		}

		if updated {
			choicesTotal.WithLabelValues("ok").Inc()
			if onUpdate != nil {
				go onUpdate()
			}
		} else {
			choicesTotal.WithLabelValues("pending").Inc()
			slog.Warn("choice referenced unknown prediction", "log_id", req.LogID)
		}

		c.JSON(http.StatusOK, datatypes.UserChoiceResponse{
			LogID:   req.LogID,
			Updated: updated,
			Pending: !updated,
		})
	}
}
