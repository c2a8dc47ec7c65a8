// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrlab/copycast/services/predictor/catalog"
	"github.com/ctrlab/copycast/services/predictor/datatypes"
	"github.com/ctrlab/copycast/services/predictor/pipeline"
	"github.com/ctrlab/copycast/services/predictor/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "decisions.jsonl"))
	require.NoError(t, err)
	personas, err := catalog.LoadPersonas("")
	require.NoError(t, err)
	calibration, err := catalog.LoadCalibration("")
	require.NoError(t, err)
	p := pipeline.New(
		pipeline.NewSampler(personas, nil),
		pipeline.NewAggregator(nil, nil),
		pipeline.NewCalibrator(calibration),
		pipeline.NewSynthesizer(nil, pipeline.DefaultConstraints()),
		nil,
		nil,
		pipeline.DefaultSampleSize,
	)

	router := gin.New()
	SetupRoutes(router, p, st, nil)
	return router
}

func TestSetupRoutes_EndpointsAreWired(t *testing.T) {
	router := newTestRouter(t)

	body, _ := json.Marshal(datatypes.PredictRequest{
		Category:   "beauty",
		MarketingA: "모든 피부를 위한 세럼",
		MarketingB: "지금 30% 할인된 세럼을 만나보세요",
	})

	tests := []struct {
		name     string
		method   string
		path     string
		body     []byte
		wantCode int
	}{
		{"health", http.MethodGet, "/health", nil, http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", nil, http.StatusOK},
		{"predict", http.MethodPost, "/v1/predict", body, http.StatusOK},
		{"insights", http.MethodGet, "/v1/insights", nil, http.StatusOK},
		{"pending choices", http.MethodGet, "/v1/admin/choices/pending", nil, http.StatusOK},
		{"no rebuild route without index", http.MethodPost, "/v1/admin/index/rebuild", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, tt.path, bytes.NewBuffer(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.wantCode, w.Code)
		})
	}
}

func TestSetupRoutes_MetricsExposePredictionCounters(t *testing.T) {
	router := newTestRouter(t)

	body, _ := json.Marshal(datatypes.PredictRequest{
		Category:   "beauty",
		MarketingA: "모든 피부를 위한 세럼",
		MarketingB: "지금 30% 할인된 세럼을 만나보세요",
	})
	req, _ := http.NewRequest(http.MethodPost, "/v1/predict", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	req, _ = http.NewRequest(http.MethodGet, "/metrics", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "copycast_predictions_total")
}
