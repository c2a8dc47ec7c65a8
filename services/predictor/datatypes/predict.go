// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the request, response and storage records for
// the predictor service. Records are validated on ingestion; malformed
// stored lines are skipped, never fatal.
package datatypes

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// PredictRequest is the payload of POST /v1/predict.
//
// Both variant texts are hard preconditions: a request without them is
// rejected with 400 before the pipeline runs. Audience attributes are
// optional; an unconstrained request still gets a prediction.
type PredictRequest struct {
	AgeGroups  []string `json:"age_groups" validate:"max=10,dive,max=16"`
	Genders    []string `json:"genders" validate:"max=10,dive,max=16"`
	Interests  string   `json:"interests" validate:"max=2048"`
	Category   string   `json:"category" validate:"max=64"`
	MarketingA string   `json:"marketing_a" validate:"required,max=2048"`
	MarketingB string   `json:"marketing_b" validate:"required,max=2048"`
}

// Validate checks the request against its field constraints.
func (r *PredictRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid predict request: %w", err)
	}
	return nil
}

// PredictResponse is the payload returned by POST /v1/predict.
type PredictResponse struct {
	CTRA          float64 `json:"ctr_a"`
	CTRB          float64 `json:"ctr_b"`
	CTRC          float64 `json:"ctr_c"`
	AnalysisA     string  `json:"analysis_a"`
	AnalysisB     string  `json:"analysis_b"`
	AnalysisC     string  `json:"analysis_c"`
	AISuggestion  string  `json:"ai_suggestion"`
	GeneratedText string  `json:"ai_generated_text"`
	TopChoice     string  `json:"ai_top_ctr_choice"`
	LogID         string  `json:"log_id"`

	// UsedFallback is true when the persona scorer ran on the local
	// heuristic instead of the external collaborator.
	UsedFallback bool `json:"used_fallback,omitempty"`

	// HistoryMode records the analogy correction applied: "none", "soft"
	// or "hard".
	HistoryMode string `json:"history_mode,omitempty"`
}

// UserChoiceRequest is the payload of POST /v1/choice. UserFinalText is
// either the literal chosen copy or one of the short codes A, B, C.
type UserChoiceRequest struct {
	LogID         string `json:"log_id" validate:"required,max=64"`
	UserFinalText string `json:"user_final_text" validate:"required,max=2048"`
}

// Validate checks the request against its field constraints.
func (r *UserChoiceRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid choice request: %w", err)
	}
	return nil
}

// UserChoiceResponse acknowledges a recorded choice. Updated is true when
// an existing record received the choice; Pending is true when the id was
// unknown and the event was parked in the pending log instead.
type UserChoiceResponse struct {
	LogID   string `json:"log_id"`
	Updated bool   `json:"updated"`
	Pending bool   `json:"pending,omitempty"`
}
