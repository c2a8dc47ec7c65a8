// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ctrlab/copycast/services/llm"
	"github.com/ctrlab/copycast/services/predictor/analogy"
	"github.com/ctrlab/copycast/services/predictor/datatypes"
)

// Analysis is the narrative part of a prediction: one explanation per
// variant plus the overall suggestion.
type Analysis struct {
	A          string
	B          string
	C          string
	Suggestion string

	// UsedFallback is true when the texts came from the local templates
	// instead of a model.
	UsedFallback bool
}

// verdict hands the analyst everything it may mention: raw scores,
// calibrated CTRs, the winning class, the panel rows and any historical
// advice that corrected the scores.
type verdict struct {
	scoreA, scoreB   float64
	ctrA, ctrB, ctrC float64
	top              string
	generated        string
	rows             []datatypes.ScoringRow
	advice           analogy.Advice
}

// Analyst writes the per-variant analyses and the suggestion. The model
// path sees the panel's reasons and, when history weighed in, the
// outcomes of the nearest past decisions; the local path assembles the
// same story from templates.
type Analyst struct {
	client llm.Client
	logger *slog.Logger
}

// NewAnalyst wires an analyst to an LLM client. client may be nil, which
// forces the local template path.
func NewAnalyst(client llm.Client) *Analyst {
	return &Analyst{
		client: client,
		logger: slog.Default().With("component", "analyst"),
	}
}

type analysisPayload struct {
	AnalysisA  string `json:"analysis_a"`
	AnalysisB  string `json:"analysis_b"`
	AnalysisC  string `json:"analysis_c"`
	Suggestion string `json:"ai_suggestion"`
}

// Analyze produces the narrative for one prediction. It never fails:
// any model problem degrades to the deterministic local texts.
func (an *Analyst) Analyze(ctx context.Context, req datatypes.PredictRequest, v verdict) Analysis {
	if an.client != nil {
		res, err := an.analyzeWithModel(ctx, req, v)
		if err == nil {
			return res
		}
		an.logger.Warn("model analysis failed, using local text", "error", err)
	}
	return Analysis{
		A:            buildAnalysis("A", v.scoreA, v.rows),
		B:            buildAnalysis("B", v.scoreB, v.rows),
		C:            fmt.Sprintf("variant C merges both messages; expected CTR %.2f%%", v.ctrC*100),
		Suggestion:   suggestionText(v.top, v.ctrA, v.ctrB, v.ctrC, v.advice),
		UsedFallback: true,
	}
}

func (an *Analyst) analyzeWithModel(ctx context.Context, req datatypes.PredictRequest, v verdict) (Analysis, error) {
	raw, err := an.client.Generate(ctx, an.buildPrompt(req, v), llm.GenerationParams{
		Temperature: 0.5,
		MaxTokens:   512,
	})
	if err != nil {
		return Analysis{}, err
	}
	var payload analysisPayload
	if err := llm.UnmarshalPayload(raw, &payload); err != nil {
		return Analysis{}, err
	}
	res := Analysis{
		A:          strings.TrimSpace(payload.AnalysisA),
		B:          strings.TrimSpace(payload.AnalysisB),
		C:          strings.TrimSpace(payload.AnalysisC),
		Suggestion: strings.TrimSpace(payload.Suggestion),
	}
	if res.A == "" || res.B == "" || res.C == "" || res.Suggestion == "" {
		return Analysis{}, fmt.Errorf("analysis response incomplete")
	}
	return res, nil
}

func (an *Analyst) buildPrompt(req datatypes.PredictRequest, v verdict) string {
	var b strings.Builder
	b.WriteString("You are a marketing analyst. Explain the predicted CTRs of an A/B test in Korean, one short sentence each.\n\n")
	fmt.Fprintf(&b, "Product category: %s\n", req.Category)
	fmt.Fprintf(&b, "Message A (CTR %.2f%%): %s\n", v.ctrA*100, req.MarketingA)
	fmt.Fprintf(&b, "Message B (CTR %.2f%%): %s\n", v.ctrB*100, req.MarketingB)
	fmt.Fprintf(&b, "Message C (CTR %.2f%%): %s\n", v.ctrC*100, v.generated)
	fmt.Fprintf(&b, "Predicted winner: variant %s\n", v.top)
	if reasons := collectReasons(v.rows); len(reasons) > 0 {
		b.WriteString("\nWhat the persona panel responded to:\n")
		for _, r := range reasons {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	if len(v.advice.Matches) > 0 {
		b.WriteString("\nSimilar past campaigns and their real outcomes:\n")
		for _, m := range v.advice.Matches {
			fmt.Fprintf(&b, "- %s campaign, similarity %.2f, users chose variant %s\n",
				m.Category, m.Similarity, m.Winner)
		}
	}
	b.WriteString("\nRespond with JSON only: {\"analysis_a\": \"<why A scores this way>\", \"analysis_b\": \"<why B scores this way>\", \"analysis_c\": \"<why C scores this way>\", \"ai_suggestion\": \"<which variant to run and why>\"}\n")
	return b.String()
}

func buildAnalysis(label string, score float64, rows []datatypes.ScoringRow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d personas gave variant %s an average appeal of %.0f%%", len(rows), label, score*100)
	for _, row := range rows {
		for _, r := range row.Reasons {
			if strings.Contains(r, "variant "+label) {
				fmt.Fprintf(&b, "; %s", r)
				return b.String()
			}
		}
	}
	return b.String()
}

func suggestionText(top string, a, b, c float64, advice analogy.Advice) string {
	var s string
	switch top {
	case datatypes.ClassA:
		s = fmt.Sprintf("Variant A is expected to lead at %.2f%% CTR.", a*100)
	case datatypes.ClassB:
		s = fmt.Sprintf("Variant B is expected to lead at %.2f%% CTR.", b*100)
	default:
		s = fmt.Sprintf("The synthesized variant C is expected to lead at %.2f%% CTR.", c*100)
	}
	switch advice.Mode {
	case analogy.ModeHard:
		s += fmt.Sprintf(" A near-identical past campaign (similarity %.2f) already settled this matchup.", advice.BestSim)
	case analogy.ModeSoft:
		s += fmt.Sprintf(" %d similar past campaigns informed this estimate.", advice.Neighbors)
	}
	return s
}
