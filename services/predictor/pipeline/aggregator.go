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
	"math/rand"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ctrlab/copycast/services/llm"
	"github.com/ctrlab/copycast/services/predictor/catalog"
	"github.com/ctrlab/copycast/services/predictor/datatypes"
)

// Neutral scores used when no persona produced a usable judgment. B gets
// the edge because in the historical corpus the second variant is the
// candidate copy under test and converts slightly better on average.
const (
	neutralScoreA = 0.45
	neutralScoreB = 0.55
)

// Fallback heuristic coefficients. Base plus a bonus per matched persona
// keyword and per urgency token, with a small jitter so repeated fallback
// runs don't look artificially deterministic to callers.
const (
	fallbackBase         = 0.30
	fallbackKeywordBonus = 0.10
	fallbackUrgencyBonus = 0.08
	fallbackJitter       = 0.05
)

// urgencyTokens are call-to-action markers that historically lift CTR.
var urgencyTokens = []string{"할인", "지금", "무료", "%", "한정", "오늘", "sale", "now", "free"}

var (
	personaScoresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copycast_persona_scores_total",
		Help: "Persona scoring outcomes by source",
	}, []string{"source"})
)

// personaScorePayload is the JSON shape the model is asked to produce.
// Scores come back on a 1 to 5 scale and are mapped onto [0,1].
type personaScorePayload struct {
	ScoreA int    `json:"score_a"`
	ScoreB int    `json:"score_b"`
	Reason string `json:"reason"`
}

// AggregateResult is the panel verdict: one raw score per variant plus
// the per-persona rows that produced it.
type AggregateResult struct {
	// ScoreA and ScoreB are weight-normalized mean appeal scores in
	// [0,1]. They express relative appeal, not CTR, and need not sum
	// to 1.
	ScoreA float64
	ScoreB float64

	Rows []datatypes.ScoringRow

	// UsedFallback is true when at least one persona was scored by the
	// local heuristic instead of a model.
	UsedFallback bool
}

// Aggregator scores marketing variants against a persona panel and folds
// the per-persona scores into a weighted preference split.
type Aggregator struct {
	client llm.Client
	rng    *rand.Rand
	logger *slog.Logger
}

// NewAggregator wires an aggregator to an LLM client. client may be nil,
// which forces the local heuristic for every persona. rng may be nil for
// a time-seeded source.
func NewAggregator(client llm.Client, rng *rand.Rand) *Aggregator {
	if rng == nil {
		rng = newDefaultRand()
	}
	return &Aggregator{
		client: client,
		rng:    rng,
		logger: slog.Default().With("component", "aggregator"),
	}
}

// Aggregate scores both variants with every persona in the panel and
// folds the rows into a weight-normalized mean per variant. It never
// fails: any persona the model can't score falls back to the keyword
// heuristic, and an empty panel yields the neutral scores.
func (a *Aggregator) Aggregate(ctx context.Context, panel []catalog.PersonaProfile, req datatypes.PredictRequest) AggregateResult {
	res := AggregateResult{Rows: make([]datatypes.ScoringRow, 0, len(panel))}
	for _, p := range panel {
		row, fellBack := a.scorePersona(ctx, p, req)
		res.Rows = append(res.Rows, row)
		if fellBack {
			res.UsedFallback = true
		}
	}

	var sumA, sumB, sumW float64
	for _, row := range res.Rows {
		w := row.Persona.Weight
		sumA += w * row.ScoreA
		sumB += w * row.ScoreB
		sumW += w
	}
	if sumW == 0 {
		res.ScoreA, res.ScoreB = neutralScoreA, neutralScoreB
		return res
	}
	res.ScoreA = clamp01(sumA / sumW)
	res.ScoreB = clamp01(sumB / sumW)
	return res
}

func (a *Aggregator) scorePersona(ctx context.Context, p catalog.PersonaProfile, req datatypes.PredictRequest) (datatypes.ScoringRow, bool) {
	row := datatypes.ScoringRow{Persona: p}
	if a.client != nil {
		payload, err := a.scoreWithModel(ctx, p, req)
		if err == nil {
			row.ScoreA = clamp01(float64(payload.ScoreA-1) / 4.0)
			row.ScoreB = clamp01(float64(payload.ScoreB-1) / 4.0)
			if reason := strings.TrimSpace(payload.Reason); reason != "" {
				row.Reasons = append(row.Reasons, reason)
			}
			personaScoresTotal.WithLabelValues("model").Inc()
			return row, false
		}
		a.logger.Warn("model scoring failed, using local heuristic",
			"persona", p.ID, "error", err)
	}

	row.ScoreA = a.heuristicScore(p, req.MarketingA, &row.Reasons, "A")
	row.ScoreB = a.heuristicScore(p, req.MarketingB, &row.Reasons, "B")
	personaScoresTotal.WithLabelValues("fallback").Inc()
	return row, true
}

func (a *Aggregator) scoreWithModel(ctx context.Context, p catalog.PersonaProfile, req datatypes.PredictRequest) (personaScorePayload, error) {
	prompt := buildScoringPrompt(p, req)
	raw, err := a.client.Generate(ctx, prompt, llm.GenerationParams{
		Temperature: 0.4,
		MaxTokens:   256,
	})
	if err != nil {
		return personaScorePayload{}, err
	}
	var payload personaScorePayload
	if err := llm.UnmarshalPayload(raw, &payload); err != nil {
		return personaScorePayload{}, err
	}
	if payload.ScoreA < 1 || payload.ScoreA > 5 || payload.ScoreB < 1 || payload.ScoreB > 5 {
		return personaScorePayload{}, fmt.Errorf("score out of 1-5 range: a=%d b=%d", payload.ScoreA, payload.ScoreB)
	}
	return payload, nil
}

func buildScoringPrompt(p catalog.PersonaProfile, req datatypes.PredictRequest) string {
	var b strings.Builder
	b.WriteString("You are the following consumer persona. Rate two marketing messages.\n\n")
	fmt.Fprintf(&b, "Persona: %s\n", p.Name)
	if p.Description != "" {
		fmt.Fprintf(&b, "Profile: %s\n", p.Description)
	}
	if p.Interests != "" {
		fmt.Fprintf(&b, "Interests: %s\n", p.Interests)
	}
	fmt.Fprintf(&b, "\nProduct category: %s\n", req.Category)
	fmt.Fprintf(&b, "Message A: %s\n", req.MarketingA)
	fmt.Fprintf(&b, "Message B: %s\n", req.MarketingB)
	b.WriteString("\nHow likely would you be to click each message, on a scale of 1 (never) to 5 (certainly)?\n")
	b.WriteString("Respond with JSON only: {\"score_a\": <1-5>, \"score_b\": <1-5>, \"reason\": \"<one short sentence>\"}\n")
	return b.String()
}

// heuristicScore is the offline stand-in for model scoring: a flat base,
// a bonus for each persona keyword found in the text, a bonus for each
// urgency token and a small random jitter.
func (a *Aggregator) heuristicScore(p catalog.PersonaProfile, text string, reasons *[]string, label string) float64 {
	lower := strings.ToLower(text)
	score := fallbackBase
	for _, kw := range p.Keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			score += fallbackKeywordBonus
			*reasons = append(*reasons, fmt.Sprintf("variant %s mentions %q", label, kw))
		}
	}
	for _, tok := range urgencyTokens {
		if strings.Contains(lower, tok) {
			score += fallbackUrgencyBonus
			*reasons = append(*reasons, fmt.Sprintf("variant %s has urgency cue %q", label, tok))
		}
	}
	score += (a.rng.Float64()*2 - 1) * fallbackJitter
	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
