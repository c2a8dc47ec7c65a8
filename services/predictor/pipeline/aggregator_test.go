// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrlab/copycast/services/llm"
	"github.com/ctrlab/copycast/services/predictor/catalog"
)

// ===== Helpers =====

// stubClient returns canned responses in order, then repeats the last
// one, recording every prompt it was given.
type stubClient struct {
	responses []string
	err       error
	calls     int
	prompts   []string
}

func (c *stubClient) Generate(_ context.Context, prompt string, _ llm.GenerationParams) (string, error) {
	c.calls++
	c.prompts = append(c.prompts, prompt)
	if c.err != nil {
		return "", c.err
	}
	i := c.calls - 1
	if i >= len(c.responses) {
		i = len(c.responses) - 1
	}
	return c.responses[i], nil
}

// ===== Model path =====

func TestAggregator_ModelScoresMapOntoUnitScale(t *testing.T) {
	client := &stubClient{responses: []string{
		`{"score_a": 5, "score_b": 1, "reason": "variant A fits this persona"}`,
	}}
	agg := NewAggregator(client, testRand())
	panel := defaultCatalog(t).Personas()[:2]

	res := agg.Aggregate(context.Background(), panel, beautyRequest())
	require.Len(t, res.Rows, 2)
	assert.False(t, res.UsedFallback)
	for _, row := range res.Rows {
		assert.Equal(t, 1.0, row.ScoreA)
		assert.Equal(t, 0.0, row.ScoreB)
	}
	assert.Greater(t, res.ScoreA, res.ScoreB)
}

// Scores are bounded but deliberately not normalized against each other.
func TestAggregator_ScoresStayInUnitInterval(t *testing.T) {
	tests := []struct {
		name   string
		client *stubClient
	}{
		{"model path", &stubClient{responses: []string{`{"score_a": 3, "score_b": 4, "reason": "ok"}`}}},
		{"fallback path", &stubClient{err: llm.NewCollabError(llm.FailureUnavailable, "stub", assert.AnError)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := NewAggregator(tt.client, testRand())
			res := agg.Aggregate(context.Background(), defaultCatalog(t).Personas()[:3], beautyRequest())

			for _, score := range []float64{res.ScoreA, res.ScoreB} {
				assert.GreaterOrEqual(t, score, 0.0)
				assert.LessOrEqual(t, score, 1.0)
			}
		})
	}
}

func TestAggregator_OutOfRangeScoreFallsBack(t *testing.T) {
	client := &stubClient{responses: []string{`{"score_a": 9, "score_b": 2, "reason": "bad"}`}}
	agg := NewAggregator(client, testRand())

	res := agg.Aggregate(context.Background(), defaultCatalog(t).Personas()[:1], beautyRequest())
	assert.True(t, res.UsedFallback)
}

// ===== Fallback heuristic =====

func TestAggregator_EmptyPanelYieldsNeutralScores(t *testing.T) {
	agg := NewAggregator(nil, testRand())

	res := agg.Aggregate(context.Background(), nil, beautyRequest())
	assert.Equal(t, neutralScoreA, res.ScoreA)
	assert.Equal(t, neutralScoreB, res.ScoreB)
	assert.False(t, res.UsedFallback)
}

// The urgency cues in variant B (a discount and an immediacy word) must
// dominate the heuristic's jitter, whatever the seed.
func TestAggregator_FallbackFavorsUrgencyLadenVariant(t *testing.T) {
	req := beautyRequest()
	panel := defaultCatalog(t).Personas()[:3]

	for seed := int64(0); seed < 10; seed++ {
		agg := NewAggregator(nil, newSeededRand(seed))
		res := agg.Aggregate(context.Background(), panel, req)

		assert.True(t, res.UsedFallback)
		assert.Greater(t, res.ScoreB, res.ScoreA,
			"seed %d: urgency cues in B must outweigh jitter", seed)
	}
}

func TestAggregator_FallbackReasonsNameTheCues(t *testing.T) {
	agg := NewAggregator(nil, testRand())
	panel := []catalog.PersonaProfile{defaultCatalog(t).Personas()[0]}

	res := agg.Aggregate(context.Background(), panel, beautyRequest())
	require.Len(t, res.Rows, 1)

	joined := ""
	for _, r := range res.Rows[0].Reasons {
		joined += r + "\n"
	}
	assert.Contains(t, joined, "세럼", "persona keyword match must be reported")
	assert.Contains(t, joined, "urgency cue", "urgency bonus must be reported")
}
