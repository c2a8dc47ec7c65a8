// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrlab/copycast/services/predictor/catalog"
	"github.com/ctrlab/copycast/services/predictor/datatypes"
)

// ===== Helpers =====

func testRand() *rand.Rand {
	return rand.New(rand.NewSource(42))
}

func newSeededRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

func defaultCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.LoadPersonas("")
	require.NoError(t, err)
	return cat
}

func beautyRequest() datatypes.PredictRequest {
	return datatypes.PredictRequest{
		AgeGroups:  []string{"20s"},
		Genders:    []string{"female"},
		Interests:  "스킨케어",
		Category:   "beauty",
		MarketingA: "모든 피부를 위한 세럼",
		MarketingB: "지금 30% 할인된 세럼을 만나보세요",
	}
}

// ===== Panel selection =====

func TestSampler_MostRelevantPersonaLeads(t *testing.T) {
	s := NewSampler(defaultCatalog(t), testRand())

	panel := s.Sample(beautyRequest(), 3)
	require.Len(t, panel, 3)
	assert.Equal(t, "p1", panel[0].ID, "the beauty persona must rank first for a beauty request")
}

func TestSampler_PanelSizeNeverShrinks(t *testing.T) {
	cat := defaultCatalog(t)
	s := NewSampler(cat, testRand())

	tests := []struct {
		name string
		n    int
		want int
	}{
		{"default size on zero", 0, DefaultSampleSize},
		{"exact size", 4, 4},
		{"capped at catalog size", 100, cat.Len()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			panel := s.Sample(beautyRequest(), tt.n)
			assert.Len(t, panel, tt.want)
		})
	}
}

func TestSampler_NoDuplicatesInRandomFill(t *testing.T) {
	cat := defaultCatalog(t)
	s := NewSampler(cat, testRand())

	// A request matching nothing forces the whole panel through the
	// random fill path.
	req := datatypes.PredictRequest{
		Category:   "submarines",
		MarketingA: "a",
		MarketingB: "b",
	}
	for i := 0; i < 20; i++ {
		panel := s.Sample(req, cat.Len())
		seen := make(map[string]bool, len(panel))
		for _, p := range panel {
			assert.False(t, seen[p.ID], "persona %s appeared twice", p.ID)
			seen[p.ID] = true
		}
		assert.Len(t, panel, cat.Len())
	}
}

func TestSampler_AddingMatchingAttributeNeverLowersRelevance(t *testing.T) {
	cat := defaultCatalog(t)
	base := beautyRequest()

	richer := base
	richer.Interests = "화장품, " + base.Interests

	for _, p := range cat.Personas() {
		assert.GreaterOrEqual(t, relevance(p, richer), relevance(p, base),
			"persona %s relevance dropped when the request gained a matching interest", p.ID)
	}
}

func TestSampler_TiesBreakOnCatalogOrder(t *testing.T) {
	s := NewSampler(defaultCatalog(t), testRand())

	// No attribute matches anything, so every persona scores zero and
	// the panel is random fill only. With equal nonzero scores the
	// catalog order applies; exercise that via an interests-only match
	// hitting several personas equally.
	req := datatypes.PredictRequest{
		AgeGroups:  []string{"20s"},
		Category:   "submarines",
		MarketingA: "a",
		MarketingB: "b",
	}
	first := s.Sample(req, 2)
	second := s.Sample(req, 2)
	// Both panels start with the earliest 20s personas in catalog order.
	assert.Equal(t, first[0].ID, second[0].ID)
}
