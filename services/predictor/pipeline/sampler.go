// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipeline implements the prediction flow: persona sampling,
// persona scoring, CTR calibration and variant synthesis, composed by
// Pipeline.Predict.
package pipeline

import (
	"math/rand"
	"sort"
	"strings"
	"unicode"

	"github.com/ctrlab/copycast/services/predictor/catalog"
	"github.com/ctrlab/copycast/services/predictor/datatypes"
)

// DefaultSampleSize is how many personas a prediction scores unless the
// caller asks for a different panel size.
const DefaultSampleSize = 5

// Relevance weights. Category match dominates because the calibration
// bands are keyed by category too; keyword overlap is a weak tiebreaker.
const (
	categoryWeight = 0.40
	ageWeight      = 0.25
	genderWeight   = 0.25
	keywordWeight  = 0.10
)

// Sampler picks the persona panel for a request. Relevant personas are
// preferred, the remainder of the panel is filled uniformly at random so
// low-scoring personas still get occasional representation.
type Sampler struct {
	cat *catalog.Catalog
	rng *rand.Rand
}

// NewSampler builds a sampler over the persona catalog. rng may be nil,
// in which case a time-seeded source is used; tests inject a fixed seed.
func NewSampler(cat *catalog.Catalog, rng *rand.Rand) *Sampler {
	if rng == nil {
		rng = newDefaultRand()
	}
	return &Sampler{cat: cat, rng: rng}
}

// Sample returns up to n personas for the request, most relevant first.
// It never fails: with an empty catalog it returns an empty panel, and it
// never returns fewer than min(n, catalog size) personas.
func (s *Sampler) Sample(req datatypes.PredictRequest, n int) []catalog.PersonaProfile {
	personas := s.cat.Personas()
	if n <= 0 {
		n = DefaultSampleSize
	}
	if n > len(personas) {
		n = len(personas)
	}
	if n == 0 {
		return nil
	}

	type scored struct {
		persona catalog.PersonaProfile
		score   float64
		pos     int
	}
	ranked := make([]scored, 0, len(personas))
	for i, p := range personas {
		ranked = append(ranked, scored{persona: p, score: relevance(p, req), pos: i})
	}
	// Ties break on catalog order so panels are reproducible.
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].pos < ranked[j].pos
	})

	panel := make([]catalog.PersonaProfile, 0, n)
	taken := make(map[string]bool, n)
	for _, r := range ranked {
		if len(panel) == n {
			break
		}
		if r.score <= 0 {
			break
		}
		panel = append(panel, r.persona)
		taken[r.persona.ID] = true
	}

	// Random fill from the remainder, no duplicates.
	if len(panel) < n {
		rest := make([]catalog.PersonaProfile, 0, len(personas)-len(panel))
		for _, p := range personas {
			if !taken[p.ID] {
				rest = append(rest, p)
			}
		}
		s.rng.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
		panel = append(panel, rest[:n-len(panel)]...)
	}
	return panel
}

// relevance scores how well a persona fits the request audience. Adding a
// matching attribute to the request can only raise the score.
func relevance(p catalog.PersonaProfile, req datatypes.PredictRequest) float64 {
	var score float64
	if containsFold(p.Categories, req.Category) {
		score += categoryWeight
	}
	score += ageWeight * overlapRatio(p.AgeGroups, req.AgeGroups)
	score += genderWeight * overlapRatio(p.Genders, req.Genders)
	score += keywordWeight * overlapRatio(p.Keywords, splitInterests(req.Interests))
	return score
}

// splitInterests tokenizes the free-text interests field on commas and
// whitespace so each interest can match persona keywords on its own.
func splitInterests(interests string) []string {
	return strings.FieldsFunc(interests, func(r rune) bool {
		return r == ',' || r == '/' || unicode.IsSpace(r)
	})
}

// overlapRatio is |persona ∩ request| / |persona|, 0 when either side
// is empty. Normalizing by the persona side keeps relevance monotone:
// adding a request attribute can only add matches.
func overlapRatio(persona, request []string) float64 {
	if len(persona) == 0 || len(request) == 0 {
		return 0
	}
	matched := 0
	for _, have := range persona {
		if containsFold(request, have) {
			matched++
		}
	}
	return float64(matched) / float64(len(persona))
}

func containsFold(haystack []string, needle string) bool {
	needle = strings.TrimSpace(needle)
	if needle == "" {
		return false
	}
	for _, h := range haystack {
		if strings.EqualFold(strings.TrimSpace(h), needle) {
			return true
		}
	}
	return false
}
