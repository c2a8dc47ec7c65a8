// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ctrlab/copycast/services/predictor/analogy"
	"github.com/ctrlab/copycast/services/predictor/datatypes"
)

// cBoost is the small optimism added to variant C over the better of A
// and B. C combines the strengths of both inputs, so it is expected to do
// at least as well; the boost stays tiny and the category band caps it.
const cBoost = 0.004

// Advisor consults historical outcomes for requests similar to the
// current one. The in-memory analogy index implements it; tests stub it.
type Advisor interface {
	Advise(ctx context.Context, sentence string) analogy.Advice
}

// Pipeline runs a full prediction: sample a persona panel, score both
// variants, synthesize variant C, blend in historical analogy advice and
// calibrate everything onto the category CTR band.
type Pipeline struct {
	sampler     *Sampler
	aggregator  *Aggregator
	calibrator  *Calibrator
	synthesizer *Synthesizer
	analyst     *Analyst
	advisor     Advisor
	sampleSize  int
	logger      *slog.Logger
}

// New assembles a pipeline. analyst may be nil for local-only analysis
// texts; advisor may be nil when no history exists yet; sampleSize <= 0
// selects the default panel size.
func New(sampler *Sampler, agg *Aggregator, cal *Calibrator, syn *Synthesizer, analyst *Analyst, advisor Advisor, sampleSize int) *Pipeline {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	if analyst == nil {
		analyst = NewAnalyst(nil)
	}
	return &Pipeline{
		sampler:     sampler,
		aggregator:  agg,
		calibrator:  cal,
		synthesizer: syn,
		analyst:     analyst,
		advisor:     advisor,
		sampleSize:  sampleSize,
		logger:      slog.Default().With("component", "pipeline"),
	}
}

// Predict produces the response for one request plus the record to be
// appended to the decision log. It does not touch storage itself.
func (p *Pipeline) Predict(ctx context.Context, req datatypes.PredictRequest) (datatypes.PredictResponse, datatypes.Record) {
	panel := p.sampler.Sample(req, p.sampleSize)
	agg := p.aggregator.Aggregate(ctx, panel, req)

	reasons := collectReasons(agg.Rows)
	generated, synthFellBack := p.synthesizer.Synthesize(ctx, req, reasons)

	scoreA, scoreB := agg.ScoreA, agg.ScoreB
	advice := analogy.Advice{Mode: analogy.ModeNone}
	if p.advisor != nil {
		sentence := datatypes.FeatureSentence(req.Category, req.AgeGroups, req.Genders, req.Interests,
			req.MarketingA, req.MarketingB, generated)
		advice = p.advisor.Advise(ctx, sentence)
		scoreA, scoreB = advice.Apply(scoreA, scoreB)
	}
	historyMode := string(advice.Mode)

	ctrA, ctrB := p.calibrator.CalibratePair(req.Category, scoreA, scoreB)

	band := p.calibrator.Band(req.Category)
	ctrC := ctrA
	if ctrB > ctrC {
		ctrC = ctrB
	}
	ctrC += cBoost
	if ctrC > band.Max {
		ctrC = band.Max
	}

	top := topChoice(ctrA, ctrB, ctrC)

	analysis := p.analyst.Analyze(ctx, req, verdict{
		scoreA:    scoreA,
		scoreB:    scoreB,
		ctrA:      ctrA,
		ctrB:      ctrB,
		ctrC:      ctrC,
		top:       top,
		generated: generated,
		rows:      agg.Rows,
		advice:    advice,
	})

	resp := datatypes.PredictResponse{
		CTRA:          ctrA,
		CTRB:          ctrB,
		CTRC:          ctrC,
		AnalysisA:     analysis.A,
		AnalysisB:     analysis.B,
		AnalysisC:     analysis.C,
		AISuggestion:  analysis.Suggestion,
		GeneratedText: generated,
		TopChoice:     top,
		LogID:         uuid.NewString(),
		UsedFallback:  agg.UsedFallback || synthFellBack,
		HistoryMode:   historyMode,
	}

	rec := datatypes.Record{
		LogID:           resp.LogID,
		Timestamp:       time.Now().UnixMilli(),
		AgeGroups:       req.AgeGroups,
		Genders:         req.Genders,
		Interests:       req.Interests,
		Category:        req.Category,
		MarketingA:      req.MarketingA,
		MarketingB:      req.MarketingB,
		PredCTRA:        ctrA,
		PredCTRB:        ctrB,
		PredCTRC:        ctrC,
		GeneratedText:   generated,
		TopChoice:       top,
	}
	return resp, rec
}

// topChoice picks the variant with the highest CTR. C wins exact ties
// because it carries the explicit boost; between A and B, B wins ties to
// match the neutral split's direction.
func topChoice(a, b, c float64) string {
	best, choice := c, datatypes.ClassC
	if b > best {
		best, choice = b, datatypes.ClassB
	}
	if a > best {
		choice = datatypes.ClassA
	}
	return choice
}

// collectReasons gathers the distinct persona reasons, strongest panel
// members first, capped so prompts stay small.
func collectReasons(rows []datatypes.ScoringRow) []string {
	const maxReasons = 6
	sorted := make([]datatypes.ScoringRow, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Persona.Weight > sorted[j].Persona.Weight
	})

	var out []string
	seen := make(map[string]bool)
	for _, row := range sorted {
		for _, r := range row.Reasons {
			r = strings.TrimSpace(r)
			if r == "" || seen[r] {
				continue
			}
			seen[r] = true
			out = append(out, r)
			if len(out) == maxReasons {
				return out
			}
		}
	}
	return out
}

func newDefaultRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
