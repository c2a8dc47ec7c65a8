// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analogy

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrlab/copycast/services/predictor/datatypes"
)

// ===== Helpers =====

const (
	variantA = "모든 피부를 위한 세럼"
	variantB = "지금 30% 할인된 세럼을 만나보세요"
	variantC = "촉촉한 세럼을 지금 경험해보세요"
)

// stubEmbedder maps exact texts to fixed vectors and records the deadline
// of every call.
type stubEmbedder struct {
	vectors map[string][]float32
	failOn  map[string]bool

	mu        sync.Mutex
	deadlines []time.Time
}

func newStubEmbedder() *stubEmbedder {
	return &stubEmbedder{vectors: map[string][]float32{}, failOn: map[string]bool{}}
}

func (e *stubEmbedder) set(text string, angleDeg float64) {
	rad := angleDeg * math.Pi / 180
	e.vectors[text] = []float32{float32(math.Cos(rad)), float32(math.Sin(rad))}
}

func (e *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if deadline, ok := ctx.Deadline(); ok {
		e.mu.Lock()
		e.deadlines = append(e.deadlines, deadline)
		e.mu.Unlock()
	}
	if e.failOn[text] {
		return nil, fmt.Errorf("embedding backend down")
	}
	vec, ok := e.vectors[text]
	if !ok {
		return nil, fmt.Errorf("no stub vector for %q", text)
	}
	return vec, nil
}

func (e *stubEmbedder) seenDeadlines() []time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]time.Time(nil), e.deadlines...)
}

type sliceSource []datatypes.Record

func (s sliceSource) Records() ([]datatypes.Record, error) { return s, nil }

func finalizedRecord(id, finalText string, age time.Duration) datatypes.Record {
	return datatypes.Record{
		LogID:           id,
		Timestamp:       time.Now().Add(-age).UnixMilli(),
		AgeGroups:       []string{"20s"},
		Genders:         []string{"female"},
		Interests:       "스킨케어",
		Category:        "beauty",
		MarketingA:      variantA,
		MarketingB:      variantB,
		GeneratedText:   variantC,
		TopChoice:       "C",
		UserFinalText:   finalText,
	}
}

func buildIndex(t *testing.T, source RecordSource, emb *stubEmbedder, opts Options) *Index {
	t.Helper()
	ix := NewIndex(source, emb, opts)
	require.NoError(t, ix.Rebuild(context.Background()))
	return ix
}

// ===== Rebuild =====

func TestIndex_RebuildIndexesOnlyVariantOutcomes(t *testing.T) {
	records := sliceSource{
		finalizedRecord("chose-a", variantA, time.Hour),
		finalizedRecord("chose-b", variantB, time.Hour),
		finalizedRecord("chose-c", variantC, time.Hour),
		finalizedRecord("wrote-own", "직접 쓴 문구", time.Hour),
		finalizedRecord("undecided", "", time.Hour),
	}
	emb := newStubEmbedder()
	for _, rec := range records {
		emb.set(rec.FeatureSentence(), 0)
	}

	ix := buildIndex(t, records, emb, Options{})
	assert.Equal(t, 2, ix.Len(), "only A and B outcomes can vote on A versus B")
}

func TestIndex_RebuildSkipsEmbedFailures(t *testing.T) {
	records := sliceSource{
		finalizedRecord("good", variantA, time.Hour),
		finalizedRecord("bad", variantB, time.Hour),
	}
	emb := newStubEmbedder()
	emb.set(records[0].FeatureSentence(), 0)
	emb.failOn[records[1].FeatureSentence()] = true

	ix := buildIndex(t, records, emb, Options{})
	assert.Equal(t, 1, ix.Len())
}

func TestIndex_RebuildSwapsAtomically(t *testing.T) {
	rec := finalizedRecord("only", variantA, time.Hour)
	emb := newStubEmbedder()
	emb.set(rec.FeatureSentence(), 0)

	ix := NewIndex(sliceSource{rec}, emb, Options{})
	assert.Equal(t, 0, ix.Len(), "index starts empty before the first rebuild")
	require.NoError(t, ix.Rebuild(context.Background()))
	assert.Equal(t, 1, ix.Len())
}

// ===== Advice =====

func TestIndex_EmptyIndexAdvisesNone(t *testing.T) {
	ix := NewIndex(sliceSource{}, newStubEmbedder(), Options{})
	adv := ix.Advise(context.Background(), "anything")
	assert.Equal(t, ModeNone, adv.Mode)
}

func TestIndex_QueryEmbedFailureAdvisesNone(t *testing.T) {
	rec := finalizedRecord("only", variantA, time.Hour)
	emb := newStubEmbedder()
	emb.set(rec.FeatureSentence(), 0)
	ix := buildIndex(t, sliceSource{rec}, emb, Options{})

	emb.failOn["query"] = true
	adv := ix.Advise(context.Background(), "query")
	assert.Equal(t, ModeNone, adv.Mode)
}

func TestIndex_HardFollowRequiresThreshold(t *testing.T) {
	tests := []struct {
		name       string
		queryAngle float64
		wantMode   Mode
	}{
		{"identical request hard-follows", 0, ModeHard},
		{"just inside the threshold", 20, ModeHard},   // cos 20 deg ~ 0.94
		{"just outside falls to soft", 30, ModeSoft},  // cos 30 deg ~ 0.87
		{"far away still advises soft", 60, ModeSoft}, // cos 60 deg = 0.5
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := finalizedRecord("chose-a", variantA, time.Hour)
			emb := newStubEmbedder()
			emb.set(rec.FeatureSentence(), 0)
			emb.set("query", tt.queryAngle)
			ix := buildIndex(t, sliceSource{rec}, emb, Options{})

			adv := ix.Advise(context.Background(), "query")
			assert.Equal(t, tt.wantMode, adv.Mode)
			if tt.wantMode == ModeHard {
				assert.Equal(t, DefaultOptions().HardHigh, adv.ProbA)
				assert.Equal(t, DefaultOptions().HardLow, adv.ProbB)
			}
		})
	}
}

func TestIndex_SoftProbabilitiesSumToOne(t *testing.T) {
	records := sliceSource{
		finalizedRecord("a-1", variantA, time.Hour),
		finalizedRecord("a-2", variantA, 48*time.Hour),
		finalizedRecord("b-1", variantB, 12*time.Hour),
	}
	emb := newStubEmbedder()
	// All three records share the same feature sentence, so one vector
	// covers them; recency differentiates the votes.
	emb.set(records[0].FeatureSentence(), 40)
	emb.set("query", 0)
	ix := buildIndex(t, records, emb, Options{})

	adv := ix.Advise(context.Background(), "query")
	require.Equal(t, ModeSoft, adv.Mode)
	assert.InDelta(t, 1.0, adv.ProbA+adv.ProbB, 1e-9)
	assert.Equal(t, 3, adv.Neighbors)
	assert.Greater(t, adv.ProbA, adv.ProbB, "two A outcomes outvote one B outcome")
}

func TestIndex_RecencyFavorsFresherOutcomes(t *testing.T) {
	// One fresh B outcome against one stale A outcome at equal
	// similarity: B's vote must weigh more.
	records := sliceSource{
		finalizedRecord("stale-a", variantA, 365*24*time.Hour),
		finalizedRecord("fresh-b", variantB, time.Hour),
	}
	emb := newStubEmbedder()
	emb.set(records[0].FeatureSentence(), 40)
	emb.set("query", 0)
	ix := buildIndex(t, records, emb, Options{})

	adv := ix.Advise(context.Background(), "query")
	require.Equal(t, ModeSoft, adv.Mode)
	assert.Greater(t, adv.ProbB, adv.ProbA)
}

// ===== Advice application =====

func TestAdvice_Apply(t *testing.T) {
	tests := []struct {
		name           string
		advice         Advice
		wantA, wantB   float64
		exactOverride  bool
		keepsDirection bool
	}{
		{
			name:          "none leaves shares alone",
			advice:        Advice{Mode: ModeNone},
			wantA:         0.45,
			wantB:         0.55,
			exactOverride: true,
		},
		{
			name:          "hard replaces shares",
			advice:        Advice{Mode: ModeHard, ProbA: 0.62, ProbB: 0.38},
			wantA:         0.62,
			wantB:         0.38,
			exactOverride: true,
		},
		{
			name:           "soft blends toward the vote",
			advice:         Advice{Mode: ModeSoft, ProbA: 0.9, ProbB: 0.1, Lambda: 0.35},
			keepsDirection: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := tt.advice.Apply(0.45, 0.55)
			for _, v := range []float64{a, b} {
				assert.GreaterOrEqual(t, v, 0.0)
				assert.LessOrEqual(t, v, 1.0)
			}
			if tt.exactOverride {
				assert.InDelta(t, tt.wantA, a, 1e-9)
				assert.InDelta(t, tt.wantB, b, 1e-9)
			}
			if tt.keepsDirection {
				assert.Greater(t, a, 0.45, "a strong A vote must pull the A score up")
				assert.Less(t, a, 0.9, "the blend must not jump all the way to the vote")
			}
		})
	}
}

// ===== Rebuild deadlines =====

// The async rebuild triggers all funnel through RebuildWithTimeout, so
// every embedding call made during a rebuild must carry a deadline.
func TestIndex_RebuildWithTimeoutBoundsEmbedCalls(t *testing.T) {
	records := sliceSource{
		finalizedRecord("chose-a", variantA, time.Hour),
		finalizedRecord("chose-b", variantB, time.Hour),
	}
	emb := newStubEmbedder()
	for _, rec := range records {
		emb.set(rec.FeatureSentence(), 0)
	}
	ix := NewIndex(records, emb, Options{})

	require.NoError(t, ix.RebuildWithTimeout(context.Background()))

	deadlines := emb.seenDeadlines()
	require.Len(t, deadlines, 2)
	for _, d := range deadlines {
		assert.WithinDuration(t, time.Now().Add(RebuildTimeout), d, time.Minute)
	}
}

// ===== Neighbor reporting =====

func TestIndex_AdviceCarriesNeighborOutcomes(t *testing.T) {
	recA := finalizedRecord("past-a", variantA, time.Hour)
	recB := finalizedRecord("past-b", variantB, 2*time.Hour)
	emb := newStubEmbedder()
	emb.set(recA.FeatureSentence(), 0)
	emb.set(recB.FeatureSentence(), 80)
	emb.set("new campaign", 40)

	ix := buildIndex(t, sliceSource{recA, recB}, emb, Options{})

	adv := ix.Advise(context.Background(), "new campaign")
	require.Equal(t, ModeSoft, adv.Mode)
	require.Len(t, adv.Matches, 2)
	for _, m := range adv.Matches {
		assert.Contains(t, []string{"past-a", "past-b"}, m.RecordID)
		assert.Equal(t, "beauty", m.Category)
		assert.Contains(t, []string{datatypes.ClassA, datatypes.ClassB}, m.Winner)
		assert.Greater(t, m.Similarity, 0.7)
	}

	hard := buildIndex(t, sliceSource{recA}, emb, Options{TauHard: 0.95})
	emb.set("dup", 0)
	adv = hard.Advise(context.Background(), "dup")
	require.Equal(t, ModeHard, adv.Mode)
	require.Len(t, adv.Matches, 1)
	assert.Equal(t, "past-a", adv.Matches[0].RecordID)
	assert.Equal(t, datatypes.ClassA, adv.Matches[0].Winner)
}
