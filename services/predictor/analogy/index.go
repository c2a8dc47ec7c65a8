// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package analogy maintains an in-memory nearest-neighbor index over
// finalized decisions and turns the closest historical outcomes into
// advice for new predictions.
//
// The index is rebuilt wholesale and swapped in atomically, so queries
// never observe a half-built state and never block on a rebuild.
package analogy

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ctrlab/copycast/services/llm"
	"github.com/ctrlab/copycast/services/predictor/datatypes"
)

// Mode is how strongly history weighed on a prediction.
type Mode string

const (
	// ModeNone means no usable history: empty index, embedding failure
	// or no voting neighbors.
	ModeNone Mode = "none"
	// ModeSoft blends a weighted neighbor vote into the model's shares.
	ModeSoft Mode = "soft"
	// ModeHard overrides the shares because a near-duplicate request was
	// already decided.
	ModeHard Mode = "hard"
)

// Options tune the advice policy. Zero-value fields fall back to the
// defaults via Normalize.
type Options struct {
	// TauHard is the cosine similarity at or above which the best
	// neighbor's outcome is followed outright.
	TauHard float64

	// TopK bounds the soft-vote neighborhood.
	TopK int

	// SimWeight and RecencyWeight mix similarity and freshness into a
	// neighbor's vote weight.
	SimWeight     float64
	RecencyWeight float64

	// Alpha is the per-day recency decay: weight 1/(1+Alpha*ageDays).
	Alpha float64

	// Lambda is the blend factor for soft advice.
	Lambda float64

	// HardHigh and HardLow are the shares assigned to the historical
	// winner and loser on a hard follow. Deliberately short of 1 and 0:
	// history repeats, but not certainly.
	HardHigh float64
	HardLow  float64
}

// DefaultOptions returns the production policy.
func DefaultOptions() Options {
	return Options{
		TauHard:       0.90,
		TopK:          6,
		SimWeight:     0.7,
		RecencyWeight: 0.3,
		Alpha:         0.03,
		Lambda:        0.35,
		HardHigh:      0.62,
		HardLow:       0.38,
	}
}

// Normalize fills zero fields with defaults.
func (o Options) Normalize() Options {
	def := DefaultOptions()
	if o.TauHard <= 0 {
		o.TauHard = def.TauHard
	}
	if o.TopK <= 0 {
		o.TopK = def.TopK
	}
	if o.SimWeight <= 0 && o.RecencyWeight <= 0 {
		o.SimWeight, o.RecencyWeight = def.SimWeight, def.RecencyWeight
	}
	if o.Alpha <= 0 {
		o.Alpha = def.Alpha
	}
	if o.Lambda <= 0 {
		o.Lambda = def.Lambda
	}
	if o.HardHigh <= 0 || o.HardLow <= 0 {
		o.HardHigh, o.HardLow = def.HardHigh, def.HardLow
	}
	return o
}

// Match is one historical decision surfaced alongside the advice, so
// reasoning prompts can cite what actually happened.
type Match struct {
	RecordID   string
	Category   string
	Winner     string
	Similarity float64
}

// Advice is the index's verdict for one request.
type Advice struct {
	Mode Mode

	// ProbA and ProbB sum to 1 for soft and hard advice and are zero for
	// ModeNone.
	ProbA float64
	ProbB float64

	// Lambda is the blend factor to use when Mode is soft.
	Lambda float64

	// BestSim is the highest cosine similarity seen, for observability.
	BestSim float64

	// Neighbors is how many indexed decisions voted.
	Neighbors int

	// Matches lists the decisions behind the advice, most similar first.
	Matches []Match
}

// Apply folds the advice into the aggregator's raw scores. Hard advice
// replaces them; soft advice is a convex blend, so outputs stay in [0,1]
// whenever the inputs are.
func (a Advice) Apply(scoreA, scoreB float64) (float64, float64) {
	switch a.Mode {
	case ModeHard:
		return a.ProbA, a.ProbB
	case ModeSoft:
		blendedA := (1-a.Lambda)*scoreA + a.Lambda*a.ProbA
		blendedB := (1-a.Lambda)*scoreB + a.Lambda*a.ProbB
		return blendedA, blendedB
	default:
		return scoreA, scoreB
	}
}

// RecordSource supplies the decisions to index. The decision store
// implements it.
type RecordSource interface {
	Records() ([]datatypes.Record, error)
}

type entry struct {
	recordID  string
	vector    []float32
	timestamp int64
	category  string
	class     string
}

type snapshot struct {
	entries []entry
	builtAt time.Time
}

var (
	rebuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copycast_analogy_rebuilds_total",
		Help: "Analogy index rebuilds by status",
	}, []string{"status"})

	indexSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "copycast_analogy_index_size",
		Help: "Finalized decisions currently indexed",
	})

	adviceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copycast_analogy_advice_total",
		Help: "Advice issued by mode",
	}, []string{"mode"})
)

// Index is the live nearest-neighbor index. Safe for concurrent use;
// queries read an immutable snapshot.
type Index struct {
	source   RecordSource
	embedder llm.Embedder
	opts     Options

	snap atomic.Pointer[snapshot]

	// rebuildMu serializes rebuilds; it never blocks Advise.
	rebuildMu sync.Mutex

	logger *slog.Logger
	now    func() time.Time
}

// NewIndex creates an empty index over the record source. Call Rebuild to
// populate it.
func NewIndex(source RecordSource, embedder llm.Embedder, opts Options) *Index {
	ix := &Index{
		source:   source,
		embedder: embedder,
		opts:     opts.Normalize(),
		logger:   slog.Default().With("component", "analogy_index"),
		now:      time.Now,
	}
	ix.snap.Store(&snapshot{})
	return ix
}

// Len reports the current snapshot size.
func (ix *Index) Len() int {
	return len(ix.snap.Load().entries)
}

// Rebuild re-embeds every finalized decision and swaps the new snapshot
// in. Only records whose final choice was variant A or B vote; C and
// free-text outcomes say nothing about the A-versus-B question. A record
// whose embedding fails is skipped, not fatal.
func (ix *Index) Rebuild(ctx context.Context) error {
	ix.rebuildMu.Lock()
	defer ix.rebuildMu.Unlock()

	records, err := ix.source.Records()
	if err != nil {
		rebuildsTotal.WithLabelValues("error").Inc()
		return err
	}

	entries := make([]entry, 0, len(records))
	skipped := 0
	for _, rec := range records {
		class := rec.FinalClass()
		if class != datatypes.ClassA && class != datatypes.ClassB {
			continue
		}
		vec, err := ix.embedder.Embed(ctx, rec.FeatureSentence())
		if err != nil {
			if ctx.Err() != nil {
				rebuildsTotal.WithLabelValues("error").Inc()
				return ctx.Err()
			}
			skipped++
			continue
		}
		entries = append(entries, entry{
			recordID:  rec.LogID,
			vector:    vec,
			timestamp: rec.Timestamp,
			category:  rec.Category,
			class:     class,
		})
	}

	ix.snap.Store(&snapshot{entries: entries, builtAt: ix.now()})
	indexSize.Set(float64(len(entries)))
	rebuildsTotal.WithLabelValues("ok").Inc()
	ix.logger.Info("analogy index rebuilt", "indexed", len(entries), "skipped", skipped)
	return nil
}

// RebuildTimeout bounds a full rebuild. Every Embed call inside inherits
// the deadline.
const RebuildTimeout = 5 * time.Minute

// RebuildWithTimeout runs Rebuild under the standard rebuild deadline.
// The asynchronous triggers (startup, the log watcher, post-choice) all
// go through it so no rebuild embeds without a timeout.
func (ix *Index) RebuildWithTimeout(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, RebuildTimeout)
	defer cancel()
	return ix.Rebuild(ctx)
}

// Advise embeds the request's feature sentence and consults the nearest
// indexed decisions. Any failure degrades to ModeNone; advice is an
// enhancement, never a prerequisite.
func (ix *Index) Advise(ctx context.Context, sentence string) Advice {
	snap := ix.snap.Load()
	if len(snap.entries) == 0 {
		adviceTotal.WithLabelValues(string(ModeNone)).Inc()
		return Advice{Mode: ModeNone}
	}

	query, err := ix.embedder.Embed(ctx, sentence)
	if err != nil {
		ix.logger.Warn("query embedding failed, skipping history", "error", err)
		adviceTotal.WithLabelValues(string(ModeNone)).Inc()
		return Advice{Mode: ModeNone}
	}

	type scored struct {
		e   entry
		sim float64
	}
	neighbors := make([]scored, 0, len(snap.entries))
	for _, e := range snap.entries {
		neighbors = append(neighbors, scored{e: e, sim: cosine(query, e.vector)})
	}
	sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].sim > neighbors[j].sim })

	best := neighbors[0]
	if best.sim >= ix.opts.TauHard {
		adv := Advice{
			Mode:      ModeHard,
			BestSim:   best.sim,
			Neighbors: 1,
			Lambda:    ix.opts.Lambda,
			Matches:   []Match{matchOf(best.e, best.sim)},
		}
		if best.e.class == datatypes.ClassA {
			adv.ProbA, adv.ProbB = ix.opts.HardHigh, ix.opts.HardLow
		} else {
			adv.ProbA, adv.ProbB = ix.opts.HardLow, ix.opts.HardHigh
		}
		adviceTotal.WithLabelValues(string(ModeHard)).Inc()
		return adv
	}

	k := ix.opts.TopK
	if k > len(neighbors) {
		k = len(neighbors)
	}
	nowMillis := ix.now().UnixMilli()
	var voteA, voteTotal float64
	matches := make([]Match, 0, k)
	for _, n := range neighbors[:k] {
		ageDays := float64(nowMillis-n.e.timestamp) / float64(24*time.Hour/time.Millisecond)
		if ageDays < 0 {
			ageDays = 0
		}
		recency := 1.0 / (1.0 + ix.opts.Alpha*ageDays)
		sim := n.sim
		if sim < 0 {
			sim = 0
		}
		w := ix.opts.SimWeight*sim + ix.opts.RecencyWeight*recency
		if w <= 0 {
			continue
		}
		voteTotal += w
		if n.e.class == datatypes.ClassA {
			voteA += w
		}
		matches = append(matches, matchOf(n.e, n.sim))
	}
	if voteTotal <= 0 {
		adviceTotal.WithLabelValues(string(ModeNone)).Inc()
		return Advice{Mode: ModeNone, BestSim: best.sim}
	}

	adv := Advice{
		Mode:      ModeSoft,
		ProbA:     voteA / voteTotal,
		ProbB:     1 - voteA/voteTotal,
		Lambda:    ix.opts.Lambda,
		BestSim:   best.sim,
		Neighbors: k,
		Matches:   matches,
	}
	adviceTotal.WithLabelValues(string(ModeSoft)).Inc()
	return adv
}

func matchOf(e entry, sim float64) Match {
	return Match{
		RecordID:   e.recordID,
		Category:   e.category,
		Winner:     e.class,
		Similarity: sim,
	}
}

// cosine computes cosine similarity, 0 when either vector is degenerate
// or the dimensions disagree.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
