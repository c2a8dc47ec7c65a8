// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "github.com/ctrlab/copycast/services/predictor/catalog"

// ScoringRow is one persona's preference judgment for a single request.
// Rows are ephemeral: created by the aggregator, consumed immediately,
// never persisted. Scores are on the canonical internal scale [0, 1].
type ScoringRow struct {
	Persona catalog.PersonaProfile
	ScoreA  float64
	ScoreB  float64
	Reasons []string
}

// Winner returns the class this persona preferred. Ties go to B, matching
// the neutral default's slight B bias.
func (r ScoringRow) Winner() string {
	if r.ScoreA > r.ScoreB {
		return ClassA
	}
	return ClassB
}
