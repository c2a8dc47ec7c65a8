// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrlab/copycast/services/predictor/catalog"
)

func defaultTable(t *testing.T) *catalog.CalibrationTable {
	t.Helper()
	table, err := catalog.LoadCalibration("")
	require.NoError(t, err)
	return table
}

func TestCalibrator_OutputStaysInsideCategoryBand(t *testing.T) {
	cal := NewCalibrator(defaultTable(t))

	shares := []float64{-0.5, 0, 0.25, 0.5, 0.75, 1, 1.8}
	for _, category := range []string{"beauty", "gaming", "no-such-category"} {
		band := cal.Band(category)
		for _, share := range shares {
			ctr := cal.Calibrate(category, share)
			assert.GreaterOrEqual(t, ctr, band.Min, "category %s share %v", category, share)
			assert.LessOrEqual(t, ctr, band.Max, "category %s share %v", category, share)
		}
	}
}

func TestCalibrator_PreservesOrdering(t *testing.T) {
	cal := NewCalibrator(defaultTable(t))

	prev := -1.0
	for _, share := range []float64{0, 0.2, 0.4, 0.6, 0.8, 1} {
		ctr := cal.Calibrate("beauty", share)
		assert.Greater(t, ctr, prev, "calibration must be strictly increasing in the share")
		prev = ctr
	}

	a, b := cal.CalibratePair("beauty", 0.45, 0.55)
	assert.Less(t, a, b, "the panel's preferred variant must keep the higher CTR")
}

func TestCalibrator_UnknownCategoryUsesDefaultBand(t *testing.T) {
	cal := NewCalibrator(defaultTable(t))

	def := cal.Band(catalog.DefaultCategory)
	got := cal.Band("no-such-category")
	assert.Equal(t, def, got)
}

func TestCalibrator_ShrinkPullsTowardPrior(t *testing.T) {
	cal := NewCalibrator(defaultTable(t))
	band := cal.Band("beauty")

	low := cal.Calibrate("beauty", 0)
	high := cal.Calibrate("beauty", 1)
	assert.Greater(t, low, band.Min, "shrinkage must lift the floor toward the prior")
	assert.Less(t, high, band.Max, "shrinkage must pull the ceiling toward the prior")
}
