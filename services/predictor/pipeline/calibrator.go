// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"github.com/ctrlab/copycast/services/predictor/catalog"
)

// Calibrator maps raw persona preference shares onto realistic CTR values
// using the per-category calibration table.
//
// The mapping is affine per category: a share of 0 lands on the band
// minimum, a share of 1 on the band maximum, then the result is shrunk
// toward the category prior. Both steps preserve ordering, so whichever
// variant the panel preferred keeps the higher calibrated CTR.
type Calibrator struct {
	table *catalog.CalibrationTable
}

// NewCalibrator builds a calibrator over the category table.
func NewCalibrator(table *catalog.CalibrationTable) *Calibrator {
	return &Calibrator{table: table}
}

// Calibrate converts one preference share into a CTR for the category.
// Output is always inside the category band, whatever the input.
func (c *Calibrator) Calibrate(category string, share float64) float64 {
	entry := c.table.Lookup(category)
	share = clamp01(share)

	ctr := entry.Min + share*(entry.Max-entry.Min)
	ctr = ctr + entry.Shrink*(entry.Prior-ctr)

	// Shrink can't leave the band when prior is inside it, but clamp
	// anyway so a hand-edited table can't produce out-of-band output.
	if ctr < entry.Min {
		ctr = entry.Min
	}
	if ctr > entry.Max {
		ctr = entry.Max
	}
	return ctr
}

// CalibratePair calibrates both variants against the same category band.
func (c *Calibrator) CalibratePair(category string, shareA, shareB float64) (float64, float64) {
	return c.Calibrate(category, shareA), c.Calibrate(category, shareB)
}

// Band exposes the category band for callers that need the raw limits,
// such as the variant-C boost cap.
func (c *Calibrator) Band(category string) catalog.CalibrationEntry {
	return c.table.Lookup(category)
}
