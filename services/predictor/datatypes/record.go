// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"fmt"
	"strings"
)

// Variant class labels. ClassUser marks a finalized record whose chosen
// text matches none of the three shown variants (free-text edits).
const (
	ClassA    = "A"
	ClassB    = "B"
	ClassC    = "C"
	ClassUser = "USER"
	ClassNone = "NONE"
)

// Record is one line of the decision log: a prediction plus, eventually,
// the user's final choice. Once UserFinalText is set it never reverts to
// empty.
type Record struct {
	LogID         string   `json:"log_id"`
	Timestamp     int64    `json:"timestamp"` // unix millis, UTC
	AgeGroups     []string `json:"age_groups"`
	Genders       []string `json:"genders"`
	Interests     string   `json:"interests"`
	Category      string   `json:"category"`
	MarketingA    string   `json:"marketing_a"`
	MarketingB    string   `json:"marketing_b"`
	PredCTRA      float64  `json:"pred_ctr_a"`
	PredCTRB      float64  `json:"pred_ctr_b"`
	PredCTRC      float64  `json:"pred_ctr_c"`
	GeneratedText string   `json:"ai_generated_text"`
	TopChoice     string   `json:"ai_top_ctr_choice"`
	UserFinalText string   `json:"user_final_text,omitempty"`
}

// Valid reports whether a stored line is a usable record. Used when
// scanning the log: invalid lines are skipped, not fatal.
func (r *Record) Valid() error {
	if strings.TrimSpace(r.LogID) == "" {
		return fmt.Errorf("record missing log_id")
	}
	if r.MarketingA == "" || r.MarketingB == "" {
		return fmt.Errorf("record %s missing variant text", r.LogID)
	}
	return nil
}

// Finalized reports whether the user's choice has been recorded.
func (r *Record) Finalized() bool {
	return strings.TrimSpace(r.UserFinalText) != ""
}

// FinalClass maps the finalized choice back onto a variant class. Returns
// ClassNone for unresolved records and ClassUser when the chosen text
// matches none of the shown variants.
func (r *Record) FinalClass() string {
	final := strings.TrimSpace(r.UserFinalText)
	if final == "" {
		return ClassNone
	}
	switch final {
	case strings.TrimSpace(r.MarketingA):
		return ClassA
	case strings.TrimSpace(r.MarketingB):
		return ClassB
	case strings.TrimSpace(r.GeneratedText):
		return ClassC
	}
	return ClassUser
}

// ResolveChoice expands a user choice into the stored text. Short codes
// A/B/C resolve to the corresponding variant; anything else is taken as
// the literal chosen text.
func (r *Record) ResolveChoice(choice string) string {
	switch strings.TrimSpace(choice) {
	case ClassA:
		return strings.TrimSpace(r.MarketingA)
	case ClassB:
		return strings.TrimSpace(r.MarketingB)
	case ClassC:
		return strings.TrimSpace(r.GeneratedText)
	}
	return strings.TrimSpace(choice)
}

// FeatureSentence builds the canonical text the analogy index embeds for
// this record. The tagged layout keeps audience attributes and variant
// texts in stable positions so near-duplicate requests embed near-
// identically.
func (r *Record) FeatureSentence() string {
	return FeatureSentence(r.Category, r.AgeGroups, r.Genders, r.Interests,
		r.MarketingA, r.MarketingB, r.GeneratedText)
}

// FeatureSentence builds the canonical embedding input for a request or
// record. C is empty for incoming requests that have no synthesized
// variant yet.
func FeatureSentence(category string, ages, genders []string, interests, a, b, c string) string {
	return fmt.Sprintf("[cat]%s [ages]%s [genders]%s [interests]%s [A]%s [B]%s [C]%s",
		cleanup(category),
		cleanup(strings.Join(ages, " ")),
		cleanup(strings.Join(genders, " ")),
		cleanup(interests),
		cleanup(a),
		cleanup(b),
		cleanup(c),
	)
}

// cleanup collapses all whitespace runs to single spaces.
func cleanup(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
