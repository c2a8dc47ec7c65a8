// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// InsightsResponse summarizes the decision log for the dashboard.
type InsightsResponse struct {
	// TotalPredictions counts every logged prediction.
	TotalPredictions int `json:"total_predictions"`

	// FinalizedCount counts predictions where the user made a choice.
	FinalizedCount int `json:"finalized_count"`

	// ChoiceDistribution maps final class (A, B, C, USER) to counts over
	// finalized records.
	ChoiceDistribution map[string]int `json:"choice_distribution"`

	// AccuracyRate is the fraction of finalized records where the user
	// picked the variant the model ranked first. Zero when nothing is
	// finalized.
	AccuracyRate float64 `json:"accuracy_rate"`

	// CategoryCounts maps category to prediction count.
	CategoryCounts map[string]int `json:"category_counts"`

	// Recent lists the newest decisions, newest first.
	Recent []RecentDecision `json:"recent"`
}

// RecentDecision is one row of the recent-activity feed.
type RecentDecision struct {
	LogID      string `json:"log_id"`
	Timestamp  int64  `json:"timestamp"`
	Category   string `json:"category"`
	TopChoice  string `json:"ai_top_ctr_choice"`
	FinalClass string `json:"final_class"`
}
