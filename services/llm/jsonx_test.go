// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		found    bool
	}{
		{
			name:     "bare object",
			input:    `{"ctr_a": 0.4}`,
			expected: `{"ctr_a": 0.4}`,
			found:    true,
		},
		{
			name:     "json fence",
			input:    "Here you go:\n```json\n{\"ctr_a\": 0.4}\n```\nHope that helps!",
			expected: `{"ctr_a": 0.4}`,
			found:    true,
		},
		{
			name:     "anonymous fence",
			input:    "```\n{\"personas\": []}\n```",
			expected: `{"personas": []}`,
			found:    true,
		},
		{
			name:     "object buried in prose",
			input:    "Sure! The answer is {\"winner\": \"B\"} as requested.",
			expected: `{"winner": "B"}`,
			found:    true,
		},
		{
			name:  "no object at all",
			input: "I cannot answer that.",
			found: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractJSON(tt.input)
			assert.Equal(t, tt.found, ok)
			if tt.found {
				assert.Equal(t, tt.expected, got)
			}
		})
	}
}

func TestUnmarshalPayload_RelaxedDialect(t *testing.T) {
	var out struct {
		Personas []struct {
			AScore float64 `json:"a_score"`
			BScore float64 `json:"b_score"`
		} `json:"personas"`
	}

	// Trailing comma plus a fence: both tolerated.
	input := "```json\n{\"personas\": [{\"a_score\": 0.7, \"b_score\": 0.2},]}\n```"
	err := UnmarshalPayload(input, &out)
	require.NoError(t, err)
	require.Len(t, out.Personas, 1)
	assert.InDelta(t, 0.7, out.Personas[0].AScore, 1e-9)
}

func TestUnmarshalPayload_MalformedIsTyped(t *testing.T) {
	var out map[string]any
	err := UnmarshalPayload("total garbage, not even braces", &out)
	require.Error(t, err)

	ce, ok := AsCollabError(err)
	require.True(t, ok, "expected a CollabError, got %T", err)
	assert.Equal(t, FailureMalformed, ce.Kind)
}
