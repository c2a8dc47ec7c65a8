// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Models frequently wrap their structured answer in markdown fences or
// prose. ExtractJSON digs the JSON object out of such a response.
//
// Extraction order:
//  1. the body of a ```json (or bare ```) fence
//  2. the outermost {...} span of the raw text
//
// Returns the candidate string and whether anything was found. The result
// is not guaranteed to parse; use UnmarshalPayload for the full pipeline.
func ExtractJSON(response string) (string, bool) {
	startMarkers := []string{"```json\n", "```json\r\n", "```\n", "```\r\n"}
	const endMarker = "```"

	for _, startMarker := range startMarkers {
		startIdx := strings.Index(response, startMarker)
		if startIdx == -1 {
			continue
		}
		contentStart := startIdx + len(startMarker)
		remaining := response[contentStart:]
		endIdx := strings.Index(remaining, endMarker)
		if endIdx == -1 {
			continue
		}
		candidate := strings.TrimSpace(remaining[:endIdx])
		if candidate != "" {
			return candidate, true
		}
	}

	startIdx := strings.Index(response, "{")
	endIdx := strings.LastIndex(response, "}")
	if startIdx != -1 && endIdx > startIdx {
		return response[startIdx : endIdx+1], true
	}
	return "", false
}

// trailingCommaPattern matches a comma directly before a closing brace or
// bracket, the most common relaxed-JSON habit in model output.
var trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)

// relaxJSON rewrites the most common non-strict constructs into valid JSON.
func relaxJSON(s string) string {
	return trailingCommaPattern.ReplaceAllString(s, "$1")
}

// UnmarshalPayload parses the structured payload embedded in a model
// response into v. It tries the raw text, then the extracted block, then a
// relaxed-dialect pass over the extracted block. On failure it returns a
// *CollabError with FailureMalformed so ladder callers roll over or fall
// back instead of retrying.
func UnmarshalPayload(response string, v any) error {
	trimmed := strings.TrimSpace(response)
	if trimmed == "" {
		return NewCollabError(FailureMalformed, "payload", fmt.Errorf("empty response"))
	}
	if err := json.Unmarshal([]byte(trimmed), v); err == nil {
		return nil
	}

	candidate, ok := ExtractJSON(trimmed)
	if !ok {
		return NewCollabError(FailureMalformed, "payload", fmt.Errorf("no JSON object in response"))
	}
	if err := json.Unmarshal([]byte(candidate), v); err == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(relaxJSON(candidate)), v); err != nil {
		return NewCollabError(FailureMalformed, "payload", fmt.Errorf("parse embedded JSON: %w", err))
	}
	return nil
}
