// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides the external-collaborator clients for copycast:
// chat-completion backends used for persona scoring, copy analysis and
// variant synthesis, plus the embedding client used by the analogy index.
//
// All backends sit behind the Client interface. Production code should go
// through Ladder, which adds rate limiting, per-attempt timeouts and a
// bounded exponential-backoff retry across an ordered model list. When the
// whole ladder is exhausted the caller receives a *CollabError and is
// expected to run its local fallback instead of failing the request.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// GenerationParams tunes a single generation call. Zero values leave the
// provider default in place.
type GenerationParams struct {
	Temperature float32  `json:"temperature"`
	TopP        float32  `json:"top_p"`
	MaxTokens   int      `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Client defines the standard interface for any chat-completion backend.
type Client interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// Embedder converts text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// FailureKind classifies why a collaborator call failed. Callers use the
// kind to decide between retrying, rolling over to the next model, and
// falling back to a local heuristic.
type FailureKind int

const (
	// FailureUnavailable covers connection errors and 5xx responses.
	FailureUnavailable FailureKind = iota

	// FailureTimeout means the per-attempt deadline expired.
	FailureTimeout

	// FailureRateLimited means the provider returned 429.
	FailureRateLimited

	// FailureMalformed means the response arrived but could not be parsed
	// into the expected structured payload.
	FailureMalformed
)

// String returns the human-readable name of the failure kind.
func (k FailureKind) String() string {
	switch k {
	case FailureUnavailable:
		return "unavailable"
	case FailureTimeout:
		return "timeout"
	case FailureRateLimited:
		return "rate_limited"
	case FailureMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// CollabError is the typed failure returned when an external collaborator
// could not produce a usable response. It is never fatal to a prediction:
// every consumer has a local fallback path.
type CollabError struct {
	Kind     FailureKind
	Provider string
	Err      error
}

func (e *CollabError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s collaborator failed: %s", e.Provider, e.Kind)
	}
	return fmt.Sprintf("%s collaborator failed (%s): %v", e.Provider, e.Kind, e.Err)
}

func (e *CollabError) Unwrap() error { return e.Err }

// NewCollabError wraps err with a failure classification.
func NewCollabError(kind FailureKind, provider string, err error) *CollabError {
	return &CollabError{Kind: kind, Provider: provider, Err: err}
}

// AsCollabError extracts a *CollabError from an error chain.
func AsCollabError(err error) (*CollabError, bool) {
	var ce *CollabError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
