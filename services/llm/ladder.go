// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
)

// LadderConfig controls the retry/rollover behavior of a Ladder.
type LadderConfig struct {
	// MaxTriesPerModel caps retry attempts against one model before the
	// ladder rolls over to the next one.
	MaxTriesPerModel int

	// AttemptTimeout bounds a single generation attempt.
	AttemptTimeout time.Duration

	// InitialBackoff is the first retry delay; it doubles per attempt.
	InitialBackoff time.Duration

	// RequestsPerSecond rate-limits outbound collaborator calls across
	// all models. Zero disables the limiter.
	RequestsPerSecond float64
}

// DefaultLadderConfig mirrors the retry policy the pipeline was tuned with:
// three attempts per model, 25s per attempt, 800ms initial backoff.
func DefaultLadderConfig() LadderConfig {
	return LadderConfig{
		MaxTriesPerModel:  3,
		AttemptTimeout:    25 * time.Second,
		InitialBackoff:    800 * time.Millisecond,
		RequestsPerSecond: 2,
	}
}

// rung is one model in the fallback order.
type rung struct {
	name   string
	client Client
}

// Ladder chains an ordered list of chat-completion backends. Each call walks
// the list: bounded exponential-backoff retry against the current model,
// then rollover to the next. Only when every rung is exhausted does the
// caller see an error, and it is always a *CollabError so the caller can run
// its local heuristic instead.
//
// Ladder is safe for concurrent use.
type Ladder struct {
	rungs   []rung
	cfg     LadderConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewLadder builds a ladder from the given backends, in priority order.
// Panics if no backend is supplied; a ladder with nothing to call is a
// programming error, not a runtime condition.
func NewLadder(cfg LadderConfig, named map[string]Client, order []string) *Ladder {
	if len(order) == 0 {
		panic("llm: NewLadder requires at least one model")
	}
	rungs := make([]rung, 0, len(order))
	for _, name := range order {
		client, ok := named[name]
		if !ok {
			continue
		}
		rungs = append(rungs, rung{name: name, client: client})
	}
	if len(rungs) == 0 {
		panic("llm: NewLadder order names no configured backend")
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Ladder{
		rungs:   rungs,
		cfg:     cfg,
		limiter: limiter,
		logger:  slog.Default().With("component", "llm_ladder"),
	}
}

// Generate implements the Client interface over the whole fallback chain.
func (l *Ladder) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	var lastErr error
	for _, r := range l.rungs {
		out, err := l.generateWithRetry(ctx, r, prompt, params)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		l.logger.Warn("model exhausted, rolling over", "model", r.name, "error", err)
	}
	if _, ok := AsCollabError(lastErr); ok {
		return "", lastErr
	}
	return "", NewCollabError(FailureUnavailable, "ladder", lastErr)
}

// generateWithRetry runs the bounded retry loop for a single model.
func (l *Ladder) generateWithRetry(ctx context.Context, r rung, prompt string, params GenerationParams) (string, error) {
	attempt := 0
	op := func() (string, error) {
		attempt++
		if l.limiter != nil {
			if err := l.limiter.Wait(ctx); err != nil {
				return "", backoff.Permanent(err)
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, l.cfg.AttemptTimeout)
		defer cancel()

		start := time.Now()
		out, err := r.client.Generate(attemptCtx, prompt, params)
		if err != nil {
			l.logger.Warn("generation attempt failed",
				"model", r.name,
				"attempt", attempt,
				"latency_ms", time.Since(start).Milliseconds(),
				"error", err,
			)
			if ce, ok := AsCollabError(err); ok && ce.Kind == FailureMalformed {
				// Retrying a parse failure on the same model rarely helps;
				// roll over immediately.
				return "", backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		l.logger.Debug("generation succeeded",
			"model", r.name,
			"attempt", attempt,
			"latency_ms", time.Since(start).Milliseconds(),
		)
		return out, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = l.cfg.InitialBackoff

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(l.cfg.MaxTriesPerModel)),
	)
}
