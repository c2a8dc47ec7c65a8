// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// MaxEmbeddingRunes is the provider-side input cap. Longer feature
// sentences are truncated, not rejected: the analogy index prefers a
// slightly lossy vector over a skipped record.
const MaxEmbeddingRunes = 8000

// embedCallTimeout bounds one embeddings request. Rebuild contexts are
// far wider; a single wedged call must not consume the whole budget.
const embedCallTimeout = 30 * time.Second

// OpenAIEmbedder produces fixed-length vectors via the OpenAI embeddings
// API. It implements the Embedder interface.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewOpenAIEmbedder creates an embedder. Model defaults to
// text-embedding-3-small when the argument is empty.
func NewOpenAIEmbedder(model string) (*OpenAIEmbedder, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err != nil {
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
		apiKey = strings.TrimSpace(string(apiKeyBytes))
	}
	m := openai.SmallEmbedding3
	if model != "" {
		m = openai.EmbeddingModel(model)
	}
	return &OpenAIEmbedder{
		client: openai.NewClient(apiKey),
		model:  m,
	}, nil
}

// Embed implements the Embedder interface.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, embedCallTimeout)
	defer cancel()

	text = truncateRunes(text, MaxEmbeddingRunes)
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, classifyOpenAIError(string(e.model), err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		slog.Warn("embedding response contained no vector", "model", e.model)
		return nil, NewCollabError(FailureMalformed, string(e.model), fmt.Errorf("empty embedding response"))
	}
	return resp.Data[0].Embedding, nil
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
