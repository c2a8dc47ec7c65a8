// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAIClient is a chat-completion backend bound to one model.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient creates a client for the given model. The API key comes
// from OPENAI_API_KEY or, for containerized deployments, from the mounted
// secret file.
func NewOpenAIClient(model string) (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the OpenAI API key from secrets", "path", secretPath)
		} else {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}
	if model == "" {
		model = os.Getenv("OPENAI_MODEL")
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	return &OpenAIClient{
		client: openai.NewClient(apiKey),
		model:  model,
	}, nil
}

// Model returns the bound model name.
func (o *OpenAIClient) Model() string { return o.model }

// Generate implements the Client interface.
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	slog.Debug("Generating text via OpenAI", "model", o.model)
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "You are an A/B-test marketing analyst. Answer with the exact structured format the user asks for."},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if params.Temperature > 0 {
		req.Temperature = params.Temperature
	}
	if params.MaxTokens > 0 {
		req.MaxCompletionTokens = params.MaxTokens
	}
	if params.TopP > 0 {
		req.TopP = params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classifyOpenAIError(o.model, err)
	}
	if len(resp.Choices) == 0 {
		return "", NewCollabError(FailureMalformed, o.model, fmt.Errorf("no choices in response"))
	}
	return resp.Choices[0].Message.Content, nil
}

// classifyOpenAIError maps a go-openai error onto the failure taxonomy.
func classifyOpenAIError(model string, err error) error {
	if apiErr, ok := err.(*openai.APIError); ok {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return NewCollabError(FailureRateLimited, model, err)
		case apiErr.HTTPStatusCode >= 500:
			return NewCollabError(FailureUnavailable, model, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewCollabError(FailureTimeout, model, err)
	}
	return NewCollabError(FailureUnavailable, model, err)
}
