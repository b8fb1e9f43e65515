// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package airesolver proposes conflict resolutions with an OpenAI
// compatible chat completion API.
package airesolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/AleutianAI/collabcore/services/collab/conflict"
	"github.com/sashabaranov/go-openai"
)

// DefaultModel is used when neither Options nor OPENAI_MODEL names one.
const DefaultModel = "gpt-4o-mini"

// secretPath is where container secrets mount the API key.
const secretPath = "/run/secrets/openai_api_key"

// ErrNoAPIKey indicates no API key was configured.
var ErrNoAPIKey = errors.New("openai api key not set")

// ErrBadAnswer indicates the model reply was not a usable resolution.
var ErrBadAnswer = errors.New("unusable ai resolution")

const systemPrompt = `You resolve conflicts between two concurrent edits of the same region of a text file.
You receive the common base, the local editor version and the remote collaborative version.
Produce one merged version that keeps the intent of both edits.
Answer with a JSON object: {"text": "<merged region>", "confidence": <0..1>, "rationale": "<one sentence>"}.
The text must be the complete region, preserving line endings. Do not wrap it in code fences.`

// Options configures an OpenAIResolver.
type Options struct {
	APIKey string

	// BaseURL points at an OpenAI compatible endpoint. Empty uses the
	// public API.
	BaseURL string

	Model       string
	Temperature float32
	MaxTokens   int
	Logger      *slog.Logger
}

// OptionsFromEnv reads OPENAI_API_KEY, OPENAI_BASE_URL and OPENAI_MODEL,
// falling back to the mounted secret for the key.
func OptionsFromEnv() Options {
	opts := Options{
		APIKey:  os.Getenv("OPENAI_API_KEY"),
		BaseURL: os.Getenv("OPENAI_BASE_URL"),
		Model:   os.Getenv("OPENAI_MODEL"),
	}
	if opts.APIKey == "" {
		if b, err := os.ReadFile(secretPath); err == nil {
			opts.APIKey = strings.TrimSpace(string(b))
		}
	}
	return opts
}

// OpenAIResolver implements conflict.AIResolver.
type OpenAIResolver struct {
	client *openai.Client
	opts   Options
	logger *slog.Logger
}

// New creates a resolver.
func New(opts Options) (*OpenAIResolver, error) {
	if opts.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	opts.Logger.Info("initializing ai conflict resolver", slog.String("model", opts.Model))
	return &OpenAIResolver{
		client: openai.NewClientWithConfig(cfg),
		opts:   opts,
		logger: opts.Logger,
	}, nil
}

type answer struct {
	Text       *string  `json:"text"`
	Confidence *float64 `json:"confidence"`
	Rationale  string   `json:"rationale"`
}

// Resolve implements conflict.AIResolver.
func (r *OpenAIResolver) Resolve(ctx context.Context, req conflict.AIRequest) (conflict.AIResponse, error) {
	user, err := json.Marshal(req)
	if err != nil {
		return conflict.AIResponse{}, fmt.Errorf("encode request: %w", err)
	}

	creq := openai.ChatCompletionRequest{
		Model: r.opts.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(user)},
		},
		Temperature: r.opts.Temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	if r.opts.MaxTokens > 0 {
		creq.MaxCompletionTokens = r.opts.MaxTokens
	}

	resp, err := r.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return conflict.AIResponse{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return conflict.AIResponse{}, fmt.Errorf("%w: no choices", ErrBadAnswer)
	}
	r.logger.Debug("ai resolution received",
		slog.String("uri", req.URI),
		slog.String("finish_reason", string(resp.Choices[0].FinishReason)))
	return parseAnswer(resp.Choices[0].Message.Content)
}

func parseAnswer(content string) (conflict.AIResponse, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var a answer
	if err := json.Unmarshal([]byte(content), &a); err != nil {
		return conflict.AIResponse{}, fmt.Errorf("%w: %w", ErrBadAnswer, err)
	}
	if a.Text == nil {
		return conflict.AIResponse{}, fmt.Errorf("%w: missing text", ErrBadAnswer)
	}
	if a.Confidence == nil {
		return conflict.AIResponse{}, fmt.Errorf("%w: missing confidence", ErrBadAnswer)
	}
	return conflict.AIResponse{
		Text:       *a.Text,
		Confidence: min(max(*a.Confidence, 0), 1),
		Rationale:  a.Rationale,
	}, nil
}
