// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package parse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/AleutianAI/legalcascade/services/register/datatypes"
	"github.com/sashabaranov/go-openai"
)

const llmSystemPrompt = `You annotate UK legislation for a legal register.
Read the instrument and answer with one JSON object with these fields:
"title" (string), "description" (one sentence), "made_date" and
"coming_into_force_date" (YYYY-MM-DD or ""), "geo_extent" (e.g. "E+W+S+NI"),
"geo_region" (array of England, Wales, Scotland, Northern Ireland),
"duty_holders" (array), "duty_types" (array of Duty, Prohibition, Offence, Power),
"clauses" (array of {"ref","text","duty_type","holders"}).
Use only facts stated in the text. Answer with JSON only.`

// ChatCompleter is the subset of *openai.Client the LLM extractor uses.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// LLMConfig configures the LLM extractor.
type LLMConfig struct {
	// BaseURL of an OpenAI-compatible API. Empty uses api.openai.com.
	BaseURL string

	// APIKey for the API. Required.
	APIKey string

	// Model name. Defaults to "gpt-4o-mini".
	Model string

	// MaxContentChars bounds the text sent per request. Defaults to 48000.
	MaxContentChars int

	Logger *slog.Logger
}

// LLMExtractor annotates instruments with an OpenAI-compatible chat model.
//
// # Description
//
// The model is asked for a JSON object (response_format json_object).
// Paragraph counts always come from the structural extractor, which is
// also used for previews so that metadata never spends model calls.
//
// # Thread Safety
//
// Safe for concurrent use.
type LLMExtractor struct {
	client     ChatCompleter
	model      string
	maxChars   int
	structural *HTMLExtractor
	logger     *slog.Logger
}

// NewLLMExtractor builds an extractor over a go-openai client.
func NewLLMExtractor(cfg LLMConfig) (*LLMExtractor, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm extractor requires an API key")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return newLLMExtractor(openai.NewClientWithConfig(clientCfg), cfg), nil
}

func newLLMExtractor(client ChatCompleter, cfg LLMConfig) *LLMExtractor {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxContentChars <= 0 {
		cfg.MaxContentChars = 48000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &LLMExtractor{
		client:     client,
		model:      cfg.Model,
		maxChars:   cfg.MaxContentChars,
		structural: NewHTMLExtractor(),
		logger:     cfg.Logger,
	}
}

// Name implements Extractor.
func (x *LLMExtractor) Name() string { return "llm" }

// Metadata implements Extractor using the structural extractor.
func (x *LLMExtractor) Metadata(ctx context.Context, inst *datatypes.LegalInstrument) (*datatypes.InstrumentMetadata, error) {
	return x.structural.Metadata(ctx, inst)
}

// llmAnnotation mirrors the JSON object the model is asked for.
type llmAnnotation struct {
	Title               string   `json:"title"`
	Description         string   `json:"description"`
	MadeDate            string   `json:"made_date"`
	ComingIntoForceDate string   `json:"coming_into_force_date"`
	GeoExtent           string   `json:"geo_extent"`
	GeoRegion           []string `json:"geo_region"`
	DutyHolders         []string `json:"duty_holders"`
	DutyTypes           []string `json:"duty_types"`
	Clauses             []struct {
		Ref      string   `json:"ref"`
		Text     string   `json:"text"`
		DutyType string   `json:"duty_type"`
		Holders  []string `json:"holders"`
	} `json:"clauses"`
}

// Extract implements Extractor.
func (x *LLMExtractor) Extract(ctx context.Context, inst *datatypes.LegalInstrument) (*datatypes.ParseAnnotation, error) {
	doc, err := x.structural.read(ctx, inst)
	if err != nil {
		return nil, err
	}

	body := doc.text
	if len(body) > x.maxChars {
		body = truncate(body, x.maxChars)
	}
	req := openai.ChatCompletionRequest{
		Model: x.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: llmSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Instrument: %s\nTitle: %s\n\n%s", inst.Name, inst.Title, body)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		Temperature:    0,
	}

	x.logger.Debug("requesting llm annotation",
		slog.String("instrument", inst.Name),
		slog.String("model", x.model))
	resp, err := x.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("model returned no choices")
	}

	var out llmAnnotation
	content := stripFences(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, fmt.Errorf("decode model output: %w", err)
	}

	ann := &datatypes.ParseAnnotation{
		Title:               firstNonEmpty(out.Title, doc.titleOr(inst.Title)),
		Description:         firstNonEmpty(out.Description, doc.description),
		MadeDate:            out.MadeDate,
		ComingIntoForceDate: out.ComingIntoForceDate,
		GeoExtent:           out.GeoExtent,
		GeoRegion:           out.GeoRegion,
		DutyHolders:         normalizeList(out.DutyHolders),
		DutyTypes:           normalizeList(out.DutyTypes),
		Paragraphs:          doc.counts(),
	}
	for _, c := range out.Clauses {
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		ann.Clauses = append(ann.Clauses, datatypes.Clause{
			Ref:      c.Ref,
			Text:     c.Text,
			DutyType: c.DutyType,
			Holders:  normalizeList(c.Holders),
		})
	}
	return ann, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func normalizeList(in []string) []string {
	set := map[string]struct{}{}
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			set[v] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
