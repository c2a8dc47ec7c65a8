// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/ctrlab/copycast/services/llm"
	"github.com/ctrlab/copycast/services/predictor/datatypes"
)

// Constraints bound every synthesized variant. Lengths are in runes, not
// bytes, because the copy is predominantly Korean.
type Constraints struct {
	// MaxLength is the hard rune cap for the final text.
	MaxLength int

	// AllowedCTAs are the approved closing calls to action. A compliant
	// variant ends with one of them.
	AllowedCTAs []string

	// ForbiddenPhrases are claims legal review has banned outright.
	ForbiddenPhrases []string
}

// DefaultConstraints returns the production copy rules.
func DefaultConstraints() Constraints {
	return Constraints{
		MaxLength: 38,
		AllowedCTAs: []string{
			"만나보세요",
			"시작하세요",
			"경험해보세요",
			"확인해보세요",
			"즐겨보세요",
		},
		ForbiddenPhrases: []string{
			"100% 보장",
			"최고",
			"1위",
			"완치",
			"무조건",
		},
	}
}

// categoryTemplates back the offline synthesis path. %s is filled with a
// salient keyword pulled from the input variants.
var categoryTemplates = map[string]string{
	"beauty":  "'%s'의 장점을 담은 뷰티를 경험해보세요",
	"fashion": "'%s'로 완성하는 스타일, 만나보세요",
	"food":    "'%s'의 맛을 지금 확인해보세요",
	"game":    "'%s'와 함께 플레이를 시작하세요",
	"travel":  "'%s'로 떠나는 여행을 시작하세요",
	"finance": "'%s'로 자산 관리를 시작하세요",
	"sports":  "'%s'로 건강한 습관을 시작하세요",
}

const defaultTemplate = "'%s'의 혜택을 지금 만나보세요"

// Synthesizer produces the third variant: new copy combining the
// strengths of A and B under the copy constraints. The model path is
// preferred; when no model answer survives repair, a category template
// fills in.
type Synthesizer struct {
	client llm.Client
	cons   Constraints
	logger *slog.Logger
}

// NewSynthesizer builds a synthesizer. client may be nil, which forces
// the template path.
func NewSynthesizer(client llm.Client, cons Constraints) *Synthesizer {
	if cons.MaxLength <= 0 {
		cons = DefaultConstraints()
	}
	return &Synthesizer{
		client: client,
		cons:   cons,
		logger: slog.Default().With("component", "synthesizer"),
	}
}

type synthesisPayload struct {
	Text string `json:"text"`
}

// Synthesize returns variant C and whether the template fallback produced
// it. The returned text always satisfies the constraints.
func (s *Synthesizer) Synthesize(ctx context.Context, req datatypes.PredictRequest, reasons []string) (string, bool) {
	if s.client != nil {
		text, err := s.synthesizeWithModel(ctx, req, reasons)
		if err == nil {
			return text, false
		}
		s.logger.Warn("model synthesis failed, using category template", "error", err)
	}
	return s.Repair(s.templateText(req)), true
}

func (s *Synthesizer) synthesizeWithModel(ctx context.Context, req datatypes.PredictRequest, reasons []string) (string, error) {
	raw, err := s.client.Generate(ctx, s.buildPrompt(req, reasons), llm.GenerationParams{
		Temperature: 0.8,
		MaxTokens:   200,
	})
	if err != nil {
		return "", err
	}
	var payload synthesisPayload
	if err := llm.UnmarshalPayload(raw, &payload); err != nil {
		return "", err
	}
	text := s.Repair(payload.Text)
	if text == "" {
		return "", fmt.Errorf("model produced empty copy")
	}
	return text, nil
}

func (s *Synthesizer) buildPrompt(req datatypes.PredictRequest, reasons []string) string {
	var b strings.Builder
	b.WriteString("Write one new Korean marketing message that combines the strengths of the two below.\n\n")
	fmt.Fprintf(&b, "Category: %s\n", req.Category)
	fmt.Fprintf(&b, "Message A: %s\n", req.MarketingA)
	fmt.Fprintf(&b, "Message B: %s\n", req.MarketingB)
	if len(reasons) > 0 {
		b.WriteString("\nWhat the audience responded to:\n")
		for _, r := range reasons {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	fmt.Fprintf(&b, "\nRules:\n- At most %d characters.\n", s.cons.MaxLength)
	fmt.Fprintf(&b, "- End with one of: %s.\n", strings.Join(s.cons.AllowedCTAs, ", "))
	fmt.Fprintf(&b, "- Never use: %s.\n", strings.Join(s.cons.ForbiddenPhrases, ", "))
	b.WriteString("Respond with JSON only: {\"text\": \"<message>\"}\n")
	return b.String()
}

// Repair forces text into compliance instead of rejecting it: forbidden
// phrases are stripped, a missing closing CTA is appended with the body
// truncated to make room, and the result is cut to the rune cap. An empty
// return means no compliant text could be recovered and the caller must
// fall back.
func (s *Synthesizer) Repair(text string) string {
	text = s.stripForbidden(text)
	if text == "" {
		return ""
	}
	if s.Compliant(text) {
		return text
	}

	// Keep an existing closing CTA, otherwise adopt the first approved
	// one, and truncate the body so the CTA always survives the cap.
	cta := s.cons.AllowedCTAs[0]
	body := text
	for _, c := range s.cons.AllowedCTAs {
		if strings.HasSuffix(text, c) {
			cta = c
			body = strings.TrimSpace(strings.TrimSuffix(text, c))
			break
		}
	}
	room := s.cons.MaxLength - utf8.RuneCountInString(cta) - 1
	if room < 0 {
		room = 0
	}
	body = strings.TrimSpace(truncateRunes(body, room))
	repaired := cta
	if body != "" {
		repaired = body + " " + cta
	}
	if !s.Compliant(repaired) {
		return ""
	}
	return repaired
}

// stripForbidden collapses whitespace and removes forbidden phrases until
// neither pass changes the text. One pass is not enough: collapsing
// "100%  보장" manufactures a banned phrase the strip already ran over,
// and removing one "최고" from "최최고고" leaves another behind.
func (s *Synthesizer) stripForbidden(text string) string {
	for {
		prev := text
		text = strings.Join(strings.Fields(text), " ")
		for _, phrase := range s.cons.ForbiddenPhrases {
			text = strings.ReplaceAll(text, phrase, "")
		}
		if text == prev {
			return text
		}
	}
}

// Compliant reports whether text already satisfies every constraint.
func (s *Synthesizer) Compliant(text string) bool {
	if text == "" || utf8.RuneCountInString(text) > s.cons.MaxLength {
		return false
	}
	for _, phrase := range s.cons.ForbiddenPhrases {
		if strings.Contains(text, phrase) {
			return false
		}
	}
	return s.endsWithCTA(text)
}

func (s *Synthesizer) endsWithCTA(text string) bool {
	for _, cta := range s.cons.AllowedCTAs {
		if strings.HasSuffix(text, cta) {
			return true
		}
	}
	return false
}

// templateText picks the category template and fills it with a keyword
// lifted from the inputs.
func (s *Synthesizer) templateText(req datatypes.PredictRequest) string {
	tmpl, ok := categoryTemplates[strings.ToLower(strings.TrimSpace(req.Category))]
	if !ok {
		tmpl = defaultTemplate
	}
	return fmt.Sprintf(tmpl, salientKeyword(req))
}

// salientKeyword prefers a token both variants share, then the first
// listed interest, then the first token of variant A.
func salientKeyword(req datatypes.PredictRequest) string {
	tokensA := strings.Fields(req.MarketingA)
	seen := make(map[string]bool, len(tokensA))
	for _, t := range tokensA {
		if utf8.RuneCountInString(t) >= 2 {
			seen[t] = true
		}
	}
	for _, t := range strings.Fields(req.MarketingB) {
		if seen[t] {
			return t
		}
	}
	if interests := splitInterests(req.Interests); len(interests) > 0 {
		return interests[0]
	}
	if len(tokensA) > 0 {
		return tokensA[0]
	}
	return strings.TrimSpace(req.Category)
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return strings.TrimSpace(string(runes[:limit]))
}
