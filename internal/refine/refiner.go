// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package refine turns raw message bodies into the content downstream
// consumers read: quoted history and signatures removed, HTML reduced to
// text where needed, and a short preview. Every stage is pure and falls back
// to its input on failure.
package refine

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Input is the raw content of one message.
type Input struct {
	Text         string
	HTML         string
	StrippedText string
	StrippedHTML string
	Sender       Sender
}

// Result is the refined content.
type Result struct {
	Text    string
	HTML    string
	Preview string
}

// Config controls the refiner.
type Config struct {
	PreviewLength int
	// UseClassifier enables the feature classifier ahead of the delimiter
	// scan.
	UseClassifier bool
}

// Refiner runs the refinement pipeline.
type Refiner struct {
	previewLength int
	strategies    []SignatureStrategy
}

// NewRefiner creates a refiner from config.
func NewRefiner(cfg Config) *Refiner {
	r := &Refiner{previewLength: cfg.PreviewLength}
	if r.previewLength <= 0 {
		r.previewLength = DefaultPreviewLength
	}
	if cfg.UseClassifier {
		r.strategies = append(r.strategies, FeatureClassifier{})
	}
	r.strategies = append(r.strategies, DelimiterScanner{})
	return r
}

// NewRefinerWithStrategies creates a refiner with an explicit signature chain.
func NewRefinerWithStrategies(previewLength int, strategies ...SignatureStrategy) *Refiner {
	r := NewRefiner(Config{PreviewLength: previewLength})
	r.strategies = strategies
	return r
}

// Refine runs quote removal, signature removal, HTML quote removal and
// preview generation. It never fails.
func (r *Refiner) Refine(in Input) Result {
	text := in.StrippedText
	if strings.TrimSpace(text) == "" {
		text = stage("quotes", in.Text, StripQuotes)
	}

	htmlBody := in.StrippedHTML
	if strings.TrimSpace(htmlBody) == "" {
		htmlBody = stage("html_quotes", in.HTML, StripHTMLQuotes)
	}

	if strings.TrimSpace(text) == "" && strings.TrimSpace(htmlBody) != "" {
		text = stage("html_text", htmlBody, HTMLToText)
	}

	text = stage("signature", text, func(s string) string {
		return r.stripSignature(s, in.Sender)
	})

	return Result{
		Text:    text,
		HTML:    htmlBody,
		Preview: stage("preview", text, func(s string) string { return Preview(s, r.previewLength) }),
	}
}

// stripSignature tries each strategy in order; ErrUnavailable or any other
// error moves on to the next one.
func (r *Refiner) stripSignature(text string, sender Sender) string {
	for _, s := range r.strategies {
		out, err := s.StripSignature(text, sender)
		if err == nil {
			return out
		}
		if !errors.Is(err, ErrUnavailable) {
			slog.Warn("signature strategy failed, trying next", "strategy", s.Name(), "error", err)
		}
	}
	return text
}

// stage runs fn and returns the input unchanged if fn panics.
func stage(name, in string, fn func(string) string) (out string) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Warn("refine stage failed, using unrefined input",
				"stage", name,
				"error", fmt.Sprint(rec),
			)
			out = in
		}
	}()
	return fn(in)
}
