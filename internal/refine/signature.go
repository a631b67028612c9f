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

package refine

import (
	"errors"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"
)

// ErrUnavailable tells the chain to try the next signature strategy.
var ErrUnavailable = errors.New("refine: strategy unavailable")

// SignatureStrategy removes a trailing signature block from plain text.
type SignatureStrategy interface {
	Name() string
	StripSignature(text string, sender Sender) (string, error)
}

// Sender identifies the author so the classifier can recognise their name.
type Sender struct {
	Address string
	Name    string
}

var (
	closingPhrase = regexp.MustCompile(`(?i)^\s*(best|best regards|kind regards|warm regards|regards|cheers|thanks|thank you|many thanks|thanks again|sincerely|yours sincerely|yours truly|best wishes|all the best|cordialement|bien à vous|mit freundlichen grüßen|viele grüße|beste grüße|liebe grüße|saludos|atentamente|un saludo|cordiali saluti|met vriendelijke groet|groeten|med vänliga hälsningar|hälsningar|mvh)\s*[,.!]?\s*$`)
	sentFrom      = regexp.MustCompile(`(?i)^\s*(sent from my|sent from mail for|get outlook for|sent via|envoyé de mon|von meinem .+ gesendet|enviado desde mi)\b`)
	phoneLine     = regexp.MustCompile(`(\+?\d[\d\s().-]{7,}\d)`)
	urlLine       = regexp.MustCompile(`(?i)(https?://|www\.)\S+`)
	emailLine     = regexp.MustCompile(`[\w.+-]+@[\w-]+\.[\w.-]+`)
	titleLine     = regexp.MustCompile(`(?i)\b(ceo|cto|cfo|coo|founder|director|manager|engineer|head of|vp|president|consultant|inc\.?|ltd\.?|gmbh|llc)\b`)
)

const (
	maxSignatureLines = 10
	maxSignatureWidth = 72
)

// isDelimiter reports whether a line is the conventional "-- " separator.
func isDelimiter(line string) bool {
	trimmed := strings.TrimRight(line, " \t")
	return trimmed == "--" || trimmed == "—" || trimmed == "__"
}

// FeatureClassifier scores the trailing lines of a message using features
// commonly found in signatures: the sender's name, contact details, job
// titles and closing phrases. It needs the sender to work.
type FeatureClassifier struct{}

func (FeatureClassifier) Name() string { return "classifier" }

func (FeatureClassifier) StripSignature(text string, sender Sender) (string, error) {
	tokens := nameTokens(sender)
	if len(tokens) == 0 {
		return "", ErrUnavailable
	}

	lines := strings.Split(text, "\n")
	end := lastNonEmpty(lines)
	if end < 1 {
		return text, nil
	}
	start := end - maxSignatureLines + 1
	if start < 1 {
		start = 1
	}

	for i := start; i <= end; i++ {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		if !isSignatureStart(lines[i:end+1], tokens) {
			continue
		}
		body := strings.TrimRight(strings.Join(lines[:i], "\n"), " \t\n")
		if strings.TrimSpace(body) == "" {
			continue
		}
		return body, nil
	}
	return text, nil
}

func isSignatureStart(block []string, tokens []string) bool {
	first := block[0]
	if isDelimiter(first) || sentFrom.MatchString(first) {
		return true
	}
	for _, l := range block {
		if utf8.RuneCountInString(strings.TrimSpace(l)) > maxSignatureWidth {
			return false
		}
	}
	if closingPhrase.MatchString(first) {
		return true
	}
	words := lineWords(first)
	if len(words) == 0 || len(words) > 5 {
		return false
	}
	named := 0
	for _, w := range words {
		if slices.Contains(tokens, w) {
			named++
		}
	}
	// Mostly the sender's name, not a sentence that mentions it.
	if named*2 < len(words) {
		return false
	}
	if named == len(words) && len(block) == 1 {
		return true
	}
	for _, l := range block[1:] {
		if phoneLine.MatchString(l) || urlLine.MatchString(l) || emailLine.MatchString(l) || titleLine.MatchString(l) {
			return true
		}
	}
	return false
}

// roleLocalParts are shared-mailbox words that never name a person.
var roleLocalParts = map[string]bool{
	"admin": true, "billing": true, "contact": true, "daemon": true,
	"donotreply": true, "hello": true, "help": true, "info": true,
	"jobs": true, "mail": true, "mailer": true, "marketing": true,
	"news": true, "newsletter": true, "noreply": true, "notifications": true,
	"office": true, "postmaster": true, "reply": true, "sales": true,
	"security": true, "service": true, "support": true, "team": true,
}

// nameTokens derives the words a sender's signature is likely to contain.
func nameTokens(s Sender) []string {
	var raw []string
	raw = append(raw, strings.Fields(s.Name)...)
	if at := strings.Index(s.Address, "@"); at > 0 {
		raw = append(raw, strings.FieldsFunc(s.Address[:at], func(r rune) bool {
			return r == '.' || r == '_' || r == '-' || r == '+'
		})...)
	}
	var tokens []string
	seen := map[string]bool{}
	for _, t := range raw {
		t = strings.ToLower(strings.Trim(t, `"',.`))
		if utf8.RuneCountInString(t) < 3 || seen[t] || roleLocalParts[t] {
			continue
		}
		seen[t] = true
		tokens = append(tokens, t)
	}
	return tokens
}

// lineWords returns the lower-cased words of a line without punctuation.
func lineWords(line string) []string {
	var words []string
	for _, f := range strings.Fields(line) {
		if w := strings.ToLower(strings.Trim(f, `"'.,;:!?()-`)); w != "" {
			words = append(words, w)
		}
	}
	return words
}

func lastNonEmpty(lines []string) int {
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return i
		}
	}
	return -1
}

// DelimiterScanner is the deterministic fallback: it cuts at the last "-- "
// delimiter, a "Sent from my" footer, or a closing phrase near the end.
type DelimiterScanner struct{}

func (DelimiterScanner) Name() string { return "delimiter" }

func (DelimiterScanner) StripSignature(text string, _ Sender) (string, error) {
	lines := strings.Split(text, "\n")
	end := lastNonEmpty(lines)
	if end < 1 {
		return text, nil
	}

	cut := -1
	for i := end; i >= 1; i-- {
		if isDelimiter(lines[i]) {
			cut = i
			break
		}
	}
	if cut < 0 {
		for i := end; i >= 1 && i > end-5; i-- {
			if sentFrom.MatchString(lines[i]) {
				cut = i
				break
			}
		}
	}
	if cut < 0 {
		for i := end; i >= 1 && i > end-6; i-- {
			if closingPhrase.MatchString(lines[i]) && end-i <= 4 {
				cut = i
				break
			}
		}
	}
	if cut < 0 {
		return text, nil
	}

	body := strings.TrimRight(strings.Join(lines[:cut], "\n"), " \t\n")
	if strings.TrimSpace(body) == "" {
		return text, nil
	}
	return body, nil
}
