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
	"regexp"
	"strings"
)

// quoteHeaders match the attribution line a mail client writes above quoted
// history, in the languages we see most often.
var quoteHeaders = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*on\s.+\s(wrote|writes)\s*:\s*$`),
	regexp.MustCompile(`(?i)^\s*am\s.+\sschrieb.*:\s*$`),
	regexp.MustCompile(`(?i)^\s*le\s.+\sa\s+écrit\s*:\s*$`),
	regexp.MustCompile(`(?i)^\s*el\s.+\sescribió\s*:\s*$`),
	regexp.MustCompile(`(?i)^\s*il\s.+\sha\s+scritto\s*:\s*$`),
	regexp.MustCompile(`(?i)^\s*op\s.+\sschreef.*:\s*$`),
	regexp.MustCompile(`(?i)^\s*em\s.+\sescreveu\s*:\s*$`),
	regexp.MustCompile(`(?i)^\s*den\s.+\sskrev.*:\s*$`),
	regexp.MustCompile(`(?i)^\s*w\s+dniu\s.+\snapisał.*:\s*$`),
	regexp.MustCompile(`^.+(写道|寫道)\s*[:：]\s*$`),
}

// separators open a forwarded or Outlook-style quoted block.
var separators = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*-{2,}\s*(original message|ursprüngliche nachricht|message d'origine|mensaje original|messaggio originale|oorspronkelijk bericht|ursprungligt meddelande)\s*-{2,}\s*$`),
	regexp.MustCompile(`(?i)^\s*-{2,}\s*(forwarded message|weitergeleitete nachricht|message transféré)\s*-{2,}\s*$`),
	regexp.MustCompile(`^\s*_{20,}\s*$`),
}

var outlookFrom = regexp.MustCompile(`(?i)^\s*\*?(from|von|de|da|van|från)\s*:\*?\s+\S`)
var outlookMeta = regexp.MustCompile(`(?i)^\s*\*?(sent|date|gesendet|datum|envoyé|enviado|inviato|verzonden|skickat)\s*:\*?\s`)

// StripQuotes removes quoted history from a plain-text body. Everything from
// the first attribution line or separator onwards is dropped, and remaining
// lines starting with '>' are removed. If nothing would remain the input is
// returned unchanged.
func StripQuotes(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	cut := len(lines)
	for i := 0; i < len(lines); i++ {
		if isQuoteStart(lines, i) {
			cut = i
			break
		}
	}

	kept := make([]string, 0, cut)
	for _, line := range lines[:cut] {
		if strings.HasPrefix(strings.TrimLeft(line, " \t"), ">") {
			continue
		}
		kept = append(kept, line)
	}

	out := strings.TrimSpace(strings.Join(kept, "\n"))
	if out == "" {
		return strings.TrimSpace(text)
	}
	return out
}

func isQuoteStart(lines []string, i int) bool {
	line := lines[i]
	for _, re := range quoteHeaders {
		if re.MatchString(line) {
			return true
		}
	}
	// Clients wrap long attribution lines: "On Mon, ... Alice <a@x>\nwrote:".
	if i+1 < len(lines) && strings.TrimSpace(line) != "" {
		joined := strings.TrimSpace(line) + " " + strings.TrimSpace(lines[i+1])
		for _, re := range quoteHeaders {
			if re.MatchString(joined) {
				return true
			}
		}
	}
	for _, re := range separators {
		if re.MatchString(line) {
			return true
		}
	}
	// Outlook header block: From: followed closely by Sent:/Date:.
	if outlookFrom.MatchString(line) {
		for j := i + 1; j < len(lines) && j <= i+3; j++ {
			if outlookMeta.MatchString(lines[j]) {
				return true
			}
		}
	}
	return false
}
