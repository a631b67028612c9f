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

// Package thread assigns messages to conversation threads using header
// evidence first and a time-bounded subject match second.
package thread

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/DataCovey/nornweave-sub000/internal/models"
)

// replyPrefix matches one leading reply or forward marker, optionally with a
// counter such as "Re[2]:" or "AW (3):". Both ASCII and full-width colons
// are accepted.
var replyPrefix = regexp.MustCompile(`(?i)^\s*(?:` +
	`re|fwd?|fw|reply|` + // English
	`aw|wg|` + // German
	`sv|vs|vb|` + // Scandinavian, Finnish
	`antw|doorst|` + // Dutch
	`tr|ref|` + // French
	`rv|res|enc|` + // Spanish, Portuguese
	`rif|i|` + // Italian
	`odp|pd|` + // Polish
	`fs|` + // Swedish forward
	`ynt|ilt|` + // Turkish
	`atb|pers\.?|` + // Latvian
	`vá|tov|` + // Hungarian
	`отв|ответ|пересл|` + // Russian
	`σχετ|πρθ|` + // Greek
	`回复|回覆|转发|轉寄|答复` + // Chinese
	`)\s*(?:\[\d+\]|\(\d+\))?\s*[:：]\s*`)

var whitespace = regexp.MustCompile(`\s+`)

// NormalizeSubject strips every leading reply/forward prefix, then lower-cases
// and collapses whitespace.
func NormalizeSubject(subject string) string {
	s := norm.NFC.String(subject)
	for {
		loc := replyPrefix.FindStringIndex(s)
		if loc == nil || loc[1] == 0 {
			break
		}
		s = s[loc[1]:]
	}
	s = whitespace.ReplaceAllString(s, " ")
	return strings.ToLower(strings.TrimSpace(s))
}

// ParticipantHash returns an order-independent digest of the bare,
// lower-cased addresses of all participants.
func ParticipantHash(addresses ...string) string {
	seen := make(map[string]bool, len(addresses))
	var list []string
	for _, a := range addresses {
		bare := models.BareAddress(a)
		if bare == "" || seen[bare] {
			continue
		}
		seen[bare] = true
		list = append(list, bare)
	}
	sort.Strings(list)
	sum := sha256.Sum256([]byte(strings.Join(list, ",")))
	return hex.EncodeToString(sum[:])
}
