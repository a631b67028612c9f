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
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultPreviewLength is the preview budget in characters.
const DefaultPreviewLength = 200

const ellipsis = "..."

// Preview collapses whitespace and truncates text to at most max characters,
// ellipsis included. The cut lands on the last word boundary that keeps at
// least half the budget; an ellipsis is appended only when text was
// truncated.
func Preview(text string, max int) string {
	if max <= 0 {
		max = DefaultPreviewLength
	}
	collapsed := strings.Join(strings.Fields(text), " ")
	runes := []rune(collapsed)
	if len(runes) <= max {
		return collapsed
	}

	budget := max - utf8.RuneCountInString(ellipsis)
	if budget <= 0 {
		return string(runes[:max])
	}
	cut := runes[:budget]
	boundary := -1
	for i := len(cut) - 1; i >= 0; i-- {
		if unicode.IsSpace(cut[i]) {
			boundary = i
			break
		}
	}
	if boundary >= budget/2 {
		cut = cut[:boundary]
	}
	return strings.TrimRightFunc(string(cut), unicode.IsSpace) + ellipsis
}
