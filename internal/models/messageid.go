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

package models

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/emersion/go-message/mail"
)

var bracketedID = regexp.MustCompile(`<([^<>]+)>`)

// NormalizeMessageID reduces a message identifier to the bracketed
// <local@domain> form. Whitespace, quotes and repeated angle brackets are
// removed. Empty input yields an empty string. Normalising twice gives the
// same result as normalising once.
func NormalizeMessageID(id string) string {
	core := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, id)
	core = strings.Trim(core, `<>"'`)
	if core == "" {
		return ""
	}
	return "<" + core + ">"
}

// ParseMessageIDs extracts every identifier from a References or
// In-Reply-To style header, in order, normalised and de-duplicated.
func ParseMessageIDs(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var tokens []string
	if matches := bracketedID.FindAllStringSubmatch(raw, -1); len(matches) > 0 {
		for _, m := range matches {
			tokens = append(tokens, m[1])
		}
	} else {
		tokens = strings.FieldsFunc(raw, func(r rune) bool {
			return r == ',' || unicode.IsSpace(r)
		})
	}

	seen := make(map[string]bool, len(tokens))
	ids := make([]string, 0, len(tokens))
	for _, t := range tokens {
		id := NormalizeMessageID(t)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// NormalizeMessageIDs normalises and de-duplicates a list of identifiers,
// preserving order.
func NormalizeMessageIDs(ids []string) []string {
	var out []string
	seen := make(map[string]bool, len(ids))
	for _, raw := range ids {
		for _, id := range ParseMessageIDs(raw) {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// BareAddress reduces `"Name" <addr>` forms to the lower-cased address.
// Unparseable input is returned trimmed and lower-cased.
func BareAddress(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(s); err == nil {
		return strings.ToLower(addr.Address)
	}
	if i := strings.LastIndex(s, "<"); i >= 0 {
		if j := strings.Index(s[i:], ">"); j > 0 {
			return strings.ToLower(strings.TrimSpace(s[i+1 : i+j]))
		}
	}
	return strings.ToLower(strings.Trim(s, `"' `))
}

// DisplayName returns the display-name portion of an address, if any.
func DisplayName(s string) string {
	if addr, err := mail.ParseAddress(strings.TrimSpace(s)); err == nil {
		return addr.Name
	}
	return ""
}

// BareAddressList splits a comma-separated address header into bare
// addresses.
func BareAddressList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var out []string
	if list, err := mail.ParseAddressList(s); err == nil {
		for _, a := range list {
			out = append(out, strings.ToLower(a.Address))
		}
		return out
	}
	for _, part := range strings.Split(s, ",") {
		if a := BareAddress(part); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Domain returns the lower-cased domain of an address.
func Domain(addr string) string {
	addr = BareAddress(addr)
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return addr[i+1:]
	}
	return ""
}
