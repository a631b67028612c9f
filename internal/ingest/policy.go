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

package ingest

import (
	"fmt"
	"regexp"
	"strings"
)

// DomainPolicy filters senders by domain. Patterns are regular expressions
// matched case-insensitively against the whole domain.
type DomainPolicy struct {
	allow []*regexp.Regexp
	block []*regexp.Regexp
}

// NewDomainPolicy compiles the allow and block lists.
func NewDomainPolicy(allow, block []string) (*DomainPolicy, error) {
	p := &DomainPolicy{}
	var err error
	if p.allow, err = compilePatterns(allow); err != nil {
		return nil, fmt.Errorf("allowlist: %w", err)
	}
	if p.block, err = compilePatterns(block); err != nil {
		return nil, fmt.Errorf("blocklist: %w", err)
	}
	return p, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)^(?:` + p + `)$`)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Allowed reports whether mail from domain may be ingested. A blocklist
// match always wins; a configured allowlist must match.
func (p *DomainPolicy) Allowed(domain string) bool {
	if p == nil {
		return true
	}
	domain = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
	for _, re := range p.block {
		if re.MatchString(domain) {
			return false
		}
	}
	if len(p.allow) == 0 {
		return true
	}
	for _, re := range p.allow {
		if re.MatchString(domain) {
			return true
		}
	}
	return false
}
