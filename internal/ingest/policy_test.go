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

import "testing"

// TestDomainPolicy verifies anchored, case-insensitive matching and that a
// blocklist match wins over the allowlist.
func TestDomainPolicy(t *testing.T) {
	tests := []struct {
		name   string
		allow  []string
		block  []string
		domain string
		want   bool
	}{
		{name: "no lists", domain: "any.test", want: true},
		{name: "blocked", block: []string{`spam\.test`}, domain: "spam.test", want: false},
		{name: "block is case-insensitive", block: []string{`spam\.test`}, domain: "SPAM.Test", want: false},
		{name: "block is anchored", block: []string{`spam\.test`}, domain: "notspam.test.example", want: true},
		{name: "block does not match subdomain", block: []string{`spam\.test`}, domain: "mail.spam.test", want: true},
		{name: "wildcard subdomain", block: []string{`(.+\.)?spam\.test`}, domain: "mail.spam.test", want: false},
		{name: "allowlisted", allow: []string{`example\.com`}, domain: "example.com", want: true},
		{name: "not allowlisted", allow: []string{`example\.com`}, domain: "other.com", want: false},
		{name: "block wins over allow", allow: []string{`.*`}, block: []string{`spam\.test`}, domain: "spam.test", want: false},
		{name: "empty domain with allowlist", allow: []string{`example\.com`}, domain: "", want: false},
		{name: "trailing dot", block: []string{`spam\.test`}, domain: "spam.test.", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewDomainPolicy(tt.allow, tt.block)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := p.Allowed(tt.domain); got != tt.want {
				t.Errorf("Allowed(%q) = %v, want %v", tt.domain, got, tt.want)
			}
		})
	}
}

// TestDomainPolicyInvalidPattern verifies bad patterns fail at construction.
func TestDomainPolicyInvalidPattern(t *testing.T) {
	if _, err := NewDomainPolicy(nil, []string{`(`}); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

// TestNilDomainPolicy verifies a nil policy allows everything.
func TestNilDomainPolicy(t *testing.T) {
	var p *DomainPolicy
	if !p.Allowed("spam.test") {
		t.Error("nil policy blocked a domain")
	}
}
