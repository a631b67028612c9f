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
	"strings"
	"testing"
	"unicode/utf8"
)

// TestStripQuotes verifies attribution lines, separators and '>' lines.
func TestStripQuotes(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		exclude string
	}{
		{
			name:    "english attribution",
			in:      "Reply.\n\nOn Mon, Jan 1, 2026 at 9:00 AM Alice wrote:\n> old text",
			want:    "Reply.",
			exclude: "old text",
		},
		{
			name:    "wrapped attribution",
			in:      "Sounds good.\n\nOn Mon, Jan 1, 2026 at 9:00 AM Alice Example <alice@example.com>\nwrote:\n\n> earlier",
			want:    "Sounds good.",
			exclude: "earlier",
		},
		{
			name:    "german attribution",
			in:      "Danke!\n\nAm 01.01.2026 um 09:00 schrieb Bob <bob@example.de>:\n> alt",
			want:    "Danke!",
			exclude: "alt",
		},
		{
			name:    "original message separator",
			in:      "See below.\r\n\r\n-----Original Message-----\r\nFrom: Carol\r\nold",
			want:    "See below.",
			exclude: "Carol",
		},
		{
			name:    "outlook header block",
			in:      "Approved.\n\nFrom: Dave <dave@example.com>\nSent: Monday, January 1, 2026 9:00 AM\nTo: me\nSubject: budget",
			want:    "Approved.",
			exclude: "budget",
		},
		{
			name:    "interleaved quote lines",
			in:      "> question one\nanswer one\n> question two\nanswer two",
			want:    "answer one\nanswer two",
			exclude: "question",
		},
		{
			name: "everything quoted keeps input",
			in:   "> only quoted",
			want: "> only quoted",
		},
		{
			name: "no quotes",
			in:   "Just a note.",
			want: "Just a note.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StripQuotes(tt.in)
			if got != tt.want {
				t.Errorf("StripQuotes() = %q, want %q", got, tt.want)
			}
			if tt.exclude != "" && strings.Contains(got, tt.exclude) {
				t.Errorf("result still contains %q", tt.exclude)
			}
		})
	}
}

// TestDelimiterScanner verifies the deterministic signature cut points.
func TestDelimiterScanner(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"standard delimiter", "Hello there.\n\n-- \nAlice\n+1 555 0100", "Hello there."},
		{"sent from", "On my way.\n\nSent from my iPhone", "On my way."},
		{"closing phrase", "Please review.\n\nBest regards,\nAlice Example\nAcme Inc.", "Please review."},
		{"closing too far up", "Thanks,\nline\nline\nline\nline\nline\nline", "Thanks,\nline\nline\nline\nline\nline\nline"},
		{"nothing to strip", "Just text.", "Just text."},
		{"only a signature", "-- \nAlice", "-- \nAlice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DelimiterScanner{}.StripSignature(tt.in, Sender{})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("StripSignature() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestFeatureClassifier verifies name- and contact-based detection.
func TestFeatureClassifier(t *testing.T) {
	sender := Sender{Address: "alice.example@acme.test", Name: "Alice Example"}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "name and contact block",
			in:   "The contract is attached.\n\nAlice Example\nHead of Sales, Acme Inc.\n+1 (555) 010-0100\nhttps://acme.test",
			want: "The contract is attached.",
		},
		{
			name: "closing phrase",
			in:   "Call me tomorrow.\n\nCheers,\nAlice",
			want: "Call me tomorrow.",
		},
		{
			name: "name in body sentence is kept",
			in:   "Hi,\nI spoke with Alice about the numbers yesterday and she agreed to the plan.\nLet me know.",
			want: "Hi,\nI spoke with Alice about the numbers yesterday and she agreed to the plan.\nLet me know.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FeatureClassifier{}.StripSignature(tt.in, sender)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("StripSignature() = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := (FeatureClassifier{}).StripSignature("text", Sender{}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable without a sender", err)
	}
}

// TestFeatureClassifier_KeepsBody verifies short body lines mentioning the
// sender or a role mailbox are not taken for a signature.
func TestFeatureClassifier_KeepsBody(t *testing.T) {
	tests := []struct {
		name    string
		sender  Sender
		in      string
		want    string
		wantErr error
	}{
		{
			name:    "role mailbox gives no name",
			sender:  Sender{Address: "support@vendor.test"},
			in:      "Hi,\nYour ticket has been resolved.\nContact support anytime.",
			wantErr: ErrUnavailable,
		},
		{
			name:   "role words are not name tokens",
			sender: Sender{Address: "support@vendor.test", Name: "Vendor Support"},
			in:     "Hi,\nYour ticket has been resolved.\nContact support anytime.",
			want:   "Hi,\nYour ticket has been resolved.\nContact support anytime.",
		},
		{
			name:   "short sentence naming the sender",
			sender: Sender{Address: "maria.lopez@acme.test", Name: "Maria Lopez"},
			in:     "The deploy is done.\nAsk Maria if anything breaks.",
			want:   "The deploy is done.\nAsk Maria if anything breaks.",
		},
		{
			name:   "name line without contact details",
			sender: Sender{Address: "maria.lopez@acme.test", Name: "Maria Lopez"},
			in:     "The deploy is done.\nMaria Lopez signed off.\nShipping today.",
			want:   "The deploy is done.\nMaria Lopez signed off.\nShipping today.",
		},
		{
			name:   "bare name sign-off is stripped",
			sender: Sender{Address: "maria.lopez@acme.test", Name: "Maria Lopez"},
			in:     "The deploy is done.\n\nMaria",
			want:   "The deploy is done.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FeatureClassifier{}.StripSignature(tt.in, tt.sender)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("StripSignature() = %q, want %q", got, tt.want)
			}
		})
	}
}

type failingStrategy struct{ err error }

func (f failingStrategy) Name() string { return "failing" }
func (f failingStrategy) StripSignature(string, Sender) (string, error) {
	return "", f.err
}

type panickingStrategy struct{}

func (panickingStrategy) Name() string { return "panicking" }
func (panickingStrategy) StripSignature(string, Sender) (string, error) {
	panic("boom")
}

// TestRefiner_FallbackChain verifies strategies fall through to the
// delimiter scan on error or unavailability, and a panicking stage keeps
// the unrefined input.
func TestRefiner_FallbackChain(t *testing.T) {
	in := Input{Text: "Body.\n\n-- \nsig"}

	r := NewRefinerWithStrategies(0, failingStrategy{ErrUnavailable}, failingStrategy{errors.New("model offline")}, DelimiterScanner{})
	if got := r.Refine(in).Text; got != "Body." {
		t.Errorf("Text = %q, want Body.", got)
	}

	r = NewRefinerWithStrategies(0, panickingStrategy{})
	if got := r.Refine(in).Text; got != "Body.\n\n-- \nsig" {
		t.Errorf("Text = %q, want unrefined input", got)
	}
}

// TestRefiner_Refine verifies the full pipeline.
func TestRefiner_Refine(t *testing.T) {
	r := NewRefiner(Config{PreviewLength: 40, UseClassifier: true})

	res := r.Refine(Input{
		Text:   "Reply.\n\nOn Mon, Jan 1, 2026 at 9:00 AM Alice wrote:\n> old text",
		HTML:   `<div>Reply.</div><div class="gmail_quote"><blockquote>old text</blockquote></div>`,
		Sender: Sender{Address: "bob@example.com"},
	})
	if res.Text != "Reply." {
		t.Errorf("Text = %q, want Reply.", res.Text)
	}
	if strings.Contains(res.HTML, "old text") {
		t.Errorf("HTML still contains quoted text: %q", res.HTML)
	}
	if res.Preview != "Reply." {
		t.Errorf("Preview = %q, want Reply.", res.Preview)
	}

	// Provider-stripped variants win over local quote removal.
	res = r.Refine(Input{Text: "full text\n> quoted", StrippedText: "provider stripped"})
	if res.Text != "provider stripped" {
		t.Errorf("Text = %q, want provider stripped", res.Text)
	}

	// HTML-only messages get text derived from HTML.
	res = r.Refine(Input{HTML: "<p>Hello <b>world</b></p><p>Second</p>"})
	if res.Text != "Hello world\n\nSecond" {
		t.Errorf("Text = %q, want derived text", res.Text)
	}
}

// TestStripHTMLQuotes verifies quote wrappers are removed and unrecognised
// markup passes through unchanged.
func TestStripHTMLQuotes(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		keep    string
		exclude string
	}{
		{"gmail", `<div>new</div><div class="gmail_quote">old</div>`, "new", "old"},
		{"cite blockquote", `<p>new</p><blockquote type="cite">old</blockquote>`, "new", "old"},
		{"outlook", `<p>new</p><div id="divRplyFwdMsg">From: x</div><div>old</div>`, "new", "old"},
		{"yahoo", `<div>new<div class="yahoo_quoted">old</div></div>`, "new", "old"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StripHTMLQuotes(tt.in)
			if !strings.Contains(got, tt.keep) || strings.Contains(got, tt.exclude) {
				t.Errorf("StripHTMLQuotes() = %q", got)
			}
		})
	}

	plain := `<p>No <i>quotes</i> here &amp; there</p>`
	if got := StripHTMLQuotes(plain); got != plain {
		t.Errorf("unchanged HTML was rewritten: %q", got)
	}
}

// TestPreview verifies truncation rules.
func TestPreview(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"short", "  hello\n\n world  ", 50, "hello world"},
		{"word boundary", "the quick brown fox jumps", 14, "the quick..."},
		{"boundary too early", "a verylongwordthatkeepsgoing", 12, "a verylon..."},
		{"exact fit", "abcde", 5, "abcde"},
		{"multibyte", "héllo wörld ünïcode", 15, "héllo wörld..."},
		{"budget smaller than ellipsis", "abcdef", 2, "ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Preview(tt.in, tt.max)
			if got != tt.want {
				t.Errorf("Preview(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
			}
			if n := utf8.RuneCountInString(got); n > tt.max {
				t.Errorf("Preview(%q, %d) has %d characters", tt.in, tt.max, n)
			}
		})
	}
}
