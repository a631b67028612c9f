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

package inbound

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DataCovey/nornweave-sub000/internal/models"
)

const multipartMessage = "From: \"Alice Example\" <Alice@Example.com>\r\n" +
	"To: support@inbox.test\r\n" +
	"Cc: Bob <bob@example.com>, carol@example.com\r\n" +
	"Subject: =?UTF-8?B?UmU6IFByaWNpbmcgw7xiZXJzaWNodA==?=\r\n" +
	"Date: Mon, 05 Jan 2026 09:00:00 +0000\r\n" +
	"Message-ID: <abc@example.com>\r\n" +
	"In-Reply-To: <parent@example.com>\r\n" +
	"References: <root@example.com> <parent@example.com>\r\n" +
	"Authentication-Results: mx.test; spf=pass smtp.mailfrom=example.com; dkim=FAIL header.d=example.com; dmarc=none\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=outer\r\n" +
	"\r\n" +
	"--outer\r\n" +
	"Content-Type: multipart/alternative; boundary=inner\r\n" +
	"\r\n" +
	"--inner\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Hello plain\r\n" +
	"--inner\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>Hello html</p>\r\n" +
	"--inner--\r\n" +
	"--outer\r\n" +
	"Content-Type: image/png\r\n" +
	"Content-Disposition: inline\r\n" +
	"Content-ID: <logo@example.com>\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"iVBORw0KGgo=\r\n" +
	"--outer\r\n" +
	"Content-Type: application/pdf; name=\"report.pdf\"\r\n" +
	"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"JVBERi0xLjQ=\r\n" +
	"--outer--\r\n"

// TestParseRFC822Multipart verifies bodies, attachments, addresses and
// threading headers are extracted from a nested multipart message.
func TestParseRFC822Multipart(t *testing.T) {
	msg, err := ParseRFC822(models.SourceIMAP, []byte(multipartMessage))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.From != "alice@example.com" || msg.FromName != "Alice Example" {
		t.Errorf("from = %q (%q)", msg.From, msg.FromName)
	}
	if msg.To != "support@inbox.test" {
		t.Errorf("to = %q", msg.To)
	}
	if len(msg.CC) != 2 || msg.CC[0] != "bob@example.com" {
		t.Errorf("cc = %v", msg.CC)
	}
	if msg.Subject != "Re: Pricing übersicht" {
		t.Errorf("subject = %q, want decoded encoded-word", msg.Subject)
	}
	if want := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC); !msg.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", msg.Timestamp, want)
	}
	if msg.MessageID != "<abc@example.com>" || msg.InReplyTo != "<parent@example.com>" {
		t.Errorf("ids = %q / %q", msg.MessageID, msg.InReplyTo)
	}
	if len(msg.References) != 2 || msg.References[1] != "<parent@example.com>" {
		t.Errorf("references = %v", msg.References)
	}
	if strings.TrimSpace(msg.Text) != "Hello plain" || !strings.Contains(msg.HTML, "Hello html") {
		t.Errorf("bodies = %q / %q", msg.Text, msg.HTML)
	}
	if msg.SPF != models.VerdictPass || msg.DKIM != models.VerdictFail || msg.DMARC != models.VerdictUnknown {
		t.Errorf("verdicts = %q %q %q", msg.SPF, msg.DKIM, msg.DMARC)
	}
	if msg.Headers.Get("message-id") != "<abc@example.com>" {
		t.Errorf("headers lookup failed: %v", msg.Headers)
	}
	if _, ok := msg.Headers["Message-ID"]; !ok {
		t.Errorf("header name case not preserved: %v", msg.Headers)
	}

	if len(msg.Attachments) != 2 {
		t.Fatalf("attachments = %d, want 2", len(msg.Attachments))
	}
	logo, report := msg.Attachments[0], msg.Attachments[1]
	if logo.Disposition != models.DispositionInline || logo.ContentID != "logo@example.com" {
		t.Errorf("inline attachment = %+v", logo)
	}
	if msg.ContentIDs["logo@example.com"] != logo.Filename {
		t.Errorf("content id map = %v", msg.ContentIDs)
	}
	if report.Filename != "report.pdf" || report.Disposition != models.DispositionAttachment {
		t.Errorf("attachment = %+v", report)
	}
	if string(report.Content) != "%PDF-1.4" || report.Size != 8 {
		t.Errorf("attachment content = %q (%d)", report.Content, report.Size)
	}
}

// TestParseRFC822MissingFields verifies absent optional headers fall back
// without fabricating values.
func TestParseRFC822MissingFields(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewRFC822(models.SourceSMTP)
	p.now = func() time.Time { return fixed }

	msg, err := p.Parse([]byte("To: a@inbox.test\r\n\r\nbody only\r\n"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.From != "" {
		t.Errorf("from = %q, want empty", msg.From)
	}
	if msg.Subject != "" {
		t.Errorf("subject = %q, want empty", msg.Subject)
	}
	if !msg.Timestamp.Equal(fixed) {
		t.Errorf("timestamp = %v, want now", msg.Timestamp)
	}
	if strings.TrimSpace(msg.Text) != "body only" {
		t.Errorf("text = %q", msg.Text)
	}
	if msg.Source != models.SourceSMTP {
		t.Errorf("source = %q", msg.Source)
	}
}

// TestParseRFC822Malformed verifies unreadable input is a MalformedPayload.
func TestParseRFC822Malformed(t *testing.T) {
	for _, raw := range []string{"", "   \r\n", " leading continuation\r\n\r\nbody"} {
		_, err := ParseRFC822(models.SourceIMAP, []byte(raw))
		if !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("ParseRFC822(%q) error = %v, want malformed payload", raw, err)
		}
	}
}

// TestParseHeaderBlock verifies continuation lines and encoded words.
func TestParseHeaderBlock(t *testing.T) {
	block := "Subject: =?ISO-8859-1?Q?Caf=E9?=\n" +
		"References: <a@x>\n" +
		"\t<b@x>\n" +
		"X-Custom: one\n" +
		"X-Custom: two\n"
	h := ParseHeaderBlock(block)

	if h.Get("Subject") != "Café" {
		t.Errorf("subject = %q", h.Get("Subject"))
	}
	if got := models.ParseMessageIDs(h.Get("References")); len(got) != 2 {
		t.Errorf("references = %v", got)
	}
	if h.Get("x-custom") != "one" {
		t.Errorf("repeated header = %q, want first", h.Get("x-custom"))
	}
}

// TestParseAuthResults verifies mechanism=verdict extraction.
func TestParseAuthResults(t *testing.T) {
	tests := []struct {
		in                string
		spf, dkim, dmarc models.Verdict
	}{
		{"mx; spf=pass; dkim=pass; dmarc=pass", models.VerdictPass, models.VerdictPass, models.VerdictPass},
		{"mx; SPF=SoftFail dkim = neutral", models.VerdictFail, models.VerdictNeutral, models.VerdictUnknown},
		{"mx; dkim=fail; dkim=pass", models.VerdictUnknown, models.VerdictFail, models.VerdictUnknown},
		{"", models.VerdictUnknown, models.VerdictUnknown, models.VerdictUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			v := ParseAuthResults(tt.in)
			if v.SPF != tt.spf || v.DKIM != tt.dkim || v.DMARC != tt.dmarc {
				t.Errorf("got %+v", v)
			}
		})
	}
}
