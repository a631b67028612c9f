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

// Package models defines the data structures shared across the ingestion service.
package models

import (
	"slices"
	"strings"
	"time"
)

// Source identifies where a delivery came from.
type Source string

const (
	SourceMailgun  Source = "mailgun"
	SourceResend   Source = "resend"
	SourceSendGrid Source = "sendgrid"
	SourceSES      Source = "ses"
	SourceIMAP     Source = "imap"
	SourceSMTP     Source = "smtp"
	SourceRFC822   Source = "rfc822"
)

// Verdict is an SPF, DKIM or DMARC authentication result.
type Verdict string

const (
	VerdictPass    Verdict = "PASS"
	VerdictFail    Verdict = "FAIL"
	VerdictNeutral Verdict = "NEUTRAL"
	VerdictUnknown Verdict = ""
)

// ParseVerdict maps a provider's verdict token onto a Verdict. Anything that
// is not pass, fail or neutral is unknown.
func ParseVerdict(s string) Verdict {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PASS":
		return VerdictPass
	case "FAIL", "HARDFAIL", "SOFTFAIL":
		return VerdictFail
	case "NEUTRAL":
		return VerdictNeutral
	default:
		return VerdictUnknown
	}
}

// Disposition is how an attachment is presented.
type Disposition string

const (
	DispositionAttachment Disposition = "attachment"
	DispositionInline     Disposition = "inline"
)

// ContentState tracks whether a message body has been fully resolved.
type ContentState string

const (
	// ContentComplete means the body and attachment bytes are present.
	ContentComplete ContentState = ""
	// ContentPending means a follow-up fetch is still required.
	ContentPending ContentState = "pending"
	// ContentMetadataOnly means the follow-up fetch failed or the source
	// never carried content; only headers are available.
	ContentMetadataOnly ContentState = "metadata_only"
)

// Headers is a case-preserving header mapping with case-insensitive lookup.
type Headers map[string]string

// Get returns the value of the named header, ignoring case.
func (h Headers) Get(name string) string {
	if v, ok := h[name]; ok {
		return v
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Set stores a header value, replacing an existing entry whose name differs
// only in case.
func (h Headers) Set(name, value string) {
	for k := range h {
		if k != name && strings.EqualFold(k, name) {
			delete(h, k)
		}
	}
	h[name] = value
}

// Add stores a header value unless the header is already present. Repeated
// headers keep their first occurrence.
func (h Headers) Add(name, value string) {
	if h.Get(name) != "" {
		return
	}
	h[name] = value
}

// InboundAttachment is an attachment as delivered by a source.
type InboundAttachment struct {
	Filename    string      `json:"filename"`
	ContentType string      `json:"content_type"`
	Content     []byte      `json:"-"`
	Size        int64       `json:"size"`
	Disposition Disposition `json:"disposition"`
	ContentID   string      `json:"content_id,omitempty"`
	ProviderID  string      `json:"provider_id,omitempty"`
}

// InboundMessage is the canonical form every source is normalised into.
// MessageID, InReplyTo and References always hold normalised identifiers.
type InboundMessage struct {
	Source Source `json:"source"`

	From     string   `json:"from"`
	FromName string   `json:"from_name,omitempty"`
	To       string   `json:"to"`
	CC       []string `json:"cc,omitempty"`
	BCC      []string `json:"bcc,omitempty"`
	Subject  string   `json:"subject"`

	Text         string `json:"text"`
	HTML         string `json:"html,omitempty"`
	StrippedText string `json:"stripped_text,omitempty"`
	StrippedHTML string `json:"stripped_html,omitempty"`

	Attachments []InboundAttachment `json:"attachments,omitempty"`
	ContentIDs  map[string]string   `json:"content_ids,omitempty"`
	Headers     Headers             `json:"headers,omitempty"`

	MessageID  string    `json:"message_id,omitempty"`
	InReplyTo  string    `json:"in_reply_to,omitempty"`
	References []string  `json:"references,omitempty"`
	Timestamp  time.Time `json:"timestamp"`

	SPF   Verdict `json:"spf,omitempty"`
	DKIM  Verdict `json:"dkim,omitempty"`
	DMARC Verdict `json:"dmarc,omitempty"`

	// ContentState and ProviderRef drive the two-phase fetch: ProviderRef is
	// the source's own identifier for the delivery.
	ContentState ContentState `json:"content_state,omitempty"`
	ProviderRef  string       `json:"provider_ref,omitempty"`

	Warnings []string `json:"warnings,omitempty"`
}

// Warn records a degradation note on the message.
func (m *InboundMessage) Warn(msg string) {
	m.Warnings = append(m.Warnings, msg)
}

// AddEnvelopeRecipients records delivery recipients missing from To, CC
// and BCC as BCC. An empty To takes the first one.
func (m *InboundMessage) AddEnvelopeRecipients(rcpts ...string) {
	for _, rcpt := range rcpts {
		if rcpt == "" {
			continue
		}
		if m.To == "" {
			m.To = rcpt
			continue
		}
		if rcpt == m.To || slices.Contains(m.CC, rcpt) || slices.Contains(m.BCC, rcpt) {
			continue
		}
		m.BCC = append(m.BCC, rcpt)
	}
}

// Size approximates the message size from its bodies and attachments.
func (m *InboundMessage) Size() int {
	n := len(m.Text) + len(m.HTML)
	for _, a := range m.Attachments {
		n += int(a.Size)
	}
	return n
}
