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
	"bufio"
	"bytes"
	"mime"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/DataCovey/nornweave-sub000/internal/models"
)

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// authToken matches mechanism=verdict pairs in Authentication-Results style
// headers.
var authToken = regexp.MustCompile(`(?i)\b(spf|dkim|dmarc)\s*=\s*([a-z]+)`)

// DecodeHeader decodes RFC 2047 encoded-words. Undecodable input is
// returned unchanged.
func DecodeHeader(s string) string {
	if !strings.Contains(s, "=?") {
		return s
	}
	out, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return out
}

// Verdicts holds the authentication results extracted from a header.
type Verdicts struct {
	SPF, DKIM, DMARC models.Verdict
}

// ParseAuthResults extracts SPF, DKIM and DMARC verdicts from an
// Authentication-Results style value. The first token per mechanism wins.
func ParseAuthResults(value string) Verdicts {
	var v Verdicts
	for _, m := range authToken.FindAllStringSubmatch(value, -1) {
		verdict := models.ParseVerdict(m[2])
		switch strings.ToLower(m[1]) {
		case "spf":
			if v.SPF == models.VerdictUnknown {
				v.SPF = verdict
			}
		case "dkim":
			if v.DKIM == models.VerdictUnknown {
				v.DKIM = verdict
			}
		case "dmarc":
			if v.DMARC == models.VerdictUnknown {
				v.DMARC = verdict
			}
		}
	}
	return v
}

// apply fills verdicts the message does not have yet.
func (v Verdicts) apply(msg *models.InboundMessage) {
	if msg.SPF == models.VerdictUnknown {
		msg.SPF = v.SPF
	}
	if msg.DKIM == models.VerdictUnknown {
		msg.DKIM = v.DKIM
	}
	if msg.DMARC == models.VerdictUnknown {
		msg.DMARC = v.DMARC
	}
}

// ParseHeaderBlock parses a newline-delimited "Name: value" block. Lines
// starting with whitespace continue the previous header. Values are RFC 2047
// decoded; the first occurrence of a repeated header is kept.
func ParseHeaderBlock(block string) models.Headers {
	headers := models.Headers{}
	block = strings.TrimLeft(strings.ReplaceAll(block, "\r\n", "\n"), "\n")
	if strings.TrimSpace(block) == "" {
		return headers
	}
	if !strings.HasSuffix(block, "\n\n") {
		block = strings.TrimRight(block, "\n") + "\n\n"
	}

	h, err := textproto.ReadHeader(bufio.NewReader(strings.NewReader(block)))
	if err != nil {
		return parseHeaderLines(block)
	}
	return collectHeaders(h.Fields())
}

// collectHeaders copies header fields into a case-preserving map, keeping
// the field name as written on the wire when it is available.
func collectHeaders(fields textproto.HeaderFields) models.Headers {
	headers := models.Headers{}
	for fields.Next() {
		name := fields.Key()
		if raw, err := fields.Raw(); err == nil {
			if k, _, ok := bytes.Cut(raw, []byte(":")); ok {
				name = string(bytes.TrimSpace(k))
			}
		}
		headers.Add(name, DecodeHeader(fields.Value()))
	}
	return headers
}

// parseHeaderLines is the lenient fallback for blocks textproto rejects,
// such as ones containing a line without a colon.
func parseHeaderLines(block string) models.Headers {
	headers := models.Headers{}
	var name string
	var value strings.Builder
	flush := func() {
		if name != "" {
			headers.Add(name, DecodeHeader(strings.TrimSpace(value.String())))
		}
		name = ""
		value.Reset()
	}
	for _, line := range strings.Split(block, "\n") {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if name != "" {
				value.WriteByte(' ')
				value.WriteString(strings.TrimSpace(line))
			}
			continue
		}
		flush()
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(k)
		value.WriteString(strings.TrimSpace(v))
	}
	flush()
	return headers
}

// ParseDate parses an RFC 5322 date, returning the zero time when the value
// is empty or unparseable.
func ParseDate(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	var h mail.Header
	h.Set("Date", value)
	t, err := h.Date()
	if err != nil {
		return time.Time{}
	}
	return t
}

// applyThreadingHeaders copies identifiers and authentication results from
// headers onto msg without overwriting values already set.
func applyThreadingHeaders(msg *models.InboundMessage, headers models.Headers) {
	if msg.MessageID == "" {
		msg.MessageID = models.NormalizeMessageID(headers.Get("Message-Id"))
	}
	if msg.InReplyTo == "" {
		if ids := models.ParseMessageIDs(headers.Get("In-Reply-To")); len(ids) > 0 {
			msg.InReplyTo = ids[0]
		}
	}
	if len(msg.References) == 0 {
		msg.References = models.ParseMessageIDs(headers.Get("References"))
	}
	ParseAuthResults(headers.Get("Authentication-Results")).apply(msg)
}

// stripContentID removes the angle brackets around a Content-ID.
func stripContentID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}
