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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-message/charset"

	"github.com/DataCovey/nornweave-sub000/internal/models"
)

// sendgridDKIM matches the verdicts in SendGrid's "{@domain : pass}" dkim
// field.
var sendgridDKIM = regexp.MustCompile(`:\s*([a-zA-Z]+)`)

// sendgridAttachmentInfo is one entry of the attachment-info field.
type sendgridAttachmentInfo struct {
	Filename  string `json:"filename"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	ContentID string `json:"content-id"`
}

// SendGrid parses SendGrid Inbound Parse posts, in either the parsed mode
// (headers blob plus separate fields) or the raw mode (full MIME in the
// email field).
type SendGrid struct {
	now func() time.Time
}

func NewSendGrid() *SendGrid { return &SendGrid{now: time.Now} }

func (p *SendGrid) Source() models.Source { return models.SourceSendGrid }

func (p *SendGrid) Parse(body []byte, header http.Header) (*models.InboundMessage, error) {
	f, err := parseForm(body, header.Get("Content-Type"))
	if err != nil {
		return nil, &MalformedPayloadError{Source: models.SourceSendGrid, Err: err}
	}
	defer f.close()

	charsets := map[string]string{}
	if raw := f.get("charsets"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &charsets); err != nil {
			return nil, malformed(models.SourceSendGrid, "charsets: %w", err)
		}
	}
	field := func(name string) string {
		return toUTF8(f.raw(name), charsets[name])
	}

	var msg *models.InboundMessage
	if raw := field("email"); raw != "" {
		msg, err = parseRFC822(models.SourceSendGrid, []byte(raw), p.now)
		if err != nil {
			return nil, err
		}
	} else {
		if f.get("headers") == "" && f.get("from") == "" && f.get("to") == "" {
			return nil, malformed(models.SourceSendGrid, "neither headers nor addresses present")
		}
		msg, err = p.parseFields(f, field)
		if err != nil {
			return nil, err
		}
	}

	if msg.To == "" {
		msg.To = sendgridEnvelopeTo(f.get("envelope"))
	}
	if spf := f.get("SPF"); spf != "" && msg.SPF == models.VerdictUnknown {
		msg.SPF = models.ParseVerdict(spf)
	}
	if dkim := f.get("dkim"); dkim != "" && msg.DKIM == models.VerdictUnknown {
		msg.DKIM = sendgridDKIMVerdict(dkim)
	}
	return msg, nil
}

func (p *SendGrid) parseFields(f *form, field func(string) string) (*models.InboundMessage, error) {
	headers := ParseHeaderBlock(field("headers"))

	msg := &models.InboundMessage{
		Source:  models.SourceSendGrid,
		Headers: headers,
		Text:    field("text"),
		HTML:    field("html"),
	}

	from := DecodeHeader(firstNonEmpty(field("from"), headers.Get("From")))
	msg.From = models.BareAddress(from)
	msg.FromName = models.DisplayName(from)
	if to := models.BareAddressList(DecodeHeader(firstNonEmpty(field("to"), headers.Get("To")))); len(to) > 0 {
		msg.To = to[0]
	}
	msg.CC = models.BareAddressList(DecodeHeader(firstNonEmpty(field("cc"), headers.Get("Cc"))))
	msg.Subject = DecodeHeader(firstNonEmpty(field("subject"), headers.Get("Subject")))
	msg.Timestamp = ParseDate(headers.Get("Date"))
	if msg.Timestamp.IsZero() {
		msg.Timestamp = p.now()
	}
	applyThreadingHeaders(msg, headers)

	if err := sendgridAttachments(f, msg); err != nil {
		return nil, &MalformedPayloadError{Source: models.SourceSendGrid, Err: err}
	}
	return msg, nil
}

// sendgridAttachments reads the attachmentN uploads described by
// attachment-info; content-ids maps a Content-ID to its attachment field.
func sendgridAttachments(f *form, msg *models.InboundMessage) error {
	info := map[string]sendgridAttachmentInfo{}
	if raw := f.get("attachment-info"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			return fmt.Errorf("attachment-info: %w", err)
		}
	}
	inline := map[string]string{}
	if raw := f.get("content-ids"); raw != "" {
		var cids map[string]string
		if err := json.Unmarshal([]byte(raw), &cids); err != nil {
			return fmt.Errorf("content-ids: %w", err)
		}
		for cid, name := range cids {
			inline[name] = stripContentID(cid)
		}
	}

	names := make([]string, 0, len(f.files))
	for name := range f.files {
		if strings.HasPrefix(name, "attachment") {
			names = append(names, name)
		}
	}
	sortAttachmentFields(names)

	for _, name := range names {
		fh, data, err := f.file(name)
		if err != nil {
			return err
		}
		meta := info[name]
		att := models.InboundAttachment{
			Filename:    firstNonEmpty(meta.Filename, meta.Name, fh.Filename),
			ContentType: firstNonEmpty(meta.Type, fh.Header.Get("Content-Type")),
			Content:     data,
			Disposition: models.DispositionAttachment,
			ContentID:   stripContentID(meta.ContentID),
		}
		if cid, ok := inline[name]; ok {
			att.ContentID = cid
		}
		if att.ContentID != "" {
			att.Disposition = models.DispositionInline
		}
		appendAttachment(msg, att)
	}
	return nil
}

// sortAttachmentFields orders attachment1, attachment2, ..., attachment10
// numerically.
func sortAttachmentFields(names []string) {
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) < len(names[j])
		}
		return names[i] < names[j]
	})
}

// sendgridEnvelopeTo reads the first recipient from the envelope JSON.
func sendgridEnvelopeTo(raw string) string {
	var env struct {
		To []string `json:"to"`
	}
	if raw == "" || json.Unmarshal([]byte(raw), &env) != nil || len(env.To) == 0 {
		return ""
	}
	return models.BareAddress(env.To[0])
}

// sendgridDKIMVerdict reduces a multi-signature dkim field to one verdict:
// any pass wins, then any fail.
func sendgridDKIMVerdict(raw string) models.Verdict {
	verdict := models.VerdictUnknown
	for _, m := range sendgridDKIM.FindAllStringSubmatch(raw, -1) {
		switch v := models.ParseVerdict(m[1]); v {
		case models.VerdictPass:
			return v
		case models.VerdictFail, models.VerdictNeutral:
			if verdict == models.VerdictUnknown || v == models.VerdictFail {
				verdict = v
			}
		}
	}
	return verdict
}

// toUTF8 converts a form value declared in cs to UTF-8. Unknown charsets
// leave the value untouched.
func toUTF8(s, cs string) string {
	cs = strings.TrimSpace(cs)
	if s == "" || cs == "" || strings.EqualFold(cs, "utf-8") || strings.EqualFold(cs, "us-ascii") {
		return s
	}
	r, err := charset.Reader(cs, strings.NewReader(s))
	if err != nil {
		return s
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return s
	}
	return string(out)
}
