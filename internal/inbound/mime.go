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
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/DataCovey/nornweave-sub000/internal/models"
)

// maxPartSize bounds the bytes read from any single MIME part.
const maxPartSize = 32 << 20

// RFC822 parses raw RFC 822 messages, as delivered by mailbox polling, SMTP
// and the raw modes of SendGrid and SES.
type RFC822 struct {
	source models.Source
	now    func() time.Time
}

// NewRFC822 creates a parser that stamps messages with source.
func NewRFC822(source models.Source) *RFC822 {
	if source == "" {
		source = models.SourceRFC822
	}
	return &RFC822{source: source, now: time.Now}
}

func (p *RFC822) Source() models.Source { return p.source }

func (p *RFC822) Parse(body []byte, _ http.Header) (*models.InboundMessage, error) {
	return parseRFC822(p.source, body, p.now)
}

// ParseRFC822 parses a raw message with the default clock.
func ParseRFC822(source models.Source, raw []byte) (*models.InboundMessage, error) {
	return parseRFC822(source, raw, time.Now)
}

func parseRFC822(source models.Source, raw []byte, now func() time.Time) (*models.InboundMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, malformed(source, "empty message")
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if mr == nil {
		return nil, malformed(source, "read message: %w", err)
	}
	defer mr.Close()

	msg := &models.InboundMessage{Source: source}
	if err != nil {
		msg.Warn(fmt.Sprintf("header charset: %v", err))
	}
	h := mr.Header
	msg.Headers = collectHeaders(h.Fields())

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = strings.ToLower(from[0].Address)
		msg.FromName = from[0].Name
	} else {
		msg.From = models.BareAddress(msg.Headers.Get("From"))
	}
	msg.To = firstAddress(h, "To")
	if msg.To == "" {
		msg.To = firstAddress(h, "Delivered-To")
	}
	msg.CC = addressList(h, "Cc")
	msg.BCC = addressList(h, "Bcc")

	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = DecodeHeader(h.Get("Subject"))
	}

	if date, err := h.Date(); err == nil && !date.IsZero() {
		msg.Timestamp = date
	} else {
		msg.Timestamp = now()
	}

	applyThreadingHeaders(msg, msg.Headers)

	if err := readParts(mr, msg); err != nil {
		return nil, malformed(source, "read parts: %w", err)
	}
	return msg, nil
}

// readParts walks the flattened MIME tree. The first text/plain and
// text/html inline parts become the bodies; everything else that carries a
// filename, an attachment disposition or a non-text type is an attachment.
func readParts(mr *mail.Reader, msg *models.InboundMessage) error {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			switch {
			case part != nil && message.IsUnknownCharset(err):
				msg.Warn(fmt.Sprintf("part charset: %v", err))
			case msg.Text != "" || msg.HTML != "":
				// Truncated multiparts keep whatever was read.
				msg.Warn(fmt.Sprintf("message truncated: %v", err))
				return nil
			default:
				return err
			}
		}

		data, err := io.ReadAll(io.LimitReader(part.Body, maxPartSize))
		if err != nil {
			msg.Warn(fmt.Sprintf("unreadable part skipped: %v", err))
			continue
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := ph.ContentType()
			filename := inlineFilename(ph)
			switch {
			case ct == "text/plain" && filename == "" && msg.Text == "":
				msg.Text = string(data)
			case ct == "text/html" && filename == "" && msg.HTML == "":
				msg.HTML = string(data)
			case filename != "" || !strings.HasPrefix(ct, "text/"):
				addAttachment(msg, &ph.Header, models.DispositionInline, filename, ct, data)
			}
		case *mail.AttachmentHeader:
			ct, _, _ := ph.ContentType()
			filename, _ := ph.Filename()
			disp := models.DispositionAttachment
			if d, _, _ := ph.ContentDisposition(); d == "inline" {
				disp = models.DispositionInline
			}
			addAttachment(msg, &ph.Header, disp, filename, ct, data)
		}
	}
}

func addAttachment(msg *models.InboundMessage, h *message.Header, disp models.Disposition, filename, ct string, data []byte) {
	att := models.InboundAttachment{
		Filename:    filename,
		ContentType: ct,
		Content:     data,
		Size:        int64(len(data)),
		Disposition: disp,
		ContentID:   stripContentID(h.Get("Content-Id")),
	}
	appendAttachment(msg, att)
}

// appendAttachment fills in a missing filename or content type and records
// the attachment's Content-ID mapping.
func appendAttachment(msg *models.InboundMessage, att models.InboundAttachment) {
	if att.ContentType == "" {
		att.ContentType = "application/octet-stream"
	}
	if att.Filename == "" {
		att.Filename = defaultFilename(att.ContentID, att.ContentType, len(msg.Attachments))
	}
	if att.Size == 0 {
		att.Size = int64(len(att.Content))
	}
	msg.Attachments = append(msg.Attachments, att)
	if att.ContentID != "" {
		if msg.ContentIDs == nil {
			msg.ContentIDs = make(map[string]string)
		}
		msg.ContentIDs[att.ContentID] = att.Filename
	}
}

// inlineFilename reads a filename from an inline part's disposition or
// Content-Type name parameter.
func inlineFilename(h *mail.InlineHeader) string {
	if _, params, err := h.ContentDisposition(); err == nil && params["filename"] != "" {
		return params["filename"]
	}
	if _, params, err := h.ContentType(); err == nil {
		return params["name"]
	}
	return ""
}

// defaultFilename names parts that arrived without one.
func defaultFilename(contentID, contentType string, index int) string {
	base := contentID
	if at := strings.IndexByte(base, '@'); at > 0 {
		base = base[:at]
	}
	if base == "" {
		base = fmt.Sprintf("part-%d", index+1)
	}
	if _, sub, ok := strings.Cut(contentType, "/"); ok && !strings.Contains(base, ".") {
		base += "." + strings.TrimPrefix(sub, "x-")
	}
	return base
}

func firstAddress(h mail.Header, key string) string {
	if list := addressList(h, key); len(list) > 0 {
		return list[0]
	}
	return ""
}

func addressList(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		return models.BareAddressList(DecodeHeader(h.Get(key)))
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, strings.ToLower(a.Address))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
