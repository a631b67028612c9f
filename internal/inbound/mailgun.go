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
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/DataCovey/nornweave-sub000/internal/models"
)

// Mailgun parses Mailgun's inbound route webhook (store-and-notify or
// forward), delivered as a url-encoded or multipart form.
type Mailgun struct {
	now func() time.Time
}

func NewMailgun() *Mailgun { return &Mailgun{now: time.Now} }

func (p *Mailgun) Source() models.Source { return models.SourceMailgun }

func (p *Mailgun) Parse(body []byte, header http.Header) (*models.InboundMessage, error) {
	f, err := parseForm(body, header.Get("Content-Type"))
	if err != nil {
		return nil, &MalformedPayloadError{Source: models.SourceMailgun, Err: err}
	}
	defer f.close()

	if f.get("recipient", "To") == "" && f.get("sender", "from", "From") == "" {
		return nil, malformed(models.SourceMailgun, "neither sender nor recipient present")
	}

	msg := &models.InboundMessage{
		Source:       models.SourceMailgun,
		Subject:      DecodeHeader(f.get("subject", "Subject")),
		Text:         f.raw("body-plain"),
		HTML:         f.raw("body-html"),
		StrippedText: f.raw("stripped-text"),
		StrippedHTML: f.raw("stripped-html"),
	}

	headers, err := mailgunHeaders(f.raw("message-headers"))
	if err != nil {
		return nil, malformed(models.SourceMailgun, "message-headers: %w", err)
	}
	msg.Headers = headers

	from := f.get("from", "From")
	if from == "" {
		from = f.get("sender")
	}
	msg.From = models.BareAddress(DecodeHeader(from))
	msg.FromName = DecodeHeader(models.DisplayName(from))
	// recipient may list several envelope recipients.
	if rcpts := models.BareAddressList(f.get("recipient")); len(rcpts) > 0 {
		msg.To = rcpts[0]
	} else {
		msg.To = models.BareAddress(f.get("To", "to"))
	}
	msg.CC = models.BareAddressList(firstNonEmpty(f.get("Cc", "cc"), headers.Get("Cc")))

	msg.MessageID = models.NormalizeMessageID(f.get("Message-Id", "message-id"))
	if ids := models.ParseMessageIDs(f.get("In-Reply-To")); len(ids) > 0 {
		msg.InReplyTo = ids[0]
	}
	msg.References = models.ParseMessageIDs(f.get("References"))
	msg.SPF = models.ParseVerdict(firstNonEmpty(f.get("X-Mailgun-Spf"), headers.Get("X-Mailgun-Spf")))
	msg.DKIM = models.ParseVerdict(firstNonEmpty(f.get("X-Mailgun-Dkim-Check-Result"), headers.Get("X-Mailgun-Dkim-Check-Result")))
	applyThreadingHeaders(msg, headers)

	msg.Timestamp = mailgunTimestamp(f.get("Date"), headers.Get("Date"), f.get("timestamp"))
	if msg.Timestamp.IsZero() {
		msg.Timestamp = p.now()
	}

	if err := mailgunAttachments(f, msg); err != nil {
		return nil, &MalformedPayloadError{Source: models.SourceMailgun, Err: err}
	}
	return msg, nil
}

// mailgunHeaders decodes the message-headers JSON array of [name, value]
// pairs.
func mailgunHeaders(raw string) (models.Headers, error) {
	headers := models.Headers{}
	if strings.TrimSpace(raw) == "" {
		return headers, nil
	}
	var pairs [][]string
	if err := json.Unmarshal([]byte(raw), &pairs); err != nil {
		return nil, err
	}
	for _, kv := range pairs {
		if len(kv) != 2 {
			continue
		}
		headers.Add(kv[0], DecodeHeader(kv[1]))
	}
	return headers, nil
}

// mailgunAttachments collects attachment-1..N uploads. content-id-map maps
// "<cid>" to the field name of the inline part.
func mailgunAttachments(f *form, msg *models.InboundMessage) error {
	inline := make(map[string]string)
	if raw := f.get("content-id-map"); raw != "" {
		var cids map[string]string
		if err := json.Unmarshal([]byte(raw), &cids); err != nil {
			return fmt.Errorf("content-id-map: %w", err)
		}
		for cid, field := range cids {
			inline[field] = stripContentID(cid)
		}
	}

	count, _ := strconv.Atoi(f.get("attachment-count"))
	if count == 0 {
		count = len(f.files)
	}
	for i := 1; i <= count; i++ {
		field := "attachment-" + strconv.Itoa(i)
		fh, data, err := f.file(field)
		if err != nil {
			return err
		}
		if fh == nil {
			continue
		}
		att := models.InboundAttachment{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Content:     data,
			Disposition: models.DispositionAttachment,
		}
		if cid, ok := inline[field]; ok {
			att.ContentID = cid
			att.Disposition = models.DispositionInline
		}
		appendAttachment(msg, att)
	}
	return nil
}

// mailgunTimestamp prefers the Date field, then the Date header, then the
// unix timestamp Mailgun signs.
func mailgunTimestamp(date, headerDate, unix string) time.Time {
	if t := ParseDate(firstNonEmpty(date, headerDate)); !t.IsZero() {
		return t
	}
	if sec, err := strconv.ParseInt(unix, 10, 64); err == nil && sec > 0 {
		return time.Unix(sec, 0).UTC()
	}
	return time.Time{}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
