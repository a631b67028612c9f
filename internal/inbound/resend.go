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
	"net/http"
	"strings"
	"time"

	"github.com/DataCovey/nornweave-sub000/internal/models"
)

const resendEventReceived = "email.received"

// resendEvent is the webhook envelope. The data object carries metadata
// only; bodies and attachment bytes are fetched by ResendFetcher.
type resendEvent struct {
	Type      string     `json:"type"`
	CreatedAt string     `json:"created_at"`
	Data      resendData `json:"data"`
}

type resendData struct {
	EmailID     string             `json:"email_id"`
	CreatedAt   string             `json:"created_at"`
	From        string             `json:"from"`
	To          []string           `json:"to"`
	CC          []string           `json:"cc"`
	BCC         []string           `json:"bcc"`
	MessageID   string             `json:"message_id"`
	Subject     string             `json:"subject"`
	Attachments []resendAttachment `json:"attachments"`
}

type resendAttachment struct {
	ID                 string `json:"id"`
	Filename           string `json:"filename"`
	ContentType        string `json:"content_type"`
	ContentDisposition string `json:"content_disposition"`
	ContentID          string `json:"content_id"`
	Size               int64  `json:"size"`
	DownloadURL        string `json:"download_url"`
}

// Resend parses Resend's email.received webhook. The result is marked
// ContentPending until a ResendFetcher fills in the content.
type Resend struct {
	now func() time.Time
}

func NewResend() *Resend { return &Resend{now: time.Now} }

func (p *Resend) Source() models.Source { return models.SourceResend }

func (p *Resend) Parse(body []byte, _ http.Header) (*models.InboundMessage, error) {
	var ev resendEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, malformed(models.SourceResend, "decode event: %w", err)
	}
	if ev.Type != resendEventReceived {
		return nil, ErrIgnoredEvent
	}
	d := ev.Data
	if d.EmailID == "" {
		return nil, malformed(models.SourceResend, "data.email_id is missing")
	}

	msg := &models.InboundMessage{
		Source:       models.SourceResend,
		From:         models.BareAddress(d.From),
		FromName:     DecodeHeader(models.DisplayName(d.From)),
		CC:           bareAll(d.CC),
		BCC:          bareAll(d.BCC),
		Subject:      DecodeHeader(d.Subject),
		MessageID:    models.NormalizeMessageID(d.MessageID),
		Headers:      models.Headers{},
		ContentState: models.ContentPending,
		ProviderRef:  d.EmailID,
	}
	if to := bareAll(d.To); len(to) > 0 {
		msg.To = to[0]
	}
	msg.Timestamp = parseRFC3339(firstNonEmpty(d.CreatedAt, ev.CreatedAt))
	if msg.Timestamp.IsZero() {
		msg.Timestamp = p.now()
	}

	for _, a := range d.Attachments {
		appendAttachment(msg, a.inbound())
	}
	return msg, nil
}

func (a resendAttachment) inbound() models.InboundAttachment {
	disp := models.DispositionAttachment
	if strings.EqualFold(a.ContentDisposition, "inline") {
		disp = models.DispositionInline
	}
	return models.InboundAttachment{
		Filename:    a.Filename,
		ContentType: a.ContentType,
		Size:        a.Size,
		Disposition: disp,
		ContentID:   stripContentID(a.ContentID),
		ProviderID:  a.ID,
	}
}

func bareAll(addrs []string) []string {
	var out []string
	for _, a := range addrs {
		if b := models.BareAddress(a); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func parseRFC3339(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999-07", "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
