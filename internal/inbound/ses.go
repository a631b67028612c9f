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
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/DataCovey/nornweave-sub000/internal/models"
)

// snsEnvelope is the outer SNS delivery.
type snsEnvelope struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	TopicArn     string `json:"TopicArn"`
	Message      string `json:"Message"`
	Timestamp    string `json:"Timestamp"`
	SubscribeURL string `json:"SubscribeURL"`
}

// sesNotification is the SES receipt notification carried in Message.
type sesNotification struct {
	NotificationType string     `json:"notificationType"`
	Mail             sesMail    `json:"mail"`
	Receipt          sesReceipt `json:"receipt"`
	Content          string     `json:"content"`
}

type sesMail struct {
	Timestamp     string           `json:"timestamp"`
	Source        string           `json:"source"`
	MessageID     string           `json:"messageId"`
	Destination   []string         `json:"destination"`
	Headers       []sesHeader      `json:"headers"`
	CommonHeaders sesCommonHeaders `json:"commonHeaders"`
}

type sesHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type sesCommonHeaders struct {
	From      []string `json:"from"`
	To        []string `json:"to"`
	CC        []string `json:"cc"`
	BCC       []string `json:"bcc"`
	MessageID string   `json:"messageId"`
	Subject   string   `json:"subject"`
	Date      string   `json:"date"`
}

type sesVerdict struct {
	Status string `json:"status"`
}

type sesReceipt struct {
	Recipients   []string   `json:"recipients"`
	SPFVerdict   sesVerdict `json:"spfVerdict"`
	DKIMVerdict  sesVerdict `json:"dkimVerdict"`
	DMARCVerdict sesVerdict `json:"dmarcVerdict"`
	Action       struct {
		Type     string `json:"type"`
		Encoding string `json:"encoding"`
	} `json:"action"`
}

// SES parses Amazon SES receipt notifications delivered through SNS.
type SES struct {
	now func() time.Time
}

func NewSES() *SES { return &SES{now: time.Now} }

func (p *SES) Source() models.Source { return models.SourceSES }

func (p *SES) Parse(body []byte, _ http.Header) (*models.InboundMessage, error) {
	var env snsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, malformed(models.SourceSES, "decode envelope: %w", err)
	}

	switch env.Type {
	case "SubscriptionConfirmation":
		return nil, &SubscriptionConfirmation{TopicArn: env.TopicArn, URL: env.SubscribeURL}
	case "UnsubscribeConfirmation":
		return nil, ErrIgnoredEvent
	case "Notification":
	default:
		return nil, malformed(models.SourceSES, "unknown envelope type %q", env.Type)
	}

	var n sesNotification
	if err := json.Unmarshal([]byte(env.Message), &n); err != nil {
		return nil, malformed(models.SourceSES, "decode notification: %w", err)
	}
	if n.NotificationType != "Received" {
		return nil, ErrIgnoredEvent
	}

	var msg *models.InboundMessage
	if n.Content != "" {
		raw, err := sesContent(n.Content, n.Receipt.Action.Encoding)
		if err != nil {
			return nil, malformed(models.SourceSES, "decode content: %w", err)
		}
		if msg, err = parseRFC822(models.SourceSES, raw, p.now); err != nil {
			return nil, err
		}
	} else {
		msg = p.fromCommonHeaders(&n.Mail)
	}

	msg.ProviderRef = n.Mail.MessageID
	// Receipt recipients are the addresses SES accepted the mail for.
	if rcpts := bareAll(n.Receipt.Recipients); len(rcpts) > 0 {
		msg.To = rcpts[0]
		msg.AddEnvelopeRecipients(rcpts[1:]...)
	}
	msg.SPF = models.ParseVerdict(n.Receipt.SPFVerdict.Status)
	msg.DKIM = models.ParseVerdict(n.Receipt.DKIMVerdict.Status)
	msg.DMARC = models.ParseVerdict(n.Receipt.DMARCVerdict.Status)
	return msg, nil
}

// fromCommonHeaders builds a metadata-only message for notifications whose
// action did not include the raw content.
func (p *SES) fromCommonHeaders(m *sesMail) *models.InboundMessage {
	headers := models.Headers{}
	for _, h := range m.Headers {
		headers.Add(h.Name, DecodeHeader(h.Value))
	}
	ch := m.CommonHeaders

	msg := &models.InboundMessage{
		Source:       models.SourceSES,
		Headers:      headers,
		Subject:      DecodeHeader(ch.Subject),
		CC:           bareAll(ch.CC),
		BCC:          bareAll(ch.BCC),
		MessageID:    models.NormalizeMessageID(ch.MessageID),
		ContentState: models.ContentMetadataOnly,
	}
	if len(ch.From) > 0 {
		from := DecodeHeader(ch.From[0])
		msg.From = models.BareAddress(from)
		msg.FromName = models.DisplayName(from)
	}
	if to := bareAll(ch.To); len(to) > 0 {
		msg.To = to[0]
	} else if len(m.Destination) > 0 {
		msg.To = models.BareAddress(m.Destination[0])
	}

	msg.Timestamp = ParseDate(ch.Date)
	if msg.Timestamp.IsZero() {
		msg.Timestamp = parseRFC3339(m.Timestamp)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = p.now()
	}
	applyThreadingHeaders(msg, headers)
	msg.Warn("content not included in notification")
	return msg
}

// sesContent decodes the content field. SNS actions default to UTF8; the
// BASE64 encoding is used for non-ASCII mail.
func sesContent(content, encoding string) ([]byte, error) {
	if strings.EqualFold(encoding, "BASE64") {
		return base64.StdEncoding.DecodeString(content)
	}
	if encoding == "" && !strings.Contains(content, ":") {
		if raw, err := base64.StdEncoding.DecodeString(content); err == nil {
			return raw, nil
		}
	}
	return []byte(content), nil
}
