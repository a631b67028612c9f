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

package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/DataCovey/nornweave-sub000/internal/models"
)

// Email is a message to send.
type Email struct {
	From       string
	FromName   string
	To         []string
	CC         []string
	BCC        []string
	Subject    string
	Text       string
	HTML       string
	InReplyTo  string
	References []string
}

// Sender is the send capability: it returns the provider's normalised
// Message-ID for the sent mail.
type Sender interface {
	Send(ctx context.Context, email Email) (string, error)
}

// ProviderError is a non-2xx response from the mail provider.
type ProviderError struct {
	Status int
	Body   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider returned HTTP %d: %s", e.Status, e.Body)
}

// SESConfig configures an SESSender.
type SESConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	// Endpoint overrides https://email.{region}.amazonaws.com.
	Endpoint   string
	HTTPClient *http.Client
	Now        func() time.Time
}

// SESSender sends mail with the SES v2 SendEmail API using raw MIME
// content.
type SESSender struct {
	client   *http.Client
	signer   *Signer
	endpoint string
	region   string
	now      func() time.Time
}

func NewSESSender(cfg SESConfig) (*SESSender, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("ses: region is required")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("ses: access key id and secret are required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://email.%s.amazonaws.com", cfg.Region)
	}
	return &SESSender{
		client: cfg.HTTPClient,
		signer: &Signer{
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			SessionToken:    cfg.SessionToken,
			Region:          cfg.Region,
			Service:         "ses",
			Now:             cfg.Now,
		},
		endpoint: strings.TrimRight(endpoint, "/"),
		region:   cfg.Region,
		now:      cfg.Now,
	}, nil
}

type sesSendRequest struct {
	FromEmailAddress string         `json:"FromEmailAddress"`
	Destination      sesDestination `json:"Destination"`
	Content          sesContent     `json:"Content"`
}

type sesDestination struct {
	ToAddresses  []string `json:"ToAddresses,omitempty"`
	CcAddresses  []string `json:"CcAddresses,omitempty"`
	BccAddresses []string `json:"BccAddresses,omitempty"`
}

type sesContent struct {
	Raw struct {
		Data []byte `json:"Data"`
	} `json:"Raw"`
}

// Send posts the message and returns SES's Message-ID in bracketed form.
func (s *SESSender) Send(ctx context.Context, email Email) (string, error) {
	if email.From == "" || len(email.To)+len(email.CC)+len(email.BCC) == 0 {
		return "", fmt.Errorf("ses: sender and at least one recipient are required")
	}
	raw, err := BuildMIME(email, s.now())
	if err != nil {
		return "", err
	}

	payload := sesSendRequest{
		FromEmailAddress: email.From,
		Destination: sesDestination{
			ToAddresses:  email.To,
			CcAddresses:  email.CC,
			BccAddresses: email.BCC,
		},
	}
	payload.Content.Raw.Data = raw
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/v2/email/outbound-emails", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := s.signer.Sign(req, body); err != nil {
		return "", err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &ProviderError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var out struct {
		MessageID string `json:"MessageId"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil || out.MessageID == "" {
		return "", &ProviderError{Status: resp.StatusCode, Body: "response carries no MessageId"}
	}
	return s.providerMessageID(out.MessageID), nil
}

// providerMessageID maps an SES message id to the Message-ID header SES
// stamps on the delivered mail.
func (s *SESSender) providerMessageID(id string) string {
	domain := s.region + ".amazonses.com"
	if s.region == "us-east-1" {
		domain = "email.amazonses.com"
	}
	return models.NormalizeMessageID(id + "@" + domain)
}

// BuildMIME renders email as an RFC 5322 message: multipart/alternative
// when both bodies are present, a single inline part otherwise.
func BuildMIME(email Email, date time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(date)
	h.SetSubject(email.Subject)
	h.SetAddressList("From", []*mail.Address{{Name: email.FromName, Address: email.From}})
	h.SetAddressList("To", addressList(email.To))
	if len(email.CC) > 0 {
		h.SetAddressList("Cc", addressList(email.CC))
	}
	h.SetMessageID(uuid.NewString() + "@" + domainOf(email.From))
	if email.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{bare(email.InReplyTo)})
	}
	if len(email.References) > 0 {
		refs := make([]string, 0, len(email.References))
		for _, r := range email.References {
			refs = append(refs, bare(r))
		}
		h.SetMsgIDList("References", refs)
	}

	var buf bytes.Buffer
	switch {
	case email.Text != "" && email.HTML != "":
		w, err := mail.CreateInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("create mime writer: %w", err)
		}
		for _, part := range []struct{ ct, body string }{{"text/plain", email.Text}, {"text/html", email.HTML}} {
			var ph mail.InlineHeader
			ph.SetContentType(part.ct, map[string]string{"charset": "utf-8"})
			pw, err := w.CreatePart(ph)
			if err != nil {
				return nil, fmt.Errorf("create %s part: %w", part.ct, err)
			}
			io.WriteString(pw, part.body)
			pw.Close()
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("close mime writer: %w", err)
		}
	default:
		ct, body := "text/plain", email.Text
		if email.Text == "" && email.HTML != "" {
			ct, body = "text/html", email.HTML
		}
		h.SetContentType(ct, map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("create mime writer: %w", err)
		}
		io.WriteString(w, body)
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("close mime writer: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func addressList(addrs []string) []*mail.Address {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		if parsed, err := mail.ParseAddress(a); err == nil {
			out = append(out, parsed)
			continue
		}
		out = append(out, &mail.Address{Address: a})
	}
	return out
}

func bare(id string) string {
	return strings.Trim(models.NormalizeMessageID(id), "<>")
}

func domainOf(addr string) string {
	if d := models.Domain(addr); d != "" {
		return d
	}
	return "localhost"
}
