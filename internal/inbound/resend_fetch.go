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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/DataCovey/nornweave-sub000/internal/models"
)

// DefaultResendBaseURL is Resend's public API endpoint.
const DefaultResendBaseURL = "https://api.resend.com"

const maxFetchBody = 40 << 20

// resendEmail is the receiving API's view of one inbound email.
type resendEmail struct {
	ID          string             `json:"id"`
	From        string             `json:"from"`
	To          []string           `json:"to"`
	CC          []string           `json:"cc"`
	Subject     string             `json:"subject"`
	Text        string             `json:"text"`
	HTML        string             `json:"html"`
	MessageID   string             `json:"message_id"`
	CreatedAt   string             `json:"created_at"`
	Headers     map[string]string  `json:"headers"`
	Attachments []resendAttachment `json:"attachments"`
}

// ResendFetcher completes Resend deliveries through the receiving API.
type ResendFetcher struct {
	api      *http.Client
	download *http.Client
	baseURL  string
}

// NewResendFetcher creates a fetcher authenticating with apiKey. Attachment
// downloads use presigned URLs and go through base without credentials. A
// nil base uses http.DefaultClient.
func NewResendFetcher(apiKey, baseURL string, base *http.Client) *ResendFetcher {
	if base == nil {
		base = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = DefaultResendBaseURL
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiKey, TokenType: "Bearer"})
	return &ResendFetcher{
		api:      oauth2.NewClient(ctx, ts),
		download: base,
		baseURL:  strings.TrimRight(baseURL, "/"),
	}
}

// Fetch fills in bodies, headers and attachment bytes. On success the
// message's ContentState is ContentComplete.
func (f *ResendFetcher) Fetch(ctx context.Context, msg *models.InboundMessage) error {
	if msg.ContentState != models.ContentPending {
		return nil
	}
	if msg.ProviderRef == "" {
		return &DeferredFetchError{Source: models.SourceResend, Err: fmt.Errorf("message has no provider reference")}
	}

	var email resendEmail
	endpoint := fmt.Sprintf("%s/emails/receiving/%s", f.baseURL, url.PathEscape(msg.ProviderRef))
	if err := f.getJSON(ctx, f.api, endpoint, &email); err != nil {
		return err
	}

	msg.Text = email.Text
	msg.HTML = email.HTML
	if msg.Headers == nil {
		msg.Headers = models.Headers{}
	}
	for k, v := range email.Headers {
		msg.Headers.Set(k, DecodeHeader(v))
	}
	if msg.From == "" {
		msg.From = models.BareAddress(email.From)
	}
	if msg.MessageID == "" {
		msg.MessageID = models.NormalizeMessageID(email.MessageID)
	}
	applyThreadingHeaders(msg, msg.Headers)
	if len(msg.Attachments) == 0 {
		for _, a := range email.Attachments {
			appendAttachment(msg, a.inbound())
		}
	}

	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		if len(att.Content) > 0 || att.ProviderID == "" {
			continue
		}
		data, err := f.attachment(ctx, msg.ProviderRef, att.ProviderID)
		if err != nil {
			// One missing attachment does not void the body.
			slog.Warn("resend attachment fetch failed",
				"email_id", msg.ProviderRef,
				"attachment_id", att.ProviderID,
				"error", err,
			)
			msg.Warn(fmt.Sprintf("attachment %s unavailable", att.Filename))
			continue
		}
		att.Content = data
		att.Size = int64(len(data))
	}

	msg.ContentState = models.ContentComplete
	return nil
}

func (f *ResendFetcher) attachment(ctx context.Context, emailID, attachmentID string) ([]byte, error) {
	var meta resendAttachment
	endpoint := fmt.Sprintf("%s/emails/receiving/%s/attachments/%s",
		f.baseURL, url.PathEscape(emailID), url.PathEscape(attachmentID))
	if err := f.getJSON(ctx, f.api, endpoint, &meta); err != nil {
		return nil, err
	}
	if meta.DownloadURL == "" {
		return nil, &DeferredFetchError{Source: models.SourceResend, Err: fmt.Errorf("attachment %s has no download_url", attachmentID)}
	}
	return f.get(ctx, f.download, meta.DownloadURL)
}

func (f *ResendFetcher) getJSON(ctx context.Context, client *http.Client, endpoint string, v any) error {
	body, err := f.get(ctx, client, endpoint)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &DeferredFetchError{Source: models.SourceResend, Err: fmt.Errorf("decode %s: %w", endpoint, err)}
	}
	return nil
}

func (f *ResendFetcher) get(ctx context.Context, client *http.Client, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &DeferredFetchError{Source: models.SourceResend, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, &DeferredFetchError{Source: models.SourceResend, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &DeferredFetchError{
			Source: models.SourceResend,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("GET %s: %s", req.URL.Path, strings.TrimSpace(string(snippet))),
		}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return nil, &DeferredFetchError{Source: models.SourceResend, Err: fmt.Errorf("read body: %w", err)}
	}
	return body, nil
}
