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

package verify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultMailgunTolerance bounds the age of a signed timestamp.
const DefaultMailgunTolerance = 5 * time.Minute

// mailgunTokenSource namespaces signature tokens in the TokenCache.
const mailgunTokenSource = "mailgun_token"

// TokenCache remembers single-use signature tokens.
type TokenCache interface {
	IsNew(ctx context.Context, source, id string) (bool, error)
}

// Mailgun verifies Mailgun's form signature: hex HMAC-SHA256 of
// timestamp+token keyed with the webhook signing key. The signature does
// not cover the body, so freshness and token reuse are checked as well.
type Mailgun struct {
	key []byte

	// Tolerance rejects timestamps further than this from Now. Zero
	// disables the check.
	Tolerance time.Duration
	Now       func() time.Time

	// Tokens rejects a token seen before. Nil skips the check.
	Tokens TokenCache
}

// NewMailgun creates a Mailgun verifier with DefaultMailgunTolerance.
func NewMailgun(signingKey string) (*Mailgun, error) {
	signingKey = strings.TrimSpace(signingKey)
	if signingKey == "" {
		return nil, &ConfigurationError{Scheme: SchemeMailgun, Reason: "signing key is empty"}
	}
	return &Mailgun{key: []byte(signingKey), Tolerance: DefaultMailgunTolerance}, nil
}

func (v *Mailgun) Verify(ctx context.Context, payload []byte, header http.Header) error {
	fields, err := signatureFields(payload, header.Get("Content-Type"))
	if err != nil {
		return reject(SchemeMailgun, "unreadable form", err)
	}
	ts, token, sig := fields.Get("timestamp"), fields.Get("token"), fields.Get("signature")
	if ts == "" || token == "" || sig == "" {
		return reject(SchemeMailgun, "missing signature fields", nil)
	}

	if v.Tolerance > 0 {
		sec, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return reject(SchemeMailgun, "invalid timestamp", err)
		}
		if absDuration(nowFunc(v.Now).Sub(time.Unix(sec, 0))) > v.Tolerance {
			return reject(SchemeMailgun, "timestamp outside tolerance", nil)
		}
	}

	got, err := hex.DecodeString(sig)
	if err != nil {
		return reject(SchemeMailgun, "malformed signature", err)
	}
	mac := hmac.New(sha256.New, v.key)
	mac.Write([]byte(ts + token))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return reject(SchemeMailgun, "signature mismatch", nil)
	}

	if v.Tokens != nil {
		isNew, err := v.Tokens.IsNew(ctx, mailgunTokenSource, token)
		if err != nil {
			slog.Warn("mailgun token check failed, proceeding", "error", err)
		} else if !isNew {
			return reject(SchemeMailgun, "token already used", nil)
		}
	}
	return nil
}

// signatureFields extracts the plain form values from a url-encoded or
// multipart body without buffering file parts.
func signatureFields(payload []byte, contentType string) (url.Values, error) {
	mediaType, params, _ := mime.ParseMediaType(contentType)
	if !strings.HasPrefix(mediaType, "multipart/") {
		return url.ParseQuery(string(payload))
	}

	values := url.Values{}
	mr := multipart.NewReader(bytes.NewReader(payload), params["boundary"])
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		name := part.FormName()
		if part.FileName() == "" && (name == "timestamp" || name == "token" || name == "signature") {
			var buf bytes.Buffer
			if _, err := buf.ReadFrom(part); err != nil {
				return nil, err
			}
			values.Set(name, buf.String())
		}
		part.Close()
	}
	return values, nil
}
