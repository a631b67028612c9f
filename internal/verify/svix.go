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
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultSvixTolerance bounds the svix-timestamp skew.
const DefaultSvixTolerance = 5 * time.Minute

// Svix verifies Svix-style signatures (used by Resend): an HMAC-SHA256 over
// "id.timestamp.payload" with a base64 secret, sent as space-separated
// "v1,<base64>" entries.
type Svix struct {
	secret []byte

	// Tolerance rejects timestamps further than this from Now. Zero
	// disables the check.
	Tolerance time.Duration
	Now       func() time.Time
}

// NewSvix parses a "whsec_"-prefixed base64 secret.
func NewSvix(secret string) (*Svix, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(secret), "whsec_")
	if raw == "" {
		return nil, &ConfigurationError{Scheme: SchemeSvix, Reason: "webhook secret is empty"}
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, &ConfigurationError{Scheme: SchemeSvix, Reason: "webhook secret is not valid base64"}
	}
	return &Svix{secret: key, Tolerance: DefaultSvixTolerance}, nil
}

func (v *Svix) Verify(_ context.Context, payload []byte, header http.Header) error {
	id := firstHeader(header, "svix-id", "webhook-id")
	ts := firstHeader(header, "svix-timestamp", "webhook-timestamp")
	sigs := firstHeader(header, "svix-signature", "webhook-signature")
	if id == "" || ts == "" || sigs == "" {
		return reject(SchemeSvix, "missing signature headers", nil)
	}

	if v.Tolerance > 0 {
		sec, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return reject(SchemeSvix, "invalid timestamp", err)
		}
		if absDuration(nowFunc(v.Now).Sub(time.Unix(sec, 0))) > v.Tolerance {
			return reject(SchemeSvix, "timestamp outside tolerance", nil)
		}
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(id + "." + ts + "."))
	mac.Write(payload)
	expected := mac.Sum(nil)

	valid := 0
	for _, entry := range strings.Fields(sigs) {
		version, value, ok := strings.Cut(entry, ",")
		if !ok || version != "v1" {
			continue
		}
		got, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			continue
		}
		valid++
		if hmac.Equal(got, expected) {
			return nil
		}
	}
	if valid == 0 {
		return reject(SchemeSvix, "malformed signature", nil)
	}
	return reject(SchemeSvix, "signature mismatch", nil)
}
