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

// Package verify authenticates webhook deliveries. Each provider signs its
// deliveries differently; every scheme is exposed through the Verifier
// interface so handlers never inspect which one they hold.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Scheme names a verification scheme.
type Scheme string

const (
	SchemeSvix     Scheme = "svix"
	SchemeSendGrid Scheme = "sendgrid_ecdsa"
	SchemeSNS      Scheme = "sns"
	SchemeMailgun  Scheme = "mailgun_hmac"
)

// Verifier checks that a delivery came from the provider it claims to.
type Verifier interface {
	Verify(ctx context.Context, payload []byte, header http.Header) error
}

// AuthenticityError is returned for any verification failure. Deliveries
// failing verification must be rejected, never processed.
type AuthenticityError struct {
	Scheme Scheme
	Reason string
	Err    error
}

func (e *AuthenticityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s verification failed: %s: %v", e.Scheme, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s verification failed: %s", e.Scheme, e.Reason)
}

func (e *AuthenticityError) Unwrap() error { return e.Err }

func reject(scheme Scheme, reason string, err error) error {
	return &AuthenticityError{Scheme: scheme, Reason: reason, Err: err}
}

// ConfigurationError reports a missing or unusable secret or key. It is
// raised when a verifier is constructed, not per request.
type ConfigurationError struct {
	Scheme Scheme
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s verifier misconfigured: %s", e.Scheme, e.Reason)
}

// disabled accepts every delivery. It stands in for an optional scheme
// with no configured key and warns once.
type disabled struct {
	scheme Scheme
	once   sync.Once
}

// Disabled returns a verifier that accepts everything and logs a single
// warning the first time it is used.
func Disabled(scheme Scheme) Verifier {
	return &disabled{scheme: scheme}
}

func (d *disabled) Verify(context.Context, []byte, http.Header) error {
	d.once.Do(func() {
		slog.Warn("webhook verification disabled, accepting unauthenticated deliveries",
			"scheme", d.scheme,
		)
	})
	return nil
}

func firstHeader(h http.Header, names ...string) string {
	for _, n := range names {
		if v := h.Get(n); v != "" {
			return v
		}
	}
	return ""
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func nowFunc(now func() time.Time) time.Time {
	if now != nil {
		return now()
	}
	return time.Now()
}
