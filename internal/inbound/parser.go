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

// Package inbound normalises the wire formats of every delivery source into
// models.InboundMessage.
//
// Each provider gets its own Parser. Parsers never perform I/O; sources that
// deliver metadata first (Resend) mark the message ContentPending and leave
// the body to a Fetcher.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/DataCovey/nornweave-sub000/internal/models"
)

// ErrMalformedPayload is matched by every MalformedPayloadError.
var ErrMalformedPayload = errors.New("malformed payload")

// ErrIgnoredEvent is returned for provider events that are not inbound mail.
// Callers acknowledge them without processing.
var ErrIgnoredEvent = errors.New("event ignored")

// Parser converts one provider's raw delivery into an InboundMessage.
type Parser interface {
	Source() models.Source
	Parse(body []byte, header http.Header) (*models.InboundMessage, error)
}

// Fetcher completes a message whose content was deferred by the source.
type Fetcher interface {
	Fetch(ctx context.Context, msg *models.InboundMessage) error
}

// MalformedPayloadError reports input that cannot be parsed.
type MalformedPayloadError struct {
	Source models.Source
	Err    error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("%s: malformed payload: %v", e.Source, e.Err)
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

func (e *MalformedPayloadError) Is(target error) bool { return target == ErrMalformedPayload }

func malformed(source models.Source, format string, args ...any) error {
	return &MalformedPayloadError{Source: source, Err: fmt.Errorf(format, args...)}
}

// SubscriptionConfirmation is returned when an SNS topic asks the endpoint
// to confirm its subscription by visiting URL.
type SubscriptionConfirmation struct {
	TopicArn string
	URL      string
}

func (e *SubscriptionConfirmation) Error() string {
	return fmt.Sprintf("subscription confirmation requested for %s", e.TopicArn)
}

// DeferredFetchError reports that the follow-up content fetch failed.
// Status is the HTTP status of the failed call, or zero for transport
// errors.
type DeferredFetchError struct {
	Source models.Source
	Status int
	Err    error
}

func (e *DeferredFetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: deferred fetch failed with HTTP %d: %v", e.Source, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: deferred fetch failed: %v", e.Source, e.Err)
}

func (e *DeferredFetchError) Unwrap() error { return e.Err }

// Degradable reports whether the orchestrator should continue with
// metadata only. Other failures are returned so the provider retries.
func (e *DeferredFetchError) Degradable() bool {
	switch e.Status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}
