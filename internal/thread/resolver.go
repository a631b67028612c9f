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

package thread

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/DataCovey/nornweave-sub000/internal/models"
)

// DefaultSubjectWindow bounds subject-only matches on either side of the
// message timestamp.
const DefaultSubjectWindow = 7 * 24 * time.Hour

// Method records which evidence decided the thread.
type Method string

const (
	MethodReferences Method = "references"
	MethodInReplyTo  Method = "in_reply_to"
	MethodSubject    Method = "subject"
	MethodNew        Method = "new"
)

// Store is the subset of the persistence contract the resolver queries.
type Store interface {
	GetMessageByProviderID(ctx context.Context, inboxID, providerMessageID string) (*models.Message, error)
	GetThread(ctx context.Context, id string) (*models.Thread, error)
	FindThreadBySubject(ctx context.Context, inboxID, normalizedSubject string, from, to time.Time) (*models.Thread, error)
	CreateThread(ctx context.Context, t *models.Thread) error
}

// Evidence is what the resolver looks at for one message.
type Evidence struct {
	Subject    string
	InReplyTo  string
	References []string
	Timestamp  time.Time
	From       string
	To         []string
	CC         []string
}

// EvidenceFrom extracts threading evidence from an inbound message.
func EvidenceFrom(msg *models.InboundMessage) Evidence {
	to := []string{msg.To}
	return Evidence{
		Subject:    msg.Subject,
		InReplyTo:  msg.InReplyTo,
		References: msg.References,
		Timestamp:  msg.Timestamp,
		From:       msg.From,
		To:         to,
		CC:         msg.CC,
	}
}

// Decision is the outcome of a resolution.
type Decision struct {
	Thread  *models.Thread
	Created bool
	Method  Method
}

// Resolver assigns messages to threads. It holds no state of its own.
type Resolver struct {
	store  Store
	window time.Duration
}

// NewResolver creates a resolver. A non-positive window uses
// DefaultSubjectWindow.
func NewResolver(store Store, window time.Duration) *Resolver {
	if window <= 0 {
		window = DefaultSubjectWindow
	}
	return &Resolver{store: store, window: window}
}

// Resolve returns the thread a message belongs to, creating one when no
// header or subject evidence matches. Header evidence is not time-bounded.
func (r *Resolver) Resolve(ctx context.Context, inboxID string, ev Evidence) (*Decision, error) {
	// References are oldest-first on the wire; the most recent ancestor wins.
	for i := len(ev.References) - 1; i >= 0; i-- {
		t, err := r.threadOf(ctx, inboxID, ev.References[i])
		if err != nil {
			return nil, err
		}
		if t != nil {
			return &Decision{Thread: t, Method: MethodReferences}, nil
		}
	}

	if ev.InReplyTo != "" {
		t, err := r.threadOf(ctx, inboxID, ev.InReplyTo)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return &Decision{Thread: t, Method: MethodInReplyTo}, nil
		}
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	normalized := NormalizeSubject(ev.Subject)
	if normalized != "" {
		t, err := r.store.FindThreadBySubject(ctx, inboxID, normalized, ts.Add(-r.window), ts.Add(r.window))
		if err != nil {
			return nil, fmt.Errorf("find thread by subject: %w", err)
		}
		if t != nil {
			return &Decision{Thread: t, Method: MethodSubject}, nil
		}
	}

	participants := append([]string{ev.From}, ev.To...)
	participants = append(participants, ev.CC...)

	t := &models.Thread{
		ID:                uuid.NewString(),
		InboxID:           inboxID,
		Subject:           ev.Subject,
		NormalizedSubject: normalized,
		ParticipantHash:   ParticipantHash(participants...),
		LastMessageAt:     ts,
	}
	if from := models.BareAddress(ev.From); from != "" {
		t.Participants = []string{from}
	}
	if err := r.store.CreateThread(ctx, t); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}

	slog.Debug("thread created",
		"thread_id", t.ID,
		"inbox_id", inboxID,
		"normalized_subject", normalized,
	)

	return &Decision{Thread: t, Created: true, Method: MethodNew}, nil
}

// threadOf looks up the thread holding the message with the given id. A
// message whose thread no longer exists counts as no match.
func (r *Resolver) threadOf(ctx context.Context, inboxID, id string) (*models.Thread, error) {
	id = models.NormalizeMessageID(id)
	if id == "" {
		return nil, nil
	}
	m, err := r.store.GetMessageByProviderID(ctx, inboxID, id)
	if err != nil {
		return nil, fmt.Errorf("lookup message %s: %w", id, err)
	}
	if m == nil {
		return nil, nil
	}
	t, err := r.store.GetThread(ctx, m.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("get thread %s: %w", m.ThreadID, err)
	}
	return t, nil
}
