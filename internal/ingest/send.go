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

package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/DataCovey/nornweave-sub000/internal/models"
	"github.com/DataCovey/nornweave-sub000/internal/outbound"
	"github.com/DataCovey/nornweave-sub000/internal/refine"
	"github.com/DataCovey/nornweave-sub000/internal/thread"
)

// Send delivers email through the configured sender and records it on the
// sender's inbox.
func (o *Orchestrator) Send(ctx context.Context, email outbound.Email) (*Result, error) {
	if o.sender == nil {
		return nil, errors.New("ingest: no outbound sender configured")
	}
	inbox, err := o.store.GetInboxByEmail(ctx, models.BareAddress(email.From))
	if err != nil {
		return nil, fmt.Errorf("lookup inbox: %w", err)
	}
	if inbox == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInbox, email.From)
	}

	providerID, err := o.sender.Send(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	return o.RecordOutbound(ctx, inbox.ID, email, providerID)
}

// RecordOutbound stores a sent message, threading it with the same rules as
// inbound mail so replies from recipients land on the same thread.
func (o *Orchestrator) RecordOutbound(ctx context.Context, inboxID string, email outbound.Email, providerMessageID string) (*Result, error) {
	providerMessageID = models.NormalizeMessageID(providerMessageID)
	inReplyTo := models.NormalizeMessageID(email.InReplyTo)
	references := models.NormalizeMessageIDs(email.References)
	now := time.Now().UTC()

	decision, err := o.resolver.Resolve(ctx, inboxID, thread.Evidence{
		Subject:    email.Subject,
		InReplyTo:  inReplyTo,
		References: references,
		Timestamp:  now,
		From:       email.From,
		To:         email.To,
		CC:         email.CC,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve thread: %w", err)
	}

	refined := o.refiner.Refine(refine.Input{
		Text:   email.Text,
		HTML:   email.HTML,
		Sender: refine.Sender{Address: email.From, Name: email.FromName},
	})

	stored := &models.Message{
		ID:                uuid.NewString(),
		ThreadID:          decision.Thread.ID,
		InboxID:           inboxID,
		Direction:         models.DirectionOutbound,
		ProviderMessageID: providerMessageID,
		Subject:           email.Subject,
		From:              models.BareAddress(email.From),
		To:                bareAddresses(email.To),
		CC:                bareAddresses(email.CC),
		BCC:               bareAddresses(email.BCC),
		InReplyTo:         inReplyTo,
		References:        references,
		Text:              email.Text,
		HTML:              email.HTML,
		CleanText:         refined.Text,
		CleanHTML:         refined.HTML,
		Preview:           refined.Preview,
		Size:              len(email.Text) + len(email.HTML),
		SentAt:            now,
	}

	if dup, err := o.createMessage(ctx, decision, stored); err != nil || dup != nil {
		return dup, err
	}
	if err := o.touchThread(ctx, decision.Thread, stored); err != nil {
		return nil, err
	}
	o.notify(ctx, decision.Thread.ID)

	slog.Info("outbound message recorded",
		"inbox_id", inboxID,
		"thread_id", decision.Thread.ID,
		"message_id", stored.ID,
		"provider_message_id", providerMessageID,
	)
	return &Result{
		Outcome:       OutcomeReceived,
		InboxID:       inboxID,
		ThreadID:      decision.Thread.ID,
		MessageID:     stored.ID,
		ThreadCreated: decision.Created,
	}, nil
}

func bareAddresses(addrs []string) []string {
	var out []string
	for _, a := range addrs {
		if bare := models.BareAddress(a); bare != "" {
			out = append(out, bare)
		}
	}
	return out
}
