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

// Package ingest sequences inbox lookup, sender policy, idempotency, thread
// resolution, content refinement and persistence for one inbound message.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DataCovey/nornweave-sub000/internal/blob"
	"github.com/DataCovey/nornweave-sub000/internal/inbound"
	"github.com/DataCovey/nornweave-sub000/internal/metrics"
	"github.com/DataCovey/nornweave-sub000/internal/models"
	"github.com/DataCovey/nornweave-sub000/internal/outbound"
	"github.com/DataCovey/nornweave-sub000/internal/refine"
	"github.com/DataCovey/nornweave-sub000/internal/store"
	"github.com/DataCovey/nornweave-sub000/internal/thread"
)

const (
	// DefaultFetchTimeout bounds one two-phase content fetch.
	DefaultFetchTimeout = 15 * time.Second

	notifyTimeout = 5 * time.Second
)

// Outcome is the terminal state of one ingestion.
type Outcome string

const (
	OutcomeReceived      Outcome = "received"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeNoInbox       Outcome = "no_inbox"
	OutcomeDomainBlocked Outcome = "domain_blocked"
)

// Result describes what Ingest did.
type Result struct {
	Outcome       Outcome  `json:"status"`
	InboxID       string   `json:"inbox_id,omitempty"`
	ThreadID      string   `json:"thread_id,omitempty"`
	MessageID     string   `json:"message_id,omitempty"`
	ThreadCreated bool     `json:"thread_created,omitempty"`
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
}

// Notifier receives thread-updated events for summarization.
type Notifier interface {
	NotifyThreadUpdated(ctx context.Context, threadID string) error
}

// ErrUnknownInbox is returned by Send when the sender address has no inbox.
var ErrUnknownInbox = errors.New("ingest: no inbox for sender address")

// Config wires the orchestrator's collaborators. Store, Resolver and Refiner
// are required.
type Config struct {
	Store    store.Store
	Resolver *thread.Resolver
	Refiner  *refine.Refiner

	// Fetchers complete two-phase deliveries, keyed by source.
	Fetchers     map[models.Source]inbound.Fetcher
	FetchTimeout time.Duration

	Blobs    blob.Storage
	Notifier Notifier
	Policy   *DomainPolicy
	Sender   outbound.Sender
	Metrics  *metrics.Metrics
}

// Orchestrator runs the ingestion sequence. It is safe for concurrent use;
// the store's idempotency constraint is the only coordination between
// concurrent deliveries.
type Orchestrator struct {
	store        store.Store
	resolver     *thread.Resolver
	refiner      *refine.Refiner
	fetchers     map[models.Source]inbound.Fetcher
	fetchTimeout time.Duration
	blobs        blob.Storage
	notifier     Notifier
	policy       *DomainPolicy
	sender       outbound.Sender
	metrics      *metrics.Metrics

	wg sync.WaitGroup
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil || cfg.Resolver == nil || cfg.Refiner == nil {
		return nil, errors.New("ingest: store, resolver and refiner are required")
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Blobs == nil {
		cfg.Blobs = blob.Discard{}
	}
	return &Orchestrator{
		store:        cfg.Store,
		resolver:     cfg.Resolver,
		refiner:      cfg.Refiner,
		fetchers:     cfg.Fetchers,
		fetchTimeout: cfg.FetchTimeout,
		blobs:        cfg.Blobs,
		notifier:     cfg.Notifier,
		policy:       cfg.Policy,
		sender:       cfg.Sender,
		metrics:      cfg.Metrics,
	}, nil
}

// Wait blocks until pending summarization notifications have been sent.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Ingest processes one inbound message and returns exactly one outcome.
// Errors are infrastructure failures the caller should retry.
func (o *Orchestrator) Ingest(ctx context.Context, msg *models.InboundMessage) (*Result, error) {
	started := time.Now()
	res, err := o.ingest(ctx, msg)
	if err != nil {
		slog.Error("ingestion failed",
			"source", msg.Source,
			"message_id", msg.MessageID,
			"error", err,
		)
		return nil, err
	}
	o.metrics.ObserveOutcome(string(msg.Source), string(res.Outcome), started)
	return res, nil
}

func (o *Orchestrator) ingest(ctx context.Context, msg *models.InboundMessage) (*Result, error) {
	inbox, err := o.findInbox(ctx, msg)
	if err != nil {
		return nil, err
	}
	if inbox == nil {
		slog.Info("no inbox for recipient",
			"source", msg.Source,
			"to", msg.To,
		)
		return &Result{Outcome: OutcomeNoInbox}, nil
	}

	if domain := models.Domain(msg.From); !o.policy.Allowed(domain) {
		slog.Info("sender domain blocked",
			"inbox_id", inbox.ID,
			"from_domain", domain,
		)
		return &Result{Outcome: OutcomeDomainBlocked, InboxID: inbox.ID}, nil
	}

	if msg.MessageID != "" {
		existing, err := o.store.GetMessageByProviderID(ctx, inbox.ID, msg.MessageID)
		if err != nil {
			return nil, fmt.Errorf("check duplicate: %w", err)
		}
		if existing != nil {
			return duplicateResult(inbox.ID, existing), nil
		}
	}

	if err := o.completeContent(ctx, msg); err != nil {
		return nil, err
	}

	decision, err := o.resolver.Resolve(ctx, inbox.ID, thread.EvidenceFrom(msg))
	if err != nil {
		return nil, fmt.Errorf("resolve thread: %w", err)
	}

	refined := o.refiner.Refine(refine.Input{
		Text:         msg.Text,
		HTML:         msg.HTML,
		StrippedText: msg.StrippedText,
		StrippedHTML: msg.StrippedHTML,
		Sender:       refine.Sender{Address: msg.From, Name: msg.FromName},
	})

	stored := &models.Message{
		ID:                uuid.NewString(),
		ThreadID:          decision.Thread.ID,
		InboxID:           inbox.ID,
		Direction:         models.DirectionInbound,
		ProviderMessageID: msg.MessageID,
		Subject:           msg.Subject,
		From:              msg.From,
		To:                recipients(msg.To),
		CC:                msg.CC,
		BCC:               msg.BCC,
		InReplyTo:         msg.InReplyTo,
		References:        msg.References,
		Headers:           msg.Headers,
		Text:              msg.Text,
		HTML:              msg.HTML,
		CleanText:         refined.Text,
		CleanHTML:         refined.HTML,
		Preview:           refined.Preview,
		SPF:               msg.SPF,
		DKIM:              msg.DKIM,
		DMARC:             msg.DMARC,
		Size:              msg.Size(),
		SentAt:            msg.Timestamp,
	}

	if dup, err := o.createMessage(ctx, decision, stored); err != nil || dup != nil {
		return dup, err
	}

	res := &Result{
		Outcome:       OutcomeReceived,
		InboxID:       inbox.ID,
		ThreadID:      decision.Thread.ID,
		MessageID:     stored.ID,
		ThreadCreated: decision.Created,
		Warnings:      msg.Warnings,
	}
	res.AttachmentIDs = o.storeAttachments(ctx, msg, stored.ID)

	if err := o.touchThread(ctx, decision.Thread, stored); err != nil {
		return nil, err
	}
	o.notify(ctx, decision.Thread.ID)

	slog.Info("message ingested",
		"source", msg.Source,
		"inbox_id", inbox.ID,
		"thread_id", res.ThreadID,
		"message_id", res.MessageID,
		"thread_method", decision.Method,
		"attachments", len(res.AttachmentIDs),
		"warnings", len(res.Warnings),
	)
	return res, nil
}

// findInbox resolves the owning inbox from To, then CC, then BCC.
func (o *Orchestrator) findInbox(ctx context.Context, msg *models.InboundMessage) (*models.Inbox, error) {
	candidates := append([]string{msg.To}, msg.CC...)
	candidates = append(candidates, msg.BCC...)
	for _, addr := range candidates {
		addr = models.BareAddress(addr)
		if addr == "" {
			continue
		}
		inbox, err := o.store.GetInboxByEmail(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("lookup inbox %s: %w", addr, err)
		}
		if inbox != nil {
			return inbox, nil
		}
	}
	return nil, nil
}

// completeContent runs the two-phase fetch for pending messages under its own
// timeout. Authorization and not-found failures degrade to metadata only.
func (o *Orchestrator) completeContent(ctx context.Context, msg *models.InboundMessage) error {
	if msg.ContentState != models.ContentPending {
		return nil
	}
	fetcher, ok := o.fetchers[msg.Source]
	if !ok {
		msg.ContentState = models.ContentMetadataOnly
		msg.Warn("content fetch not configured; stored metadata only")
		slog.Warn("no fetcher for two-phase source",
			"source", msg.Source,
			"provider_ref", msg.ProviderRef,
		)
		return nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, o.fetchTimeout)
	defer cancel()

	err := fetcher.Fetch(fetchCtx, msg)
	if err == nil {
		return nil
	}

	var dfe *inbound.DeferredFetchError
	if errors.As(err, &dfe) && dfe.Degradable() {
		msg.ContentState = models.ContentMetadataOnly
		msg.Warn(fmt.Sprintf("content fetch failed (HTTP %d); stored metadata only", dfe.Status))
		o.metrics.DeferredFetchFailed(string(msg.Source))
		slog.Warn("deferred fetch degraded to metadata only",
			"source", msg.Source,
			"provider_ref", msg.ProviderRef,
			"status", dfe.Status,
			"error", err,
		)
		return nil
	}
	return fmt.Errorf("fetch content: %w", err)
}

// createMessage inserts the message. A lost idempotency race converges to
// the duplicate outcome and removes a thread created for this message,
// unless a concurrent delivery has already stored a message in it.
func (o *Orchestrator) createMessage(ctx context.Context, decision *thread.Decision, msg *models.Message) (*Result, error) {
	err := o.store.CreateMessage(ctx, msg)
	if err == nil {
		return nil, nil
	}

	if decision.Created {
		deleted, derr := o.store.DeleteThreadIfEmpty(ctx, decision.Thread.ID)
		switch {
		case derr != nil:
			slog.Error("failed to remove orphan thread",
				"thread_id", decision.Thread.ID,
				"error", derr,
			)
		case !deleted:
			slog.Debug("keeping thread joined by another message",
				"thread_id", decision.Thread.ID,
			)
		}
	}

	if !errors.Is(err, store.ErrDuplicate) {
		return nil, fmt.Errorf("create message: %w", err)
	}
	existing, lerr := o.store.GetMessageByProviderID(ctx, msg.InboxID, msg.ProviderMessageID)
	if lerr != nil {
		return nil, fmt.Errorf("load duplicate: %w", lerr)
	}
	if existing == nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	slog.Info("duplicate delivery converged",
		"inbox_id", msg.InboxID,
		"provider_message_id", msg.ProviderMessageID,
		"message_id", existing.ID,
	)
	return duplicateResult(msg.InboxID, existing), nil
}

// storeAttachments dispatches each attachment with content to the blob
// backend and records its metadata. One failure never aborts the rest.
func (o *Orchestrator) storeAttachments(ctx context.Context, msg *models.InboundMessage, messageID string) []string {
	var ids []string
	for _, att := range msg.Attachments {
		if len(att.Content) == 0 {
			slog.Debug("skipping attachment without content",
				"message_id", messageID,
				"filename", att.Filename,
			)
			continue
		}

		id := uuid.NewString()
		obj, err := o.blobs.Store(ctx, id, att.Content, blob.Metadata{
			MessageID:   messageID,
			Filename:    att.Filename,
			ContentType: att.ContentType,
		})
		if err != nil {
			o.metrics.AttachmentFailed(string(msg.Source))
			slog.Error("failed to store attachment bytes",
				"message_id", messageID,
				"filename", att.Filename,
				"error", err,
			)
			continue
		}

		attID, err := o.store.CreateAttachment(ctx, &models.Attachment{
			ID:             id,
			MessageID:      messageID,
			Filename:       att.Filename,
			ContentType:    att.ContentType,
			Disposition:    att.Disposition,
			ContentID:      att.ContentID,
			Size:           obj.Size,
			ContentHash:    obj.ContentHash,
			StorageBackend: obj.Backend,
			StorageKey:     obj.StorageKey,
		})
		if err != nil {
			o.metrics.AttachmentFailed(string(msg.Source))
			slog.Error("failed to record attachment",
				"message_id", messageID,
				"filename", att.Filename,
				"error", err,
			)
			continue
		}
		ids = append(ids, attID)
	}
	return ids
}

// touchThread bumps activity, count and preview, and adds the sender to the
// participants if new. A thread removed by a concurrent delivery that lost
// the idempotency race is recreated from the resolver's decision.
func (o *Orchestrator) touchThread(ctx context.Context, decided *models.Thread, msg *models.Message) error {
	at := msg.SentAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	touch := store.ThreadTouch{
		At:          at,
		Participant: models.BareAddress(msg.From),
		Preview:     msg.Preview,
	}

	err := o.store.TouchThread(ctx, decided.ID, touch)
	if !errors.Is(err, store.ErrNotFound) {
		if err != nil {
			return fmt.Errorf("update thread: %w", err)
		}
		return nil
	}

	cp := *decided
	cp.MessageCount = 0
	cp.Preview = ""
	if err := o.store.CreateThread(ctx, &cp); err != nil {
		// Another delivery may have recreated it first.
		slog.Warn("failed to recreate thread",
			"thread_id", decided.ID,
			"error", err,
		)
	}
	if err := o.store.TouchThread(ctx, decided.ID, touch); err != nil {
		return fmt.Errorf("recreate thread %s: %w", decided.ID, err)
	}
	return nil
}

// notify fires the summarization trigger without blocking the caller.
func (o *Orchestrator) notify(ctx context.Context, threadID string) {
	if o.notifier == nil {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		if err := o.notifier.NotifyThreadUpdated(nctx, threadID); err != nil {
			slog.Warn("summarization trigger failed",
				"thread_id", threadID,
				"error", err,
			)
		}
	}()
}

func duplicateResult(inboxID string, existing *models.Message) *Result {
	return &Result{
		Outcome:   OutcomeDuplicate,
		InboxID:   inboxID,
		ThreadID:  existing.ThreadID,
		MessageID: existing.ID,
	}
}

func recipients(to string) []string {
	if to == "" {
		return nil
	}
	return []string{to}
}
