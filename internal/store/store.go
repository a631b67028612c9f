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

// Package store defines the persistence contract the ingestion core depends
// on, with a PostgreSQL implementation and an in-memory one.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/DataCovey/nornweave-sub000/internal/models"
)

var (
	// ErrDuplicate is returned by CreateMessage when a message with the same
	// (inbox_id, provider_message_id) already exists.
	ErrDuplicate = errors.New("store: duplicate message")

	// ErrNotFound is returned by updates that match no row.
	ErrNotFound = errors.New("store: not found")
)

// ThreadTouch describes a message added to a thread. The count is
// incremented, last activity only moves forward, the preview follows the
// newest message and the participant is appended if absent.
type ThreadTouch struct {
	At          time.Time
	Participant string
	Preview     string
}

// Store is the query/command contract used by the orchestrator and thread
// resolver. Getters return (nil, nil) when nothing matches.
type Store interface {
	GetInboxByEmail(ctx context.Context, email string) (*models.Inbox, error)
	UpsertInbox(ctx context.Context, inbox *models.Inbox) error

	GetMessageByProviderID(ctx context.Context, inboxID, providerMessageID string) (*models.Message, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	CreateMessage(ctx context.Context, msg *models.Message) error

	// FindThreadBySubject returns the most recently active thread in the
	// inbox with the given normalised subject whose last activity lies in
	// [from, to].
	FindThreadBySubject(ctx context.Context, inboxID, normalizedSubject string, from, to time.Time) (*models.Thread, error)
	CreateThread(ctx context.Context, t *models.Thread) error
	GetThread(ctx context.Context, id string) (*models.Thread, error)
	// TouchThread records one more message on the thread in a single
	// atomic update. It returns ErrNotFound when the thread is gone.
	TouchThread(ctx context.Context, id string, touch ThreadTouch) error
	// DeleteThreadIfEmpty removes the thread only while no message
	// references it and reports whether it did.
	DeleteThreadIfEmpty(ctx context.Context, id string) (bool, error)

	CreateAttachment(ctx context.Context, a *models.Attachment) (string, error)
	ListAttachments(ctx context.Context, messageID string) ([]models.Attachment, error)
}
