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

package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/DataCovey/nornweave-sub000/internal/models"
	"github.com/google/uuid"
)

// MemoryStore keeps everything in process memory. It enforces the same
// idempotency constraint as the Postgres schema and is used for local
// development and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	inboxes     map[string]*models.Inbox // keyed by lower-cased email
	threads     map[string]*models.Thread
	messages    map[string]*models.Message
	byProvider  map[string]string // inbox_id + "\x00" + provider id -> message id
	attachments map[string]*models.Attachment
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		inboxes:     make(map[string]*models.Inbox),
		threads:     make(map[string]*models.Thread),
		messages:    make(map[string]*models.Message),
		byProvider:  make(map[string]string),
		attachments: make(map[string]*models.Attachment),
	}
}

func providerKey(inboxID, providerID string) string {
	return inboxID + "\x00" + providerID
}

func (s *MemoryStore) GetInboxByEmail(_ context.Context, email string) (*models.Inbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if in, ok := s.inboxes[strings.ToLower(strings.TrimSpace(email))]; ok {
		cp := *in
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) UpsertInbox(_ context.Context, inbox *models.Inbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(strings.TrimSpace(inbox.Email))
	if existing, ok := s.inboxes[key]; ok {
		existing.Name = inbox.Name
		inbox.ID = existing.ID
		inbox.CreatedAt = existing.CreatedAt
		return nil
	}
	if inbox.ID == "" {
		inbox.ID = uuid.NewString()
	}
	if inbox.CreatedAt.IsZero() {
		inbox.CreatedAt = time.Now().UTC()
	}
	cp := *inbox
	cp.Email = key
	s.inboxes[key] = &cp
	return nil
}

func (s *MemoryStore) GetMessageByProviderID(_ context.Context, inboxID, providerMessageID string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byProvider[providerKey(inboxID, providerMessageID)]
	if !ok {
		return nil, nil
	}
	cp := *s.messages[id]
	return &cp, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ProviderMessageID != "" {
		key := providerKey(msg.InboxID, msg.ProviderMessageID)
		if _, exists := s.byProvider[key]; exists {
			return ErrDuplicate
		}
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		s.byProvider[key] = msg.ID
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	cp := *msg
	s.messages[msg.ID] = &cp
	return nil
}

func (s *MemoryStore) FindThreadBySubject(_ context.Context, inboxID, normalizedSubject string, from, to time.Time) (*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *models.Thread
	for _, t := range s.threads {
		if t.InboxID != inboxID || t.NormalizedSubject != normalizedSubject {
			continue
		}
		if t.LastMessageAt.Before(from) || t.LastMessageAt.After(to) {
			continue
		}
		if best == nil || t.LastMessageAt.After(best.LastMessageAt) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	cp.Participants = slices.Clone(best.Participants)
	return &cp, nil
}

func (s *MemoryStore) CreateThread(_ context.Context, t *models.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, exists := s.threads[t.ID]; exists {
		return fmt.Errorf("thread %s already exists", t.ID)
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	cp := *t
	cp.Participants = slices.Clone(t.Participants)
	s.threads[t.ID] = &cp
	return nil
}

func (s *MemoryStore) GetThread(_ context.Context, id string) (*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	cp.Participants = slices.Clone(t.Participants)
	return &cp, nil
}

func (s *MemoryStore) TouchThread(_ context.Context, id string, touch ThreadTouch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return ErrNotFound
	}
	t.MessageCount++
	if touch.Preview != "" && !touch.At.Before(t.LastMessageAt) {
		t.Preview = touch.Preview
	}
	if touch.At.After(t.LastMessageAt) {
		t.LastMessageAt = touch.At
	}
	if touch.Participant != "" && !t.HasParticipant(touch.Participant) {
		t.Participants = append(t.Participants, touch.Participant)
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeleteThreadIfEmpty(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[id]; !ok {
		return false, nil
	}
	for _, m := range s.messages {
		if m.ThreadID == id {
			return false, nil
		}
	}
	delete(s.threads, id)
	return true, nil
}

func (s *MemoryStore) CreateAttachment(_ context.Context, a *models.Attachment) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	cp := *a
	s.attachments[a.ID] = &cp
	return a.ID, nil
}

func (s *MemoryStore) ListAttachments(_ context.Context, messageID string) ([]models.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Attachment
	for _, a := range s.attachments {
		if a.MessageID == messageID {
			out = append(out, *a)
		}
	}
	slices.SortFunc(out, func(a, b models.Attachment) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

// Counts reports how many threads, messages and attachments are stored.
func (s *MemoryStore) Counts() (threads, messages, attachments int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.threads), len(s.messages), len(s.attachments)
}
