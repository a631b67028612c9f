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
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/DataCovey/nornweave-sub000/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// testStores returns the store implementations to exercise. The Postgres
// store is included only when TEST_DATABASE_URL is set.
func testStores(t *testing.T) map[string]Store {
	t.Helper()
	stores := map[string]Store{"memory": NewMemoryStore()}

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		return stores
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	t.Cleanup(pool.Close)
	pg, err := NewPostgresStore(ctx, pool)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stores["postgres"] = pg
	return stores
}

func seedInbox(t *testing.T, s Store) *models.Inbox {
	t.Helper()
	in := &models.Inbox{Email: uuid.NewString() + "@inbox.test", Name: "Support"}
	if err := s.UpsertInbox(context.Background(), in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return in
}

// TestStore_CreateMessageDuplicate verifies the idempotency constraint.
func TestStore_CreateMessageDuplicate(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			in := seedInbox(t, s)
			th := &models.Thread{InboxID: in.ID, Subject: "hi", LastMessageAt: time.Now()}
			if err := s.CreateThread(ctx, th); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			first := &models.Message{ThreadID: th.ID, InboxID: in.ID, Direction: models.DirectionInbound, ProviderMessageID: "<m1@x>"}
			if err := s.CreateMessage(ctx, first); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			second := &models.Message{ThreadID: th.ID, InboxID: in.ID, Direction: models.DirectionInbound, ProviderMessageID: "<m1@x>"}
			if err := s.CreateMessage(ctx, second); !errors.Is(err, ErrDuplicate) {
				t.Fatalf("err = %v, want ErrDuplicate", err)
			}

			// Messages without a provider id are never duplicates.
			for i := 0; i < 2; i++ {
				m := &models.Message{ThreadID: th.ID, InboxID: in.ID, Direction: models.DirectionOutbound}
				if err := s.CreateMessage(ctx, m); err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			}

			got, err := s.GetMessageByProviderID(ctx, in.ID, "<m1@x>")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got == nil || got.ID != first.ID {
				t.Fatalf("GetMessageByProviderID = %+v, want id %s", got, first.ID)
			}
		})
	}
}

// TestStore_FindThreadBySubject verifies the window and recency ordering.
func TestStore_FindThreadBySubject(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			in := seedInbox(t, s)
			base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

			older := &models.Thread{InboxID: in.ID, NormalizedSubject: "quarterly report", LastMessageAt: base.Add(-72 * time.Hour)}
			newer := &models.Thread{InboxID: in.ID, NormalizedSubject: "quarterly report", LastMessageAt: base.Add(-24 * time.Hour)}
			stale := &models.Thread{InboxID: in.ID, NormalizedSubject: "quarterly report", LastMessageAt: base.Add(-30 * 24 * time.Hour)}
			for _, th := range []*models.Thread{older, newer, stale} {
				if err := s.CreateThread(ctx, th); err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			}

			got, err := s.FindThreadBySubject(ctx, in.ID, "quarterly report", base.Add(-7*24*time.Hour), base.Add(7*24*time.Hour))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got == nil || got.ID != newer.ID {
				t.Fatalf("FindThreadBySubject = %+v, want %s", got, newer.ID)
			}

			got, err = s.FindThreadBySubject(ctx, in.ID, "quarterly report", base.Add(-100*24*time.Hour), base.Add(-20*24*time.Hour))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got == nil || got.ID != stale.ID {
				t.Fatalf("FindThreadBySubject = %+v, want %s", got, stale.ID)
			}

			got, err = s.FindThreadBySubject(ctx, in.ID, "other", base.Add(-7*24*time.Hour), base)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != nil {
				t.Errorf("expected no thread, got %+v", got)
			}
		})
	}
}

// TestStore_TouchThread verifies a touch counts the message, only moves
// activity forward, keeps the newest preview and adds new participants once.
func TestStore_TouchThread(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			in := seedInbox(t, s)
			th := &models.Thread{InboxID: in.ID, LastMessageAt: base, Participants: []string{"a@x.test"}}
			if err := s.CreateThread(ctx, th); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			touches := []ThreadTouch{
				{At: base, Participant: "a@x.test", Preview: "first"},
				{At: base.Add(time.Hour), Participant: "b@x.test", Preview: "newest"},
				{At: base.Add(-time.Hour), Participant: "b@x.test", Preview: "late arrival"},
			}
			for _, touch := range touches {
				if err := s.TouchThread(ctx, th.ID, touch); err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			}

			got, err := s.GetThread(ctx, th.ID)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.MessageCount != 3 {
				t.Errorf("MessageCount = %d, want 3", got.MessageCount)
			}
			if !got.LastMessageAt.Equal(base.Add(time.Hour)) {
				t.Errorf("LastMessageAt = %v, want %v", got.LastMessageAt, base.Add(time.Hour))
			}
			if got.Preview != "newest" {
				t.Errorf("Preview = %q, want newest", got.Preview)
			}
			if len(got.Participants) != 2 || got.Participants[1] != "b@x.test" {
				t.Errorf("Participants = %v", got.Participants)
			}

			if err := s.TouchThread(ctx, uuid.NewString(), ThreadTouch{At: base}); !errors.Is(err, ErrNotFound) {
				t.Errorf("err = %v, want ErrNotFound", err)
			}
		})
	}
}

// TestStore_TouchThreadConcurrent verifies concurrent touches of one thread
// are all counted.
func TestStore_TouchThreadConcurrent(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			in := seedInbox(t, s)
			th := &models.Thread{InboxID: in.ID, LastMessageAt: time.Now().UTC()}
			if err := s.CreateThread(ctx, th); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			const touches = 20
			var wg sync.WaitGroup
			for i := 0; i < touches; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					touch := ThreadTouch{At: time.Now().UTC(), Participant: fmt.Sprintf("p%d@x.test", i%4)}
					if err := s.TouchThread(ctx, th.ID, touch); err != nil {
						t.Errorf("unexpected error: %v", err)
					}
				}(i)
			}
			wg.Wait()

			got, err := s.GetThread(ctx, th.ID)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.MessageCount != touches || len(got.Participants) != 4 {
				t.Errorf("count = %d participants = %v, want %d and 4", got.MessageCount, got.Participants, touches)
			}
		})
	}
}

// TestStore_DeleteThreadIfEmpty verifies a thread is deleted only while no
// message references it.
func TestStore_DeleteThreadIfEmpty(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			in := seedInbox(t, s)
			used := &models.Thread{InboxID: in.ID, LastMessageAt: time.Now().UTC()}
			empty := &models.Thread{InboxID: in.ID, LastMessageAt: time.Now().UTC()}
			for _, th := range []*models.Thread{used, empty} {
				if err := s.CreateThread(ctx, th); err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			}
			msg := &models.Message{
				ThreadID:          used.ID,
				InboxID:           in.ID,
				Direction:         models.DirectionInbound,
				ProviderMessageID: "<" + uuid.NewString() + "@x.test>",
			}
			if err := s.CreateMessage(ctx, msg); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			deleted, err := s.DeleteThreadIfEmpty(ctx, used.ID)
			if err != nil || deleted {
				t.Errorf("referenced thread: deleted = %v, err = %v", deleted, err)
			}
			if got, _ := s.GetThread(ctx, used.ID); got == nil {
				t.Error("referenced thread was removed")
			}

			deleted, err = s.DeleteThreadIfEmpty(ctx, empty.ID)
			if err != nil || !deleted {
				t.Errorf("empty thread: deleted = %v, err = %v", deleted, err)
			}
			deleted, err = s.DeleteThreadIfEmpty(ctx, empty.ID)
			if err != nil || deleted {
				t.Errorf("missing thread: deleted = %v, err = %v", deleted, err)
			}
		})
	}
}

// TestMemoryStore_ConcurrentCreate verifies exactly one concurrent insert
// of the same provider id wins.
func TestMemoryStore_ConcurrentCreate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	dups := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.CreateMessage(ctx, &models.Message{InboxID: "i1", ProviderMessageID: "<race@x>"})
			if errors.Is(err, ErrDuplicate) {
				mu.Lock()
				dups++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if dups != 19 {
		t.Errorf("duplicates = %d, want 19", dups)
	}
	if _, msgs, _ := s.Counts(); msgs != 1 {
		t.Errorf("messages = %d, want 1", msgs)
	}
}
