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

package dedup

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TestFilter verifies first-seen, replay and release semantics.
func TestFilter(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx := context.Background()
	f := NewFilter(rdb, time.Minute)
	id := uuid.NewString()

	isNew, err := f.IsNew(ctx, "resend", id)
	if err != nil || !isNew {
		t.Fatalf("first IsNew = %v, %v", isNew, err)
	}
	isNew, err = f.IsNew(ctx, "resend", id)
	if err != nil || isNew {
		t.Fatalf("replayed IsNew = %v, %v", isNew, err)
	}
	isNew, err = f.IsNew(ctx, "ses", id)
	if err != nil || !isNew {
		t.Errorf("other source IsNew = %v, %v", isNew, err)
	}

	if err := f.Forget(ctx, "resend", id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	isNew, err = f.IsNew(ctx, "resend", id)
	if err != nil || !isNew {
		t.Errorf("IsNew after Forget = %v, %v", isNew, err)
	}
	rdb.Del(ctx, key("resend", id), key("ses", id))
}

// TestFilter_Claims verifies a delivery is in flight while claimed, done
// with its ids after Complete, and claimable again after Forget.
func TestFilter_Claims(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx := context.Background()
	f := NewFilter(rdb, time.Minute)
	failed, accepted := uuid.NewString(), uuid.NewString()
	defer rdb.Del(ctx, key("resend", failed), key("resend", accepted))

	claim, err := f.Begin(ctx, "resend", failed)
	if err != nil || claim.State != StateClaimed {
		t.Fatalf("first Begin = %+v, %v", claim, err)
	}
	claim, err = f.Begin(ctx, "resend", failed)
	if err != nil || claim.State != StateInFlight {
		t.Fatalf("concurrent Begin = %+v, %v", claim, err)
	}
	if err := f.Forget(ctx, "resend", failed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	claim, err = f.Begin(ctx, "resend", failed)
	if err != nil || claim.State != StateClaimed {
		t.Errorf("Begin after Forget = %+v, %v", claim, err)
	}

	if _, err := f.Begin(ctx, "resend", accepted); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.Complete(ctx, "resend", accepted, "msg-1", "thr-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	claim, err = f.Begin(ctx, "resend", accepted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Claim{State: StateDone, MessageID: "msg-1", ThreadID: "thr-1"}
	if claim != want {
		t.Errorf("Begin after Complete = %+v, want %+v", claim, want)
	}
	if ttl := rdb.TTL(ctx, key("resend", accepted)).Val(); ttl <= DefaultPendingTTL {
		t.Errorf("done ttl = %v, want the full ttl", ttl)
	}
}

// TestParseClaim verifies stored values decode to replay states.
func TestParseClaim(t *testing.T) {
	tests := []struct {
		value string
		want  Claim
	}{
		{"pending", Claim{State: StateInFlight}},
		{"done", Claim{State: StateDone}},
		{"done:msg-1:thr-1", Claim{State: StateDone, MessageID: "msg-1", ThreadID: "thr-1"}},
		{"1", Claim{State: StateDone}},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			if got := parseClaim(tt.value); got != tt.want {
				t.Errorf("parseClaim(%q) = %+v, want %+v", tt.value, got, tt.want)
			}
		})
	}
}

// TestNewFilterDefaultTTL verifies the TTL default.
func TestNewFilterDefaultTTL(t *testing.T) {
	f := NewFilter(nil, 0)
	if f.ttl != DefaultTTL || f.pendingTTL != DefaultPendingTTL {
		t.Errorf("ttl = %v %v", f.ttl, f.pendingTTL)
	}
}
