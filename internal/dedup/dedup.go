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

// Package dedup guards against provider delivery replays using Redis SETNX
// keys with a TTL. It complements the store's idempotency key: a replayed
// webhook is acknowledged before any parsing or fetching happens.
//
// A delivery id moves through two states. Begin claims it as pending with a
// short TTL, so a crash mid-ingest frees it for the provider's next retry;
// Complete marks it done for the full TTL once the delivery was accepted.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL covers the retry horizon of the supported providers.
	DefaultTTL = 72 * time.Hour

	// DefaultPendingTTL bounds how long an unfinished claim blocks retries.
	// It must outlast the webhook server's request timeout.
	DefaultPendingTTL = 2 * time.Minute

	keyPrefix    = "nornweave:delivery:"
	pendingValue = "pending"
	donePrefix   = "done"
)

// State is the replay state of one delivery id.
type State int

const (
	// StateClaimed means the caller now owns the delivery and must call
	// Complete or Forget.
	StateClaimed State = iota
	// StateInFlight means another request holds the delivery.
	StateInFlight
	// StateDone means the delivery was already accepted.
	StateDone
)

// Claim is the result of Begin. MessageID and ThreadID are set for done
// deliveries that produced a message.
type Claim struct {
	State     State
	MessageID string
	ThreadID  string
}

// Filter remembers delivery ids for a bounded time.
type Filter struct {
	rdb        redis.Cmdable
	ttl        time.Duration
	pendingTTL time.Duration
}

// NewFilter creates a filter. A non-positive ttl uses DefaultTTL.
func NewFilter(rdb redis.Cmdable, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{rdb: rdb, ttl: ttl, pendingTTL: DefaultPendingTTL}
}

func key(source, deliveryID string) string {
	return keyPrefix + source + ":" + deliveryID
}

// IsNew reports whether the id has not been seen, marking it seen
// atomically. It suits single-use values such as signature tokens.
func (f *Filter) IsNew(ctx context.Context, source, deliveryID string) (bool, error) {
	set, err := f.rdb.SetNX(ctx, key(source, deliveryID), donePrefix, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

// Begin claims a delivery id, or reports who already holds it.
func (f *Filter) Begin(ctx context.Context, source, deliveryID string) (Claim, error) {
	k := key(source, deliveryID)
	set, err := f.rdb.SetNX(ctx, k, pendingValue, f.pendingTTL).Result()
	if err != nil {
		return Claim{}, fmt.Errorf("dedup SETNX: %w", err)
	}
	if set {
		return Claim{State: StateClaimed}, nil
	}

	v, err := f.rdb.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between the two calls; let the provider retry.
		return Claim{State: StateInFlight}, nil
	}
	if err != nil {
		return Claim{}, fmt.Errorf("dedup GET: %w", err)
	}
	return parseClaim(v), nil
}

// Complete marks a claimed delivery as accepted for the full TTL.
func (f *Filter) Complete(ctx context.Context, source, deliveryID, messageID, threadID string) error {
	v := donePrefix
	if messageID != "" {
		v += ":" + messageID + ":" + threadID
	}
	if err := f.rdb.Set(ctx, key(source, deliveryID), v, f.ttl).Err(); err != nil {
		return fmt.Errorf("dedup SET: %w", err)
	}
	return nil
}

// Forget releases a delivery id so a provider retry is processed again. It
// is called when processing fails after Begin claimed the id.
func (f *Filter) Forget(ctx context.Context, source, deliveryID string) error {
	if err := f.rdb.Del(ctx, key(source, deliveryID)).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}

func parseClaim(v string) Claim {
	if v == pendingValue {
		return Claim{State: StateInFlight}
	}
	c := Claim{State: StateDone}
	parts := strings.SplitN(v, ":", 3)
	if len(parts) == 3 && parts[0] == donePrefix {
		c.MessageID, c.ThreadID = parts[1], parts[2]
	}
	return c
}
