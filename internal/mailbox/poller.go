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

// Package mailbox polls IMAP mailboxes and feeds each unseen message through
// the ingestion orchestrator. Each mailbox is polled by one goroutine; a
// failed cycle backs off exponentially before the next attempt.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DataCovey/nornweave-sub000/internal/inbound"
	"github.com/DataCovey/nornweave-sub000/internal/ingest"
	"github.com/DataCovey/nornweave-sub000/internal/models"
)

const (
	// DefaultInterval is the wait between successful cycles.
	DefaultInterval = 60 * time.Second

	minBackoff = time.Second
	maxBackoff = 300 * time.Second
)

// Ingester processes a parsed message.
type Ingester interface {
	Ingest(ctx context.Context, msg *models.InboundMessage) (*ingest.Result, error)
}

// CycleResult summarises one poll or backfill cycle.
type CycleResult struct {
	Mailbox  string
	Fetched  int
	Received int
	Skipped  int // duplicate, no_inbox or domain_blocked
	Errors   int
	Elapsed  time.Duration
}

// Config wires a Poller.
type Config struct {
	Name     string
	Dial     Dialer
	Ingester Ingester
	Interval time.Duration
}

// Poller ingests one mailbox.
type Poller struct {
	name     string
	dial     Dialer
	ingester Ingester
	interval time.Duration

	// cycle serialises Poll and Backfill.
	cycle   sync.Mutex
	backoff backoff
	sleep   func(ctx context.Context, d time.Duration) bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a poller. Start runs it.
func NewPoller(cfg Config) *Poller {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		name:     cfg.Name,
		dial:     cfg.Dial,
		ingester: cfg.Ingester,
		interval: interval,
		sleep:    sleepCtx,
	}
}

// Start polls immediately and then after every interval until Stop.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()
	slog.Info("mailbox poller started", "mailbox", p.name, "interval", p.interval)
}

// Stop cancels polling and waits for the current cycle to finish.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Poller) run(ctx context.Context) {
	for {
		res, err := p.Poll(ctx)
		var wait time.Duration
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait = p.backoff.next()
			slog.Warn("mailbox poll failed, backing off",
				"mailbox", p.name,
				"backoff", wait,
				"error", err,
			)
		} else {
			p.backoff.reset()
			wait = p.interval
			if res.Fetched > 0 {
				slog.Info("mailbox poll complete",
					"mailbox", p.name,
					"fetched", res.Fetched,
					"received", res.Received,
					"skipped", res.Skipped,
					"errors", res.Errors,
				)
			}
		}
		if !p.sleep(ctx, wait) {
			return
		}
	}
}

// Poll runs one cycle over unseen messages.
func (p *Poller) Poll(ctx context.Context) (*CycleResult, error) {
	return p.runCycle(ctx, time.Time{}, true)
}

// Backfill ingests every message received since the given time, seen or not.
// Already stored messages resolve to duplicate.
func (p *Poller) Backfill(ctx context.Context, since time.Time) (*CycleResult, error) {
	slog.Info("starting mailbox backfill", "mailbox", p.name, "since", since)
	res, err := p.runCycle(ctx, since, false)
	if err != nil {
		return res, err
	}
	slog.Info("mailbox backfill complete",
		"mailbox", p.name,
		"fetched", res.Fetched,
		"received", res.Received,
		"skipped", res.Skipped,
		"errors", res.Errors,
		"elapsed", res.Elapsed,
	)
	return res, nil
}

func (p *Poller) runCycle(ctx context.Context, since time.Time, unseenOnly bool) (*CycleResult, error) {
	p.cycle.Lock()
	defer p.cycle.Unlock()

	start := time.Now()
	res := &CycleResult{Mailbox: p.name}
	defer func() { res.Elapsed = time.Since(start) }()

	session, err := p.dial(ctx)
	if err != nil {
		return res, err
	}
	defer func() {
		if err := session.Close(); err != nil {
			slog.Debug("imap close failed", "mailbox", p.name, "error", err)
		}
	}()

	uids, err := session.Search(ctx, since, unseenOnly)
	if err != nil {
		return res, err
	}

	for _, uid := range uids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		raw, err := session.Fetch(ctx, uid)
		if err != nil {
			if errors.Is(err, errMessageGone) {
				continue
			}
			return res, err
		}
		res.Fetched++

		msg, err := inbound.ParseRFC822(models.SourceIMAP, raw)
		if err != nil {
			// Unparseable mail never improves on retry.
			res.Errors++
			slog.Warn("skipping unparseable message",
				"mailbox", p.name,
				"uid", uid,
				"error", err,
			)
			if err := session.MarkSeen(ctx, uid); err != nil {
				return res, err
			}
			continue
		}

		out, err := p.ingester.Ingest(ctx, msg)
		if err != nil {
			res.Errors++
			return res, fmt.Errorf("ingest uid %d: %w", uid, err)
		}
		if out.Outcome == ingest.OutcomeReceived {
			res.Received++
		} else {
			res.Skipped++
		}
		if err := session.MarkSeen(ctx, uid); err != nil {
			return res, err
		}
	}
	return res, nil
}

// backoff doubles from minBackoff up to maxBackoff.
type backoff struct {
	current time.Duration
}

func (b *backoff) next() time.Duration {
	if b.current == 0 {
		b.current = minBackoff
	} else {
		b.current = min(b.current*2, maxBackoff)
	}
	return b.current
}

func (b *backoff) reset() { b.current = 0 }

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
