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

// Package app assembles the ingestion core from configuration. The binaries
// under cmd/ share it so the server, the backfill tool and the sendmail tool
// run the same orchestrator against the same stores.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/DataCovey/nornweave-sub000/internal/blob"
	"github.com/DataCovey/nornweave-sub000/internal/config"
	"github.com/DataCovey/nornweave-sub000/internal/dedup"
	"github.com/DataCovey/nornweave-sub000/internal/inbound"
	"github.com/DataCovey/nornweave-sub000/internal/ingest"
	"github.com/DataCovey/nornweave-sub000/internal/metrics"
	"github.com/DataCovey/nornweave-sub000/internal/models"
	"github.com/DataCovey/nornweave-sub000/internal/outbound"
	"github.com/DataCovey/nornweave-sub000/internal/queue"
	"github.com/DataCovey/nornweave-sub000/internal/refine"
	"github.com/DataCovey/nornweave-sub000/internal/store"
	"github.com/DataCovey/nornweave-sub000/internal/thread"
)

// App holds the wired collaborators.
type App struct {
	Config       *config.Config
	Store        store.Store
	Orchestrator *ingest.Orchestrator
	Metrics      *metrics.Metrics

	// Redis-backed pieces are nil when redis.url is not configured.
	Publisher *queue.Publisher
	Dedup     *dedup.Filter

	pool *pgxpool.Pool
	rdb  *redis.Client
}

// New connects the stores, seeds configured inboxes and builds the
// orchestrator.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, Metrics: metrics.New()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if err := a.connectStore(ctx); err != nil {
		return nil, err
	}
	if err := a.connectRedis(ctx); err != nil {
		return nil, err
	}
	if err := a.seedInboxes(ctx); err != nil {
		return nil, err
	}

	orch, err := a.buildOrchestrator()
	if err != nil {
		return nil, err
	}
	a.Orchestrator = orch
	ok = true
	return a, nil
}

func (a *App) connectStore(ctx context.Context) error {
	if a.Config.DatabaseDriver == "memory" {
		slog.Warn("using in-memory store, data is lost on restart")
		a.Store = store.NewMemoryStore()
		return nil
	}

	pool, err := pgxpool.New(ctx, a.Config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("create postgres pool: %w", err)
	}
	a.pool = pool
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	pg, err := store.NewPostgresStore(ctx, pool)
	if err != nil {
		return fmt.Errorf("initialise postgres store: %w", err)
	}
	a.Store = pg
	slog.Info("connected to PostgreSQL")
	return nil
}

func (a *App) connectRedis(ctx context.Context) error {
	if a.Config.RedisURL == "" {
		slog.Warn("redis not configured, summary jobs and replay protection disabled")
		return nil
	}
	opt, err := redis.ParseURL(a.Config.RedisURL)
	if err != nil {
		return &config.ConfigurationError{Field: "redis.url", Reason: err.Error()}
	}
	a.rdb = redis.NewClient(opt)
	a.Publisher = queue.NewPublisher(a.rdb, a.Config.SummariesQueue)
	if err := a.Publisher.Ping(ctx); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	a.Dedup = dedup.NewFilter(a.rdb, a.Config.DedupTTL)
	slog.Info("connected to Redis", "summaries_queue", a.Config.SummariesQueue)
	return nil
}

func (a *App) seedInboxes(ctx context.Context) error {
	for _, in := range a.Config.Inboxes {
		inbox := &models.Inbox{Email: in.Email, Name: in.Name}
		if err := a.Store.UpsertInbox(ctx, inbox); err != nil {
			return fmt.Errorf("seed inbox %s: %w", in.Email, err)
		}
		slog.Debug("inbox ready", "inbox_id", inbox.ID, "email", inbox.Email)
	}
	slog.Info("inboxes seeded", "count", len(a.Config.Inboxes))
	return nil
}

func (a *App) buildOrchestrator() (*ingest.Orchestrator, error) {
	cfg := a.Config

	policy, err := ingest.NewDomainPolicy(cfg.Allowlist, cfg.Blocklist)
	if err != nil {
		return nil, &config.ConfigurationError{Field: "policy", Reason: err.Error()}
	}

	var blobs blob.Storage = blob.Discard{}
	if cfg.AttachmentBackend == blob.BackendLocal {
		local, err := blob.NewLocalStorage(cfg.AttachmentDir)
		if err != nil {
			return nil, fmt.Errorf("attachment storage: %w", err)
		}
		blobs = local
	}

	fetchers := map[models.Source]inbound.Fetcher{}
	if r := cfg.Providers.Resend; r.Enabled && r.APIKey != "" {
		fetchers[models.SourceResend] = inbound.NewResendFetcher(r.APIKey, r.BaseURL, &http.Client{Timeout: cfg.FetchTimeout})
	}

	var sender outbound.Sender
	if cfg.OutboundEnabled() {
		ses, err := outbound.NewSESSender(outbound.SESConfig{
			Region:          cfg.Outbound.Region,
			AccessKeyID:     cfg.Outbound.AccessKeyID,
			SecretAccessKey: cfg.Outbound.SecretAccessKey,
			SessionToken:    cfg.Outbound.SessionToken,
			Endpoint:        cfg.Outbound.Endpoint,
		})
		if err != nil {
			return nil, &config.ConfigurationError{Field: "outbound.ses", Reason: err.Error()}
		}
		sender = ses
	}

	var notifier ingest.Notifier
	if a.Publisher != nil {
		notifier = a.Publisher
	}

	return ingest.New(ingest.Config{
		Store:    a.Store,
		Resolver: thread.NewResolver(a.Store, cfg.SubjectWindow),
		Refiner: refine.NewRefiner(refine.Config{
			PreviewLength: cfg.PreviewLength,
			UseClassifier: cfg.SignatureClassifier,
		}),
		Fetchers:     fetchers,
		FetchTimeout: cfg.FetchTimeout,
		Blobs:        blobs,
		Notifier:     notifier,
		Policy:       policy,
		Sender:       sender,
		Metrics:      a.Metrics,
	})
}

// Ping checks every connected backend.
func (a *App) Ping(ctx context.Context) error {
	if a.pool != nil {
		if err := a.pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if a.Publisher != nil {
		if err := a.Publisher.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close waits for pending notifications and releases connections.
func (a *App) Close() {
	if a.Orchestrator != nil {
		done := make(chan struct{})
		go func() {
			a.Orchestrator.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			slog.Warn("timed out waiting for pending notifications")
		}
	}
	var errs []error
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if err := errors.Join(errs...); err != nil {
		slog.Warn("error closing connections", "error", err)
	}
}
