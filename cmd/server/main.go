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

// NornWeave ingestion server
//
// Entry point for the inbound mail service. It:
//  1. Loads configuration from config.yaml (and an optional .env)
//  2. Connects to PostgreSQL and Redis and seeds configured inboxes
//  3. Serves provider webhooks (Mailgun, Resend, SendGrid, SES)
//  4. Polls configured IMAP mailboxes
//  5. Optionally accepts mail over SMTP
//  6. Serves /health and /metrics
//  7. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DataCovey/nornweave-sub000/internal/app"
	"github.com/DataCovey/nornweave-sub000/internal/config"
	"github.com/DataCovey/nornweave-sub000/internal/mailbox"
	"github.com/DataCovey/nornweave-sub000/internal/smtpd"
	"github.com/DataCovey/nornweave-sub000/internal/webhook"
)

func main() {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg))

	slog.Info("starting NornWeave ingestion service",
		"inboxes", len(cfg.Inboxes),
		"mailboxes", len(cfg.Mailboxes),
		"database", cfg.DatabaseDriver,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Stores, queue and orchestrator ---
	core, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise ingestion core", "error", err)
		os.Exit(1)
	}

	// --- Webhook server ---
	providers, err := core.WebhookProviders()
	if err != nil {
		slog.Error("invalid provider configuration", "error", err)
		os.Exit(1)
	}
	handlerCfg := webhook.HandlerConfig{
		Providers: providers,
		Ingester:  core.Orchestrator,
		Metrics:   core.Metrics,
	}
	if core.Dedup != nil {
		handlerCfg.Guard = core.Dedup
	}
	ready, err := webhook.Serve(ctx, cfg.WebhookPort, webhook.NewHandler(handlerCfg))
	if err != nil {
		slog.Error("failed to start webhook server", "error", err)
		os.Exit(1)
	}
	<-ready
	for _, p := range providers {
		slog.Info("webhook provider enabled", "provider", p.Parser.Source())
	}

	// --- IMAP pollers ---
	var pollers []*mailbox.Poller
	for _, m := range cfg.Mailboxes {
		p := mailbox.NewPoller(mailbox.Config{
			Name:     m.Name,
			Dial:     mailbox.NewIMAPDialer(m, mailbox.TokenSource(ctx, m.OAuth)),
			Ingester: core.Orchestrator,
			Interval: m.Interval,
		})
		p.Start(ctx)
		pollers = append(pollers, p)
	}

	// --- SMTP listener ---
	var smtpServer *smtpd.Server
	if cfg.SMTP.Enabled {
		smtpServer = smtpd.New(smtpd.Config{
			Addr:            cfg.SMTP.Addr,
			Domain:          cfg.SMTP.Domain,
			MaxMessageBytes: cfg.SMTP.MaxMessageBytes,
			Username:        cfg.SMTP.Username,
			Password:        cfg.SMTP.Password,
			Inboxes:         core.Store,
			Ingester:        core.Orchestrator,
		})
		go func() {
			if err := smtpServer.ListenAndServe(); err != nil {
				slog.Error("smtp server error", "error", err)
			}
		}()
	}

	// --- Health and metrics server ---
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := core.Ping(r.Context()); err != nil {
			slog.Warn("health check failed", "error", err)
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})
	mux.Handle("/metrics", core.Metrics.Handler())

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel() // stops the webhook server and pollers

		for _, p := range pollers {
			p.Stop()
		}
		if smtpServer != nil {
			if err := smtpServer.Close(); err != nil {
				slog.Error("smtp shutdown error", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("health server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	core.Close()
	slog.Info("ingestion service stopped")
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
