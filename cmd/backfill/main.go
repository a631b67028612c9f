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

// NornWeave historical backfill
//
// Standalone CLI that ingests past mail from a configured IMAP mailbox,
// read or unread, within a lookback window. Messages already stored resolve
// to duplicate, so the tool is safe to rerun.
//
// Usage:
//
//	go run ./cmd/backfill/ --mailbox <name> [--since 168h]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DataCovey/nornweave-sub000/internal/app"
	"github.com/DataCovey/nornweave-sub000/internal/config"
	"github.com/DataCovey/nornweave-sub000/internal/mailbox"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	mailboxFlag := flag.String("mailbox", "", "Name (or username) of the configured mailbox to backfill (required)")
	sinceFlag := flag.String("since", "168h", "Lookback duration (e.g. 168h for 1 week, 720h for 30 days)")
	flag.Parse()

	if *mailboxFlag == "" {
		fmt.Fprintf(os.Stderr, "Error: --mailbox is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	sinceDuration, err := time.ParseDuration(*sinceFlag)
	if err != nil || sinceDuration <= 0 {
		fmt.Fprintf(os.Stderr, "Error: invalid --since duration %q\n", *sinceFlag)
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	var target *config.MailboxConfig
	for i := range cfg.Mailboxes {
		m := &cfg.Mailboxes[i]
		if m.Name == *mailboxFlag || m.Username == *mailboxFlag {
			target = m
			break
		}
	}
	if target == nil {
		slog.Error("mailbox not found in configuration", "mailbox", *mailboxFlag)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	core, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise ingestion core", "error", err)
		os.Exit(1)
	}
	defer core.Close()

	poller := mailbox.NewPoller(mailbox.Config{
		Name:     target.Name,
		Dial:     mailbox.NewIMAPDialer(*target, mailbox.TokenSource(ctx, target.OAuth)),
		Ingester: core.Orchestrator,
	})

	since := time.Now().Add(-sinceDuration)
	result, err := poller.Backfill(ctx, since)
	if err != nil {
		slog.Error("backfill failed",
			"mailbox", target.Name,
			"fetched", result.Fetched,
			"received", result.Received,
			"error", err,
		)
		core.Close()
		os.Exit(1)
	}

	// --- Summary ---
	slog.Info("backfill complete",
		"mailbox", result.Mailbox,
		"fetched", result.Fetched,
		"received", result.Received,
		"skipped", result.Skipped,
		"errors", result.Errors,
		"elapsed", result.Elapsed,
	)
}
