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

// NornWeave sendmail
//
// Sends one message through the configured outbound provider (SES) and
// records it on the sender's inbox thread, so replies thread with it.
//
// Usage:
//
//	go run ./cmd/sendmail/ --from support@example.com --to alice@example.org \
//	    --subject "Re: Order 1234" --text "Shipped today." [--in-reply-to "<id@example.org>"]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/DataCovey/nornweave-sub000/internal/app"
	"github.com/DataCovey/nornweave-sub000/internal/config"
	"github.com/DataCovey/nornweave-sub000/internal/models"
	"github.com/DataCovey/nornweave-sub000/internal/outbound"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	from := flag.String("from", "", "Sending inbox address (required)")
	fromName := flag.String("from-name", "", "Display name for the sender")
	to := flag.String("to", "", "Comma-separated recipients (required)")
	cc := flag.String("cc", "", "Comma-separated Cc recipients")
	bcc := flag.String("bcc", "", "Comma-separated Bcc recipients")
	subject := flag.String("subject", "", "Subject line")
	text := flag.String("text", "", "Plain text body")
	htmlFile := flag.String("html-file", "", "Path to an HTML body")
	inReplyTo := flag.String("in-reply-to", "", "Message-ID being replied to")
	references := flag.String("references", "", "Space-separated References chain")
	flag.Parse()

	if *from == "" || *to == "" {
		fmt.Fprintf(os.Stderr, "Error: --from and --to are required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	email := outbound.Email{
		From:       *from,
		FromName:   *fromName,
		To:         models.BareAddressList(*to),
		CC:         models.BareAddressList(*cc),
		BCC:        models.BareAddressList(*bcc),
		Subject:    *subject,
		Text:       *text,
		InReplyTo:  *inReplyTo,
		References: strings.Fields(*references),
	}
	if *htmlFile != "" {
		html, err := os.ReadFile(*htmlFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: read --html-file: %v\n", err)
			os.Exit(1)
		}
		email.HTML = string(html)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if !cfg.OutboundEnabled() {
		slog.Error("outbound.ses is not configured")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	core, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise ingestion core", "error", err)
		os.Exit(1)
	}
	defer core.Close()

	result, err := core.Orchestrator.Send(ctx, email)
	if err != nil {
		slog.Error("send failed", "from", *from, "error", err)
		core.Close()
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(result)
}
