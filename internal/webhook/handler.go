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

// Package webhook receives provider deliveries over HTTP. Each delivery is
// authenticated, parsed into the canonical message form and handed to the
// orchestrator; the response status tells the provider whether to retry.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/DataCovey/nornweave-sub000/internal/dedup"
	"github.com/DataCovey/nornweave-sub000/internal/inbound"
	"github.com/DataCovey/nornweave-sub000/internal/ingest"
	"github.com/DataCovey/nornweave-sub000/internal/metrics"
	"github.com/DataCovey/nornweave-sub000/internal/models"
	"github.com/DataCovey/nornweave-sub000/internal/verify"
)

// MaxBodyBytes caps one delivery.
const MaxBodyBytes = 25 << 20

// Ingester processes a parsed message.
type Ingester interface {
	Ingest(ctx context.Context, msg *models.InboundMessage) (*ingest.Result, error)
}

// ReplayGuard drops provider retries of deliveries already accepted. A
// claimed delivery is completed only once it was answered with a 2xx.
type ReplayGuard interface {
	Begin(ctx context.Context, source, deliveryID string) (dedup.Claim, error)
	Complete(ctx context.Context, source, deliveryID, messageID, threadID string) error
	Forget(ctx context.Context, source, deliveryID string) error
}

// inFlightRetryAfter is sent with 503 while another request holds the
// delivery.
const inFlightRetryAfter = "30"

// Provider binds a parser to the verifier for its deliveries.
type Provider struct {
	Parser   inbound.Parser
	Verifier verify.Verifier
}

// HandlerConfig wires a Handler.
type HandlerConfig struct {
	Providers []Provider
	Ingester  Ingester
	Guard     ReplayGuard
	Metrics   *metrics.Metrics

	// Client confirms SNS subscriptions.
	Client *http.Client
}

// Handler serves POST /webhooks/{provider}.
type Handler struct {
	providers map[models.Source]Provider
	ingester  Ingester
	guard     ReplayGuard
	metrics   *metrics.Metrics
	client    *http.Client
}

// NewHandler creates a handler for the configured providers.
func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		providers: make(map[models.Source]Provider, len(cfg.Providers)),
		ingester:  cfg.Ingester,
		guard:     cfg.Guard,
		metrics:   cfg.Metrics,
		client:    cfg.Client,
	}
	if h.client == nil {
		h.client = &http.Client{Timeout: 10 * time.Second}
	}
	for _, p := range cfg.Providers {
		h.providers[p.Parser.Source()] = p
	}
	return h
}

type response struct {
	Status    string   `json:"status"`
	MessageID string   `json:"message_id,omitempty"`
	ThreadID  string   `json:"thread_id,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// ServeHTTP handles one delivery.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	source := models.Source(r.PathValue("provider"))
	provider, ok := h.providers[source]
	if !ok {
		writeJSON(w, http.StatusNotFound, response{Status: "error", Error: "unknown provider"})
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, response{Status: "error", Error: "method not allowed"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(w, source, "too_large", http.StatusRequestEntityTooLarge, err)
			return
		}
		h.reject(w, source, "read_error", http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	if err := provider.Verifier.Verify(ctx, body, r.Header); err != nil {
		h.reject(w, source, "authenticity", http.StatusUnauthorized, err)
		return
	}

	deliveryID := deliveryID(source, body, r.Header)
	claimed := false
	if h.guard != nil && deliveryID != "" {
		claim, err := h.guard.Begin(ctx, string(source), deliveryID)
		switch {
		case err != nil:
			slog.Warn("replay check failed, proceeding",
				"source", source,
				"delivery_id", deliveryID,
				"error", err,
			)
		case claim.State == dedup.StateDone:
			slog.Debug("skipping replayed delivery",
				"source", source,
				"delivery_id", deliveryID,
			)
			writeJSON(w, http.StatusOK, response{
				Status:    string(ingest.OutcomeDuplicate),
				MessageID: claim.MessageID,
				ThreadID:  claim.ThreadID,
			})
			return
		case claim.State == dedup.StateInFlight:
			h.metrics.Rejected(string(source), "in_flight")
			slog.Info("delivery still in flight, asking provider to retry",
				"source", source,
				"delivery_id", deliveryID,
			)
			w.Header().Set("Retry-After", inFlightRetryAfter)
			writeJSON(w, http.StatusServiceUnavailable, response{Status: "error", Error: "delivery in progress"})
			return
		default:
			claimed = true
		}
	}

	status, resp := h.process(ctx, provider, body, r.Header)
	if claimed {
		h.settle(ctx, source, deliveryID, status, resp)
	}
	writeJSON(w, status, resp)
}

func (h *Handler) process(ctx context.Context, provider Provider, body []byte, header http.Header) (int, response) {
	source := provider.Parser.Source()

	msg, err := provider.Parser.Parse(body, header)
	if err != nil {
		var confirm *inbound.SubscriptionConfirmation
		switch {
		case errors.Is(err, inbound.ErrIgnoredEvent):
			slog.Debug("ignoring non-inbound event", "source", source, "reason", err)
			return http.StatusOK, response{Status: "ignored"}
		case errors.As(err, &confirm):
			if err := h.confirmSubscription(ctx, confirm); err != nil {
				slog.Error("subscription confirmation failed",
					"topic_arn", confirm.TopicArn,
					"error", err,
				)
				return http.StatusBadGateway, response{Status: "error", Error: "subscription confirmation failed"}
			}
			return http.StatusOK, response{Status: "subscribed"}
		case errors.Is(err, inbound.ErrMalformedPayload):
			h.metrics.Rejected(string(source), "malformed")
			slog.Warn("rejecting malformed delivery", "source", source, "error", err)
			return http.StatusBadRequest, response{Status: "error", Error: err.Error()}
		default:
			slog.Error("parse failed", "source", source, "error", err)
			return http.StatusInternalServerError, response{Status: "error", Error: "internal error"}
		}
	}

	res, err := h.ingester.Ingest(ctx, msg)
	if err != nil {
		slog.Error("ingest failed, provider will retry", "source", source, "error", err)
		return http.StatusInternalServerError, response{Status: "error", Error: "internal error"}
	}
	return http.StatusOK, response{
		Status:    string(res.Outcome),
		MessageID: res.MessageID,
		ThreadID:  res.ThreadID,
		Warnings:  res.Warnings,
	}
}

// confirmSubscription visits the SubscribeURL after checking it points at
// SNS.
func (h *Handler) confirmSubscription(ctx context.Context, c *inbound.SubscriptionConfirmation) error {
	if err := verify.ValidateSNSURL(c.URL); err != nil {
		return fmt.Errorf("subscribe url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return fmt.Errorf("build confirm request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("confirm subscription: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("confirm subscription: HTTP %d", resp.StatusCode)
	}
	slog.Info("SNS subscription confirmed", "topic_arn", c.TopicArn)
	return nil
}

func (h *Handler) reject(w http.ResponseWriter, source models.Source, reason string, status int, err error) {
	h.metrics.Rejected(string(source), reason)
	slog.Warn("rejecting delivery",
		"source", source,
		"reason", reason,
		"error", err,
	)
	msg := reason
	if reason == "authenticity" {
		msg = "signature verification failed"
	}
	writeJSON(w, status, response{Status: "error", Error: msg})
}

// settle records a claimed delivery as done when it was accepted and
// releases it otherwise, so a provider retry is processed again.
func (h *Handler) settle(ctx context.Context, source models.Source, deliveryID string, status int, resp response) {
	ctx = context.WithoutCancel(ctx)
	if status >= http.StatusOK && status < http.StatusMultipleChoices {
		if err := h.guard.Complete(ctx, string(source), deliveryID, resp.MessageID, resp.ThreadID); err != nil {
			slog.Warn("failed to record delivery id",
				"source", source,
				"delivery_id", deliveryID,
				"error", err,
			)
		}
		return
	}
	if err := h.guard.Forget(ctx, string(source), deliveryID); err != nil {
		slog.Warn("failed to release delivery id",
			"source", source,
			"delivery_id", deliveryID,
			"error", err,
		)
	}
}

// deliveryID returns the provider's unique id for this delivery, if it has
// one outside the message itself.
func deliveryID(source models.Source, body []byte, header http.Header) string {
	switch source {
	case models.SourceResend:
		if id := header.Get("svix-id"); id != "" {
			return id
		}
		return header.Get("webhook-id")
	case models.SourceSES:
		var env struct {
			Type      string `json:"Type"`
			MessageID string `json:"MessageId"`
		}
		if json.Unmarshal(body, &env) == nil && env.Type == "Notification" {
			return env.MessageID
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newMux(handler *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/webhooks/{provider}", handler)
	return mux
}

// Serve starts the webhook HTTP server on the given port.
// It binds the port immediately and signals readiness via the returned channel
// before starting to accept connections.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	server := &http.Server{
		Handler:           newMux(handler),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind webhook port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	go func() {
		slog.Info("webhook server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("webhook server error", "error", err)
		}
	}()

	return ready, nil
}
