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

// Package smtpd accepts mail for configured inboxes over SMTP and hands it to
// the ingestion orchestrator. It never relays: recipients without an inbox
// are refused at RCPT.
package smtpd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"slices"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/DataCovey/nornweave-sub000/internal/inbound"
	"github.com/DataCovey/nornweave-sub000/internal/ingest"
	"github.com/DataCovey/nornweave-sub000/internal/models"
)

const ingestTimeout = 60 * time.Second

// Ingester processes a parsed message.
type Ingester interface {
	Ingest(ctx context.Context, msg *models.InboundMessage) (*ingest.Result, error)
}

// InboxLookup resolves recipient addresses.
type InboxLookup interface {
	GetInboxByEmail(ctx context.Context, email string) (*models.Inbox, error)
}

// Config wires a Server.
type Config struct {
	Addr            string
	Domain          string
	MaxMessageBytes int64

	// Username enables PLAIN authentication when set.
	Username string
	Password string

	Inboxes  InboxLookup
	Ingester Ingester
}

// Server is the SMTP listener.
type Server struct {
	smtp *smtp.Server
}

// New creates a server. Call ListenAndServe or Serve to accept connections.
func New(cfg Config) *Server {
	be := &backend{
		inboxes:  cfg.Inboxes,
		ingester: cfg.Ingester,
		username: cfg.Username,
		password: cfg.Password,
	}
	s := smtp.NewServer(be)
	s.Addr = cfg.Addr
	s.Domain = cfg.Domain
	if s.Domain == "" {
		s.Domain = "localhost"
	}
	s.AllowInsecureAuth = true
	s.ReadTimeout = 60 * time.Second
	s.WriteTimeout = 60 * time.Second
	s.MaxRecipients = 50
	s.MaxMessageBytes = cfg.MaxMessageBytes
	if s.MaxMessageBytes <= 0 {
		s.MaxMessageBytes = 25 << 20
	}
	return &Server{smtp: s}
}

// ListenAndServe listens on the configured address.
func (s *Server) ListenAndServe() error {
	slog.Info("smtp server listening", "addr", s.smtp.Addr)
	if err := s.smtp.ListenAndServe(); err != nil && !errClosed(err) {
		return err
	}
	return nil
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.smtp.Serve(ln); err != nil && !errClosed(err) {
		return err
	}
	return nil
}

// Close stops the listener and open sessions.
func (s *Server) Close() error {
	return s.smtp.Close()
}

type backend struct {
	inboxes  InboxLookup
	ingester Ingester
	username string
	password string
}

func (b *backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &session{backend: b}, nil
}

type session struct {
	backend       *backend
	from          string
	to            []string
	authenticated bool
}

func (s *session) authRequired() bool {
	return s.backend.username != "" && !s.authenticated
}

func (s *session) AuthMechanisms() []string {
	if s.backend.username == "" {
		return nil
	}
	return []string{sasl.Plain}
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if s.backend.username == "" {
		return nil, smtp.ErrAuthUnsupported
	}
	if mech != sasl.Plain {
		return nil, smtp.ErrAuthUnknownMechanism
	}
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username != s.backend.username || password != s.backend.password {
			return smtp.ErrAuthFailed
		}
		s.authenticated = true
		return nil
	}), nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.authRequired() {
		return smtp.ErrAuthRequired
	}
	s.from = models.BareAddress(from)
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.authRequired() {
		return smtp.ErrAuthRequired
	}
	addr := models.BareAddress(to)
	if addr == "" {
		return &smtp.SMTPError{
			Code:         501,
			EnhancedCode: smtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}

	inbox, err := s.backend.inboxes.GetInboxByEmail(context.Background(), addr)
	if err != nil {
		slog.Error("smtp inbox lookup failed", "recipient", addr, "error", err)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "temporary lookup failure",
		}
	}
	if inbox == nil {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "recipient mailbox not found",
		}
	}
	if !slices.Contains(s.to, addr) {
		s.to = append(s.to, addr)
	}
	return nil
}

func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	msg, err := inbound.ParseRFC822(models.SourceSMTP, raw)
	if err != nil {
		slog.Warn("rejecting unparseable smtp message", "from", s.from, "error", err)
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "message could not be parsed",
		}
	}
	applyEnvelope(msg, s.from, s.to)

	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()
	res, err := s.backend.ingester.Ingest(ctx, msg)
	if err != nil {
		slog.Error("smtp ingest failed", "from", s.from, "error", err)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "temporary failure, try again later",
		}
	}

	switch res.Outcome {
	case ingest.OutcomeDomainBlocked:
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      "sender domain not accepted",
		}
	case ingest.OutcomeNoInbox:
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "recipient mailbox not found",
		}
	}
	slog.Info("smtp message accepted",
		"from", s.from,
		"outcome", res.Outcome,
		"message_id", res.MessageID,
	)
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}

// applyEnvelope fills gaps in the parsed headers from the SMTP envelope.
// Envelope recipients missing from the headers were Bcc'd.
func applyEnvelope(msg *models.InboundMessage, from string, rcpts []string) {
	if msg.From == "" {
		msg.From = from
	}
	msg.AddEnvelopeRecipients(rcpts...)
}

// errClosed reports whether err came from a deliberate Close.
func errClosed(err error) bool {
	return errors.Is(err, smtp.ErrServerClosed) || errors.Is(err, net.ErrClosed)
}
