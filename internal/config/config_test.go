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

package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
server:
  port: 9090
log:
  level: debug
database:
  driver: memory
redis:
  url: ${TEST_CONFIG_REDIS}
  queues:
    summaries: thread-summaries
providers:
  mailgun:
    enabled: true
    signing_key: key-123
    tolerance: 2m
  resend:
    enabled: true
    verification: optional
    api_key: re_abc
  sendgrid:
    enabled: false
  ses:
    enabled: true
    allowed_topic_arns: ["arn:aws:sns:eu-west-1:123:inbound"]
inboxes:
  - email: Support@Inbox.Test
    name: Support
  - email: ${TEST_CONFIG_UNSET}
policy:
  blocklist: ['spam\.test']
threading:
  subject_window: 72h
mailboxes:
  - host: imap.example.com
    username: ops@example.com
    password: secret
`

// TestParse verifies YAML parsing, env expansion and defaults.
func TestParse(t *testing.T) {
	t.Setenv("TEST_CONFIG_REDIS", "redis://cache:6379/1")
	t.Setenv("PORT", "")

	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 9090 || cfg.WebhookPort != 8081 {
		t.Errorf("ports = %d, %d", cfg.Port, cfg.WebhookPort)
	}
	if cfg.LogLevel != slog.LevelDebug || cfg.LogFormat != "json" {
		t.Errorf("log = %v %s", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.RedisURL != "redis://cache:6379/1" || cfg.SummariesQueue != "thread-summaries" {
		t.Errorf("redis = %s %s", cfg.RedisURL, cfg.SummariesQueue)
	}
	if cfg.DedupTTL != 72*time.Hour || cfg.SubjectWindow != 72*time.Hour || cfg.FetchTimeout != 15*time.Second {
		t.Errorf("durations = %v %v %v", cfg.DedupTTL, cfg.SubjectWindow, cfg.FetchTimeout)
	}
	if cfg.PreviewLength != 200 || !cfg.SignatureClassifier {
		t.Errorf("refine = %d %v", cfg.PreviewLength, cfg.SignatureClassifier)
	}
	if len(cfg.Inboxes) != 1 || cfg.Inboxes[0].Email != "support@inbox.test" {
		t.Errorf("inboxes = %+v", cfg.Inboxes)
	}
	if !cfg.Providers.Mailgun.Required() || cfg.Providers.Mailgun.Secret != "key-123" {
		t.Errorf("mailgun = %+v", cfg.Providers.Mailgun)
	}
	if cfg.Providers.Mailgun.Tolerance != 2*time.Minute || cfg.Providers.Resend.Tolerance != 5*time.Minute {
		t.Errorf("tolerances = %v %v", cfg.Providers.Mailgun.Tolerance, cfg.Providers.Resend.Tolerance)
	}
	if cfg.Providers.Resend.Required() || cfg.Providers.Resend.APIKey != "re_abc" {
		t.Errorf("resend = %+v", cfg.Providers.Resend)
	}
	if cfg.Providers.SES.CertCacheSize != 10 || len(cfg.Providers.SES.AllowedTopicARNs) != 1 {
		t.Errorf("ses = %+v", cfg.Providers.SES)
	}
	if len(cfg.Mailboxes) != 1 {
		t.Fatalf("mailboxes = %+v", cfg.Mailboxes)
	}
	mb := cfg.Mailboxes[0]
	if mb.Addr() != "imap.example.com:993" || mb.Folder != "INBOX" || mb.Interval != time.Minute || mb.Name != "ops@example.com" {
		t.Errorf("mailbox = %+v", mb)
	}
	if cfg.OutboundEnabled() {
		t.Error("outbound enabled without credentials")
	}
}

// TestParseEnvOverrides verifies environment variables win over YAML.
func TestParseEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("DATABASE_URL", "postgres://override/db")

	cfg, err := Parse([]byte("database:\n  driver: postgres\n  url: postgres://yaml/db\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 7000 || cfg.LogLevel != slog.LevelWarn || cfg.DatabaseURL != "postgres://override/db" {
		t.Errorf("cfg = port %d level %v url %s", cfg.Port, cfg.LogLevel, cfg.DatabaseURL)
	}
}

// TestValidate verifies misconfiguration is reported as ConfigurationError.
func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{
			name:  "postgres without url",
			yaml:  "database:\n  driver: postgres\n",
			field: "database.url",
		},
		{
			name:  "unknown driver",
			yaml:  "database:\n  driver: mysql\n",
			field: "database.driver",
		},
		{
			name:  "required verification without secret",
			yaml:  "database:\n  driver: memory\nproviders:\n  sendgrid:\n    enabled: true\n",
			field: "providers.sendgrid",
		},
		{
			name:  "bad verification mode",
			yaml:  "database:\n  driver: memory\nproviders:\n  ses:\n    enabled: true\n    verification: sometimes\n",
			field: "providers.ses.verification",
		},
		{
			name:  "bad blocklist pattern",
			yaml:  "database:\n  driver: memory\npolicy:\n  blocklist: ['(']\n",
			field: "policy.blocklist",
		},
		{
			name:  "bad duration",
			yaml:  "database:\n  driver: memory\nthreading:\n  subject_window: soon\n",
			field: "threading.subject_window",
		},
		{
			name:  "mailbox without credentials",
			yaml:  "database:\n  driver: memory\nmailboxes:\n  - host: imap.example.com\n    username: a\n",
			field: "mailboxes[0]",
		},
		{
			name:  "unknown attachment backend",
			yaml:  "database:\n  driver: memory\nattachments:\n  backend: s3\n",
			field: "attachments.backend",
		},
	}

	t.Setenv("DATABASE_URL", "")
	t.Setenv("LOG_LEVEL", "")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			var ce *ConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("error = %v, want ConfigurationError", err)
			}
			if ce.Field != tt.field {
				t.Errorf("field = %q, want %q", ce.Field, tt.field)
			}
		})
	}
}

// TestLoad verifies CONFIG_PATH is honoured.
func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("database:\n  driver: memory\n"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("LOG_LEVEL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabaseDriver != "memory" {
		t.Errorf("driver = %s", cfg.DatabaseDriver)
	}

	t.Setenv("CONFIG_PATH", filepath.Join(dir, "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Error("expected error for missing file")
	}
}
