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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Verification modes for webhook providers.
const (
	VerificationRequired = "required"
	VerificationOptional = "optional"
)

// ConfigurationError reports an invalid or missing setting. It aborts
// startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// ProviderConfig configures one webhook provider.
type ProviderConfig struct {
	Enabled      bool
	Verification string

	// Secret is the Mailgun signing key, the Resend (Svix) webhook secret
	// or the SendGrid verification public key.
	Secret string

	// Resend API access for the two-phase fetch.
	APIKey  string
	BaseURL string

	// Tolerance bounds the signed timestamp's skew for Mailgun and Resend.
	Tolerance time.Duration

	// SES (SNS) only.
	AllowedTopicARNs []string
	CertCacheSize    int
}

// Required reports whether verification failures must reject deliveries
// and a missing secret must abort startup.
func (p ProviderConfig) Required() bool {
	return p.Verification != VerificationOptional
}

// ProvidersConfig groups the webhook providers.
type ProvidersConfig struct {
	Mailgun  ProviderConfig
	Resend   ProviderConfig
	SendGrid ProviderConfig
	SES      ProviderConfig
}

// InboxConfig seeds an inbox at startup.
type InboxConfig struct {
	Email string
	Name  string
}

// MailboxConfig configures one polled IMAP mailbox.
type MailboxConfig struct {
	Name     string
	Host     string
	Port     int
	Security string // tls, starttls or none
	Username string
	Password string
	Folder   string
	Interval time.Duration

	// OAuth switches authentication to OAUTHBEARER with a client
	// credentials token.
	OAuth *OAuthConfig
}

// Addr is host:port.
func (m MailboxConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// OAuthConfig is an OAuth2 client credentials grant.
type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// SMTPConfig configures the optional SMTP listener.
type SMTPConfig struct {
	Enabled         bool
	Addr            string
	Domain          string
	Username        string
	Password        string
	MaxMessageBytes int64
}

// SESConfig holds outbound SES credentials.
type SESConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Endpoint        string
}

// Config holds all configuration for the ingestion service.
type Config struct {
	// Health and metrics port.
	Port        int
	WebhookPort int

	LogLevel  slog.Level
	LogFormat string

	DatabaseDriver string
	DatabaseURL    string

	RedisURL       string
	SummariesQueue string
	DedupTTL       time.Duration

	Providers ProvidersConfig
	Inboxes   []InboxConfig

	Allowlist []string
	Blocklist []string

	SubjectWindow       time.Duration
	PreviewLength       int
	SignatureClassifier bool
	FetchTimeout        time.Duration

	AttachmentBackend string
	AttachmentDir     string

	Mailboxes []MailboxConfig
	SMTP      SMTPConfig
	Outbound  SESConfig
}

type rawProvider struct {
	Enabled          bool     `yaml:"enabled"`
	Verification     string   `yaml:"verification"`
	SigningKey       string   `yaml:"signing_key"`
	WebhookSecret    string   `yaml:"webhook_secret"`
	PublicKey        string   `yaml:"public_key"`
	APIKey           string   `yaml:"api_key"`
	BaseURL          string   `yaml:"base_url"`
	Tolerance        string   `yaml:"tolerance"`
	AllowedTopicARNs []string `yaml:"allowed_topic_arns"`
	CertCacheSize    int      `yaml:"cert_cache_size"`
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Server struct {
		Port        int `yaml:"port"`
		WebhookPort int `yaml:"webhook_port"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Database struct {
		Driver string `yaml:"driver"`
		URL    string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Summaries string `yaml:"summaries"`
		} `yaml:"queues"`
		DedupTTL string `yaml:"dedup_ttl"`
	} `yaml:"redis"`
	Providers struct {
		Mailgun  rawProvider `yaml:"mailgun"`
		Resend   rawProvider `yaml:"resend"`
		SendGrid rawProvider `yaml:"sendgrid"`
		SES      rawProvider `yaml:"ses"`
	} `yaml:"providers"`
	Inboxes []struct {
		Email string `yaml:"email"`
		Name  string `yaml:"name"`
	} `yaml:"inboxes"`
	Policy struct {
		Allowlist []string `yaml:"allowlist"`
		Blocklist []string `yaml:"blocklist"`
	} `yaml:"policy"`
	Threading struct {
		SubjectWindow string `yaml:"subject_window"`
		FetchTimeout  string `yaml:"fetch_timeout"`
	} `yaml:"threading"`
	Refine struct {
		PreviewLength       int   `yaml:"preview_length"`
		SignatureClassifier *bool `yaml:"signature_classifier"`
	} `yaml:"refine"`
	Attachments struct {
		Backend string `yaml:"backend"`
		Dir     string `yaml:"dir"`
	} `yaml:"attachments"`
	Mailboxes []struct {
		Name     string `yaml:"name"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Security string `yaml:"security"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		Folder   string `yaml:"folder"`
		Interval string `yaml:"interval"`
		OAuth    *struct {
			TokenURL     string   `yaml:"token_url"`
			ClientID     string   `yaml:"client_id"`
			ClientSecret string   `yaml:"client_secret"`
			Scopes       []string `yaml:"scopes"`
		} `yaml:"oauth"`
	} `yaml:"mailboxes"`
	SMTP struct {
		Enabled         bool   `yaml:"enabled"`
		Addr            string `yaml:"addr"`
		Domain          string `yaml:"domain"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		MaxMessageBytes int64  `yaml:"max_message_bytes"`
	} `yaml:"smtp"`
	Outbound struct {
		SES struct {
			Region          string `yaml:"region"`
			AccessKeyID     string `yaml:"access_key_id"`
			SecretAccessKey string `yaml:"secret_access_key"`
			SessionToken    string `yaml:"session_token"`
			Endpoint        string `yaml:"endpoint"`
		} `yaml:"ses"`
	} `yaml:"outbound"`
}

// Load reads configuration from CONFIG_PATH (with ${VAR} expansion) after
// loading an optional .env file, applies environment overrides and
// defaults, and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	configPath := envOrDefault("CONFIG_PATH", "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}
	return Parse(data)
}

// Parse builds a Config from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		Port:           envOrDefaultInt("PORT", orDefault(raw.Server.Port, 8080)),
		WebhookPort:    envOrDefaultInt("WEBHOOK_PORT", orDefault(raw.Server.WebhookPort, 8081)),
		LogFormat:      firstNonEmpty(raw.Log.Format, "json"),
		DatabaseDriver: firstNonEmpty(raw.Database.Driver, "postgres"),
		DatabaseURL:    firstNonEmpty(os.Getenv("DATABASE_URL"), raw.Database.URL),
		RedisURL:       firstNonEmpty(os.Getenv("REDIS_URL"), raw.Redis.URL),
		SummariesQueue: firstNonEmpty(raw.Redis.Queues.Summaries, "summaries"),

		Allowlist: raw.Policy.Allowlist,
		Blocklist: raw.Policy.Blocklist,

		PreviewLength:       orDefault(raw.Refine.PreviewLength, 200),
		SignatureClassifier: raw.Refine.SignatureClassifier == nil || *raw.Refine.SignatureClassifier,

		AttachmentBackend: firstNonEmpty(raw.Attachments.Backend, "local"),
		AttachmentDir:     firstNonEmpty(raw.Attachments.Dir, "data/attachments"),

		SMTP: SMTPConfig{
			Enabled:         raw.SMTP.Enabled,
			Addr:            firstNonEmpty(raw.SMTP.Addr, ":2525"),
			Domain:          firstNonEmpty(raw.SMTP.Domain, "localhost"),
			Username:        raw.SMTP.Username,
			Password:        raw.SMTP.Password,
			MaxMessageBytes: raw.SMTP.MaxMessageBytes,
		},
		Outbound: SESConfig{
			Region:          raw.Outbound.SES.Region,
			AccessKeyID:     raw.Outbound.SES.AccessKeyID,
			SecretAccessKey: raw.Outbound.SES.SecretAccessKey,
			SessionToken:    raw.Outbound.SES.SessionToken,
			Endpoint:        raw.Outbound.SES.Endpoint,
		},
	}
	if cfg.SMTP.MaxMessageBytes <= 0 {
		cfg.SMTP.MaxMessageBytes = 25 << 20
	}

	var err error
	if cfg.LogLevel, err = parseLevel(firstNonEmpty(os.Getenv("LOG_LEVEL"), raw.Log.Level, "info")); err != nil {
		return nil, err
	}
	if cfg.DedupTTL, err = parseDuration("redis.dedup_ttl", raw.Redis.DedupTTL, 72*time.Hour); err != nil {
		return nil, err
	}
	if cfg.SubjectWindow, err = parseDuration("threading.subject_window", raw.Threading.SubjectWindow, 7*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.FetchTimeout, err = parseDuration("threading.fetch_timeout", raw.Threading.FetchTimeout, 15*time.Second); err != nil {
		return nil, err
	}

	cfg.Providers = ProvidersConfig{
		Mailgun:  provider(raw.Providers.Mailgun, raw.Providers.Mailgun.SigningKey),
		Resend:   provider(raw.Providers.Resend, raw.Providers.Resend.WebhookSecret),
		SendGrid: provider(raw.Providers.SendGrid, raw.Providers.SendGrid.PublicKey),
		SES:      provider(raw.Providers.SES, ""),
	}
	if cfg.Providers.Mailgun.Tolerance, err = parseDuration("providers.mailgun.tolerance", raw.Providers.Mailgun.Tolerance, 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Providers.Resend.Tolerance, err = parseDuration("providers.resend.tolerance", raw.Providers.Resend.Tolerance, 5*time.Minute); err != nil {
		return nil, err
	}

	for _, in := range raw.Inboxes {
		email := strings.ToLower(strings.TrimSpace(in.Email))
		if email == "" {
			// Skip inboxes left empty by unset environment variables.
			continue
		}
		cfg.Inboxes = append(cfg.Inboxes, InboxConfig{Email: email, Name: in.Name})
	}

	for i, m := range raw.Mailboxes {
		mc := MailboxConfig{
			Name:     firstNonEmpty(m.Name, m.Username),
			Host:     m.Host,
			Port:     m.Port,
			Security: firstNonEmpty(strings.ToLower(m.Security), "tls"),
			Username: m.Username,
			Password: m.Password,
			Folder:   firstNonEmpty(m.Folder, "INBOX"),
		}
		if mc.Port == 0 {
			mc.Port = 993
			if mc.Security != "tls" {
				mc.Port = 143
			}
		}
		if mc.Interval, err = parseDuration(fmt.Sprintf("mailboxes[%d].interval", i), m.Interval, 60*time.Second); err != nil {
			return nil, err
		}
		if m.OAuth != nil {
			mc.OAuth = &OAuthConfig{
				TokenURL:     m.OAuth.TokenURL,
				ClientID:     m.OAuth.ClientID,
				ClientSecret: m.OAuth.ClientSecret,
				Scopes:       m.OAuth.Scopes,
			}
		}
		cfg.Mailboxes = append(cfg.Mailboxes, mc)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provider(raw rawProvider, secret string) ProviderConfig {
	return ProviderConfig{
		Enabled:          raw.Enabled,
		Verification:     firstNonEmpty(strings.ToLower(raw.Verification), VerificationRequired),
		Secret:           strings.TrimSpace(secret),
		APIKey:           strings.TrimSpace(raw.APIKey),
		BaseURL:          raw.BaseURL,
		AllowedTopicARNs: raw.AllowedTopicARNs,
		CertCacheSize:    orDefault(raw.CertCacheSize, 10),
	}
}

// Validate checks cross-field constraints. Every failure is a
// ConfigurationError.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return &ConfigurationError{Field: "database.url", Reason: "required for the postgres driver"}
		}
	case "memory":
	default:
		return &ConfigurationError{Field: "database.driver", Reason: fmt.Sprintf("unknown driver %q", c.DatabaseDriver)}
	}

	switch c.LogFormat {
	case "json", "text":
	default:
		return &ConfigurationError{Field: "log.format", Reason: fmt.Sprintf("unknown format %q", c.LogFormat)}
	}

	for name, p := range map[string]ProviderConfig{
		"mailgun":  c.Providers.Mailgun,
		"resend":   c.Providers.Resend,
		"sendgrid": c.Providers.SendGrid,
		"ses":      c.Providers.SES,
	} {
		if !p.Enabled {
			continue
		}
		if p.Verification != VerificationRequired && p.Verification != VerificationOptional {
			return &ConfigurationError{Field: "providers." + name + ".verification", Reason: fmt.Sprintf("must be required or optional, got %q", p.Verification)}
		}
		// SES verification fetches its certificate per delivery.
		if name != "ses" && p.Required() && p.Secret == "" {
			return &ConfigurationError{Field: "providers." + name, Reason: "verification is required but no secret or key is configured"}
		}
	}

	for _, field := range []struct {
		name     string
		patterns []string
	}{{"policy.allowlist", c.Allowlist}, {"policy.blocklist", c.Blocklist}} {
		for _, p := range field.patterns {
			if _, err := regexp.Compile(p); err != nil {
				return &ConfigurationError{Field: field.name, Reason: fmt.Sprintf("invalid pattern %q: %v", p, err)}
			}
		}
	}

	switch c.AttachmentBackend {
	case "local":
		if c.AttachmentDir == "" {
			return &ConfigurationError{Field: "attachments.dir", Reason: "required for the local backend"}
		}
	case "none":
	default:
		return &ConfigurationError{Field: "attachments.backend", Reason: fmt.Sprintf("unknown backend %q", c.AttachmentBackend)}
	}

	for i, m := range c.Mailboxes {
		field := fmt.Sprintf("mailboxes[%d]", i)
		if m.Host == "" || m.Username == "" {
			return &ConfigurationError{Field: field, Reason: "host and username are required"}
		}
		switch m.Security {
		case "tls", "starttls", "none":
		default:
			return &ConfigurationError{Field: field + ".security", Reason: fmt.Sprintf("unknown mode %q", m.Security)}
		}
		if m.OAuth == nil && m.Password == "" {
			return &ConfigurationError{Field: field, Reason: "password or oauth is required"}
		}
		if m.OAuth != nil && (m.OAuth.TokenURL == "" || m.OAuth.ClientID == "") {
			return &ConfigurationError{Field: field + ".oauth", Reason: "token_url and client_id are required"}
		}
	}

	if c.SMTP.Enabled && (c.SMTP.Username == "") != (c.SMTP.Password == "") {
		return &ConfigurationError{Field: "smtp", Reason: "username and password must be set together"}
	}
	return nil
}

// OutboundEnabled reports whether SES credentials are configured.
func (c *Config) OutboundEnabled() bool {
	return c.Outbound.Region != "" && c.Outbound.AccessKeyID != "" && c.Outbound.SecretAccessKey != ""
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, &ConfigurationError{Field: "log.level", Reason: fmt.Sprintf("unknown level %q", s)}
	}
	return level, nil
}

func parseDuration(field, value string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || d <= 0 {
		return 0, &ConfigurationError{Field: field, Reason: fmt.Sprintf("invalid duration %q", value)}
	}
	return d, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func orDefault(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
