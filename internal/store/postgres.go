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

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/DataCovey/nornweave-sub000/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// PostgresStore implements Store on top of a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store backed by the given pool and ensures the
// schema exists.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure mail schema: %w", err)
	}
	slog.Info("postgres store initialised")
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS inboxes (
			id         TEXT PRIMARY KEY,
			email      TEXT NOT NULL UNIQUE,
			name       TEXT DEFAULT '',
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS threads (
			id                 TEXT PRIMARY KEY,
			inbox_id           TEXT NOT NULL REFERENCES inboxes(id),
			subject            TEXT DEFAULT '',
			normalized_subject TEXT DEFAULT '',
			participant_hash   TEXT DEFAULT '',
			participants       TEXT[] DEFAULT '{}',
			last_message_at    TIMESTAMPTZ NOT NULL,
			message_count      INTEGER DEFAULT 0,
			preview            TEXT DEFAULT '',
			created_at         TIMESTAMPTZ DEFAULT NOW(),
			updated_at         TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_threads_subject
			ON threads(inbox_id, normalized_subject, last_message_at DESC);
		CREATE TABLE IF NOT EXISTS messages (
			id                  TEXT PRIMARY KEY,
			thread_id           TEXT NOT NULL,
			inbox_id            TEXT NOT NULL REFERENCES inboxes(id),
			direction           TEXT NOT NULL,
			provider_message_id TEXT,
			subject             TEXT DEFAULT '',
			from_address        TEXT DEFAULT '',
			to_addresses        TEXT[] DEFAULT '{}',
			cc_addresses        TEXT[] DEFAULT '{}',
			bcc_addresses       TEXT[] DEFAULT '{}',
			in_reply_to         TEXT DEFAULT '',
			reference_ids       TEXT[] DEFAULT '{}',
			headers             JSONB DEFAULT '{}',
			text_body           TEXT DEFAULT '',
			html_body           TEXT DEFAULT '',
			clean_text          TEXT DEFAULT '',
			clean_html          TEXT DEFAULT '',
			preview             TEXT DEFAULT '',
			spf                 TEXT DEFAULT '',
			dkim                TEXT DEFAULT '',
			dmarc               TEXT DEFAULT '',
			size                INTEGER DEFAULT 0,
			sent_at             TIMESTAMPTZ,
			created_at          TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_provider_id
			ON messages(inbox_id, provider_message_id)
			WHERE provider_message_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id);
		CREATE TABLE IF NOT EXISTS attachments (
			id              TEXT PRIMARY KEY,
			message_id      TEXT NOT NULL REFERENCES messages(id),
			filename        TEXT DEFAULT '',
			content_type    TEXT DEFAULT '',
			disposition     TEXT DEFAULT 'attachment',
			content_id      TEXT DEFAULT '',
			size            BIGINT DEFAULT 0,
			content_hash    TEXT DEFAULT '',
			storage_backend TEXT DEFAULT '',
			storage_key     TEXT DEFAULT '',
			created_at      TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id);
	`)
	return err
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) GetInboxByEmail(ctx context.Context, email string) (*models.Inbox, error) {
	var in models.Inbox
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, name, created_at FROM inboxes WHERE email = $1
	`, strings.ToLower(strings.TrimSpace(email))).Scan(&in.ID, &in.Email, &in.Name, &in.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get inbox: %w", err)
	}
	return &in, nil
}

func (s *PostgresStore) UpsertInbox(ctx context.Context, inbox *models.Inbox) error {
	if inbox.ID == "" {
		inbox.ID = uuid.NewString()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO inboxes (id, email, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, created_at
	`, inbox.ID, strings.ToLower(strings.TrimSpace(inbox.Email)), inbox.Name).Scan(&inbox.ID, &inbox.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert inbox: %w", err)
	}
	return nil
}

const messageColumns = `
	id, thread_id, inbox_id, direction, COALESCE(provider_message_id, ''),
	subject, from_address, to_addresses, cc_addresses, bcc_addresses,
	in_reply_to, reference_ids, headers, text_body, html_body, clean_text,
	clean_html, preview, spf, dkim, dmarc, size, sent_at, created_at`

func (s *PostgresStore) GetMessageByProviderID(ctx context.Context, inboxID, providerMessageID string) (*models.Message, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+`
		FROM messages WHERE inbox_id = $1 AND provider_message_id = $2
	`, inboxID, providerMessageID)
	return scanMessage(row)
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	return scanMessage(row)
}

// CreateMessage inserts a message. A unique violation on the provider id
// index is reported as ErrDuplicate.
func (s *PostgresStore) CreateMessage(ctx context.Context, m *models.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	var providerID *string
	if m.ProviderMessageID != "" {
		providerID = &m.ProviderMessageID
	}
	var sentAt *time.Time
	if !m.SentAt.IsZero() {
		sentAt = &m.SentAt
	}
	headers := map[string]string(m.Headers)
	if headers == nil {
		headers = map[string]string{}
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (
			id, thread_id, inbox_id, direction, provider_message_id,
			subject, from_address, to_addresses, cc_addresses, bcc_addresses,
			in_reply_to, reference_ids, headers, text_body, html_body,
			clean_text, clean_html, preview, spf, dkim, dmarc, size, sent_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23
		) RETURNING created_at
	`,
		m.ID, m.ThreadID, m.InboxID, string(m.Direction), providerID,
		m.Subject, m.From, nonNil(m.To), nonNil(m.CC), nonNil(m.BCC),
		m.InReplyTo, nonNil(m.References), headers, m.Text, m.HTML,
		m.CleanText, m.CleanHTML, m.Preview, string(m.SPF), string(m.DKIM), string(m.DMARC),
		m.Size, sentAt,
	).Scan(&m.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

const threadColumns = `
	id, inbox_id, subject, normalized_subject, participant_hash, participants,
	last_message_at, message_count, preview, created_at, updated_at`

func (s *PostgresStore) FindThreadBySubject(ctx context.Context, inboxID, normalizedSubject string, from, to time.Time) (*models.Thread, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+threadColumns+`
		FROM threads
		WHERE inbox_id = $1 AND normalized_subject = $2
		  AND last_message_at BETWEEN $3 AND $4
		ORDER BY last_message_at DESC
		LIMIT 1
	`, inboxID, normalizedSubject, from, to)
	return scanThread(row)
}

func (s *PostgresStore) CreateThread(ctx context.Context, t *models.Thread) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO threads (
			id, inbox_id, subject, normalized_subject, participant_hash,
			participants, last_message_at, message_count, preview
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, t.ID, t.InboxID, t.Subject, t.NormalizedSubject, t.ParticipantHash,
		nonNil(t.Participants), t.LastMessageAt, t.MessageCount, t.Preview,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = $1`, id)
	return scanThread(row)
}

// TouchThread applies a ThreadTouch in one UPDATE so concurrent messages
// on the same thread never overwrite each other's counts.
func (s *PostgresStore) TouchThread(ctx context.Context, id string, touch ThreadTouch) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE threads
		SET message_count   = message_count + 1,
		    preview         = CASE WHEN $3::text <> '' AND $2 >= last_message_at
		                           THEN $3::text ELSE preview END,
		    last_message_at = GREATEST(last_message_at, $2),
		    participants    = CASE WHEN $4::text = '' OR $4::text = ANY(participants)
		                           THEN participants
		                           ELSE array_append(participants, $4::text) END,
		    updated_at      = NOW()
		WHERE id = $1
	`, id, touch.At, touch.Preview, touch.Participant)
	if err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteThreadIfEmpty(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM threads
		WHERE id = $1
		  AND NOT EXISTS (SELECT 1 FROM messages WHERE thread_id = $1)
	`, id)
	if err != nil {
		return false, fmt.Errorf("delete thread: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) CreateAttachment(ctx context.Context, a *models.Attachment) (string, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO attachments (
			id, message_id, filename, content_type, disposition, content_id,
			size, content_hash, storage_backend, storage_key
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`, a.ID, a.MessageID, a.Filename, a.ContentType, string(a.Disposition), a.ContentID,
		a.Size, a.ContentHash, a.StorageBackend, a.StorageKey,
	).Scan(&a.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("insert attachment: %w", err)
	}
	return a.ID, nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, messageID string) ([]models.Attachment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, message_id, filename, content_type, disposition, content_id,
		       size, content_hash, storage_backend, storage_key, created_at
		FROM attachments
		WHERE message_id = $1
		ORDER BY created_at
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var out []models.Attachment
	for rows.Next() {
		var a models.Attachment
		var disposition string
		if err := rows.Scan(
			&a.ID, &a.MessageID, &a.Filename, &a.ContentType, &disposition, &a.ContentID,
			&a.Size, &a.ContentHash, &a.StorageBackend, &a.StorageKey, &a.CreatedAt,
		); err != nil {
			return nil, err
		}
		a.Disposition = models.Disposition(disposition)
		out = append(out, a)
	}
	return out, rows.Err()
}

// scanMessage scans a single row into a Message.
func scanMessage(row pgx.Row) (*models.Message, error) {
	var (
		m                models.Message
		direction        string
		spf, dkim, dmarc string
		headers          map[string]string
		sentAt           *time.Time
	)
	err := row.Scan(
		&m.ID, &m.ThreadID, &m.InboxID, &direction, &m.ProviderMessageID,
		&m.Subject, &m.From, &m.To, &m.CC, &m.BCC,
		&m.InReplyTo, &m.References, &headers, &m.Text, &m.HTML, &m.CleanText,
		&m.CleanHTML, &m.Preview, &spf, &dkim, &dmarc, &m.Size, &sentAt, &m.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.Direction = models.Direction(direction)
	m.SPF, m.DKIM, m.DMARC = models.Verdict(spf), models.Verdict(dkim), models.Verdict(dmarc)
	m.Headers = models.Headers(headers)
	if sentAt != nil {
		m.SentAt = *sentAt
	}
	return &m, nil
}

// scanThread scans a single row into a Thread.
func scanThread(row pgx.Row) (*models.Thread, error) {
	var t models.Thread
	err := row.Scan(
		&t.ID, &t.InboxID, &t.Subject, &t.NormalizedSubject, &t.ParticipantHash, &t.Participants,
		&t.LastMessageAt, &t.MessageCount, &t.Preview, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
