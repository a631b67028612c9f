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

package mailbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/DataCovey/nornweave-sub000/internal/config"
)

// Session is one authenticated IMAP connection with a folder selected.
type Session interface {
	// Search returns the UIDs to ingest. A zero since means no date bound.
	Search(ctx context.Context, since time.Time, unseenOnly bool) ([]imap.UID, error)
	// Fetch returns the raw RFC 822 bytes without setting \Seen.
	Fetch(ctx context.Context, uid imap.UID) ([]byte, error)
	MarkSeen(ctx context.Context, uid imap.UID) error
	Close() error
}

// Dialer opens a Session.
type Dialer func(ctx context.Context) (Session, error)

// TokenSource returns a client credentials token source, or nil when the
// mailbox authenticates with a password.
func TokenSource(ctx context.Context, oauth *config.OAuthConfig) oauth2.TokenSource {
	if oauth == nil {
		return nil
	}
	creds := &clientcredentials.Config{
		ClientID:     oauth.ClientID,
		ClientSecret: oauth.ClientSecret,
		TokenURL:     oauth.TokenURL,
		Scopes:       oauth.Scopes,
	}
	return creds.TokenSource(ctx)
}

// NewIMAPDialer dials the configured server, authenticates with LOGIN or,
// when tokens is set, OAUTHBEARER, and selects the folder.
func NewIMAPDialer(cfg config.MailboxConfig, tokens oauth2.TokenSource) Dialer {
	return func(ctx context.Context) (Session, error) {
		addr := cfg.Addr()

		var (
			c   *imapclient.Client
			err error
		)
		switch cfg.Security {
		case "starttls":
			c, err = imapclient.DialStartTLS(addr, nil)
		case "none":
			c, err = imapclient.DialInsecure(addr, nil)
		default:
			c, err = imapclient.DialTLS(addr, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("connect to IMAP %s: %w", addr, err)
		}
		s := &imapSession{c: c}
		s.stop = context.AfterFunc(ctx, func() { c.Close() })

		if err := s.authenticate(cfg, tokens); err != nil {
			s.Close()
			return nil, err
		}
		if _, err := c.Select(cfg.Folder, nil).Wait(); err != nil {
			s.Close()
			return nil, fmt.Errorf("select %s: %w", cfg.Folder, err)
		}
		return s, nil
	}
}

type imapSession struct {
	c    *imapclient.Client
	stop func() bool
}

func (s *imapSession) authenticate(cfg config.MailboxConfig, tokens oauth2.TokenSource) error {
	if tokens == nil {
		if err := s.c.Login(cfg.Username, cfg.Password).Wait(); err != nil {
			return fmt.Errorf("login as %s: %w", cfg.Username, err)
		}
		return nil
	}
	tok, err := tokens.Token()
	if err != nil {
		return fmt.Errorf("oauth token: %w", err)
	}
	bearer := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: cfg.Username,
		Token:    tok.AccessToken,
		Host:     cfg.Host,
		Port:     cfg.Port,
	})
	if err := s.c.Authenticate(bearer); err != nil {
		return fmt.Errorf("oauthbearer as %s: %w", cfg.Username, err)
	}
	return nil
}

func (s *imapSession) Search(_ context.Context, since time.Time, unseenOnly bool) ([]imap.UID, error) {
	criteria := &imap.SearchCriteria{Since: since}
	if unseenOnly {
		criteria.NotFlag = []imap.Flag{imap.FlagSeen}
	}
	data, err := s.c.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return data.AllUIDs(), nil
}

func (s *imapSession) Fetch(_ context.Context, uid imap.UID) ([]byte, error) {
	section := &imap.FetchItemBodySection{Peek: true}
	msgs, err := s.c.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch uid %d: %w", uid, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("fetch uid %d: %w", uid, errMessageGone)
	}
	raw := msgs[0].FindBodySection(section)
	if raw == nil {
		return nil, fmt.Errorf("fetch uid %d: no body returned", uid)
	}
	return raw, nil
}

func (s *imapSession) MarkSeen(_ context.Context, uid imap.UID) error {
	err := s.c.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil).Close()
	if err != nil {
		return fmt.Errorf("mark uid %d seen: %w", uid, err)
	}
	return nil
}

func (s *imapSession) Close() error {
	s.stop()
	logoutErr := s.c.Logout().Wait()
	return errors.Join(logoutErr, s.c.Close())
}

// errMessageGone means the message was expunged between search and fetch.
var errMessageGone = errors.New("message no longer exists")
