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
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/ledgerbird/ingestion/internal/models"
	"github.com/ledgerbird/ingestion/internal/secrets"
)

// TokenStore persists re-encrypted OAuth tokens after a refresh.
type TokenStore interface {
	SaveOAuthToken(ctx context.Context, id, encToken string, expiry *time.Time) error
}

// FactoryConfig carries the cross-account settings a factory needs.
type FactoryConfig struct {
	GoogleClientID     string
	GoogleClientSecret string
	Timeout            time.Duration
}

// Factory builds a connected-ready Client for an account, decrypting its
// stored credentials on the way.
type Factory struct {
	codec  *secrets.Codec
	tokens TokenStore
	cfg    FactoryConfig
}

// NewFactory creates a client factory.
func NewFactory(codec *secrets.Codec, tokens TokenStore, cfg FactoryConfig) *Factory {
	return &Factory{codec: codec, tokens: tokens, cfg: cfg}
}

// ClientFor returns an unconnected Client for the account's provider.
func (f *Factory) ClientFor(_ context.Context, account *models.EmailAccount) (Client, error) {
	switch account.Provider {
	case models.ProviderIMAP:
		return f.imapClient(account)
	case models.ProviderGmailOAuth:
		return f.gmailClient(account)
	default:
		return nil, fmt.Errorf("unknown mailbox provider %q", account.Provider)
	}
}

func (f *Factory) imapClient(account *models.EmailAccount) (Client, error) {
	if account.IMAPServer == nil || account.IMAPUsername == nil || account.IMAPPassword == nil {
		return nil, fmt.Errorf("account %s is missing IMAP settings", account.ID)
	}

	password, err := f.codec.Decrypt(*account.IMAPPassword)
	if err != nil {
		return nil, fmt.Errorf("decrypt IMAP password for %s: %w", account.ID, err)
	}

	return NewIMAPClient(
		*account.IMAPServer,
		account.IMAPPort,
		*account.IMAPUsername,
		password,
		account.UseSSL,
		account.FolderToWatch,
		f.cfg.Timeout,
	), nil
}

func (f *Factory) gmailClient(account *models.EmailAccount) (Client, error) {
	if account.OAuthToken == nil {
		return nil, fmt.Errorf("account %s has no OAuth token", account.ID)
	}

	raw, err := f.codec.Decrypt(*account.OAuthToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt OAuth token for %s: %w", account.ID, err)
	}

	var tok oauth2.Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return nil, fmt.Errorf("parse OAuth token for %s: %w", account.ID, err)
	}

	accountID := account.ID
	saver := func(ctx context.Context, refreshed *oauth2.Token) error {
		blob, err := json.Marshal(refreshed)
		if err != nil {
			return fmt.Errorf("marshal refreshed token: %w", err)
		}
		enc, err := f.codec.Encrypt(string(blob))
		if err != nil {
			return fmt.Errorf("encrypt refreshed token: %w", err)
		}
		var expiry *time.Time
		if !refreshed.Expiry.IsZero() {
			e := refreshed.Expiry.UTC()
			expiry = &e
		}
		return f.tokens.SaveOAuthToken(ctx, accountID, enc, expiry)
	}

	return NewGmailClient(GmailConfig{
		ClientID:     f.cfg.GoogleClientID,
		ClientSecret: f.cfg.GoogleClientSecret,
		Token:        &tok,
		Saver:        saver,
		Timeout:      f.cfg.Timeout,
	}), nil
}
