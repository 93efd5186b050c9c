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
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerbird/ingestion/internal/models"
)

const accountColumns = `
	id, owner_id, email_address, provider, oauth_token, oauth_token_expiry,
	imap_server, imap_port, imap_username, imap_password, use_ssl,
	folder_to_watch, mark_as_read, polling_enabled, polling_interval_minutes,
	last_poll_time, last_poll_status, last_error, is_active,
	created_at, updated_at`

// AccountStore provides CRUD operations for email account records. Secret
// columns (oauth_token, imap_password) hold ciphertext; encryption happens
// in the secrets package before values reach this store.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore creates an account store backed by the given Postgres
// pool. It ensures the email_accounts table exists on creation.
func NewAccountStore(ctx context.Context, pool *pgxpool.Pool) (*AccountStore, error) {
	s := &AccountStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure account schema: %w", err)
	}
	slog.Info("account store initialised")
	return s, nil
}

func (s *AccountStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS email_accounts (
			id                       TEXT PRIMARY KEY,
			owner_id                 TEXT NOT NULL,
			email_address            TEXT NOT NULL,
			provider                 TEXT NOT NULL,
			oauth_token              TEXT,
			oauth_token_expiry       TIMESTAMPTZ,
			imap_server              TEXT,
			imap_port                INTEGER NOT NULL DEFAULT 993,
			imap_username            TEXT,
			imap_password            TEXT,
			use_ssl                  BOOLEAN NOT NULL DEFAULT TRUE,
			folder_to_watch          TEXT NOT NULL DEFAULT 'INBOX',
			mark_as_read             BOOLEAN NOT NULL DEFAULT TRUE,
			polling_enabled          BOOLEAN NOT NULL DEFAULT TRUE,
			polling_interval_minutes INTEGER NOT NULL DEFAULT 15,
			last_poll_time           TIMESTAMPTZ,
			last_poll_status         TEXT,
			last_error               TEXT,
			is_active                BOOLEAN NOT NULL DEFAULT TRUE,
			created_at               TIMESTAMPTZ DEFAULT NOW(),
			updated_at               TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(owner_id, email_address)
		);
		CREATE INDEX IF NOT EXISTS idx_accounts_owner ON email_accounts(owner_id);
		CREATE INDEX IF NOT EXISTS idx_accounts_pollable
			ON email_accounts(is_active, polling_enabled);
	`)
	return err
}

// Upsert inserts or updates an account keyed on (owner_id, email_address).
func (s *AccountStore) Upsert(ctx context.Context, a *models.EmailAccount) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_accounts
			(id, owner_id, email_address, provider, oauth_token, oauth_token_expiry,
			 imap_server, imap_port, imap_username, imap_password, use_ssl,
			 folder_to_watch, mark_as_read, polling_enabled, polling_interval_minutes,
			 is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (owner_id, email_address) DO UPDATE SET
			provider                 = EXCLUDED.provider,
			oauth_token              = EXCLUDED.oauth_token,
			oauth_token_expiry       = EXCLUDED.oauth_token_expiry,
			imap_server              = EXCLUDED.imap_server,
			imap_port                = EXCLUDED.imap_port,
			imap_username            = EXCLUDED.imap_username,
			imap_password            = EXCLUDED.imap_password,
			use_ssl                  = EXCLUDED.use_ssl,
			folder_to_watch          = EXCLUDED.folder_to_watch,
			mark_as_read             = EXCLUDED.mark_as_read,
			polling_enabled          = EXCLUDED.polling_enabled,
			polling_interval_minutes = EXCLUDED.polling_interval_minutes,
			is_active                = EXCLUDED.is_active,
			updated_at               = NOW()
	`, a.ID, a.OwnerID, a.EmailAddress, a.Provider, a.OAuthToken, a.OAuthTokenExpiry,
		a.IMAPServer, a.IMAPPort, a.IMAPUsername, a.IMAPPassword, a.UseSSL,
		a.FolderToWatch, a.MarkAsRead, a.PollingEnabled, a.PollingIntervalMinutes,
		a.IsActive)
	return err
}

// Get retrieves a single account by ID.
func (s *AccountStore) Get(ctx context.Context, id string) (*models.EmailAccount, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM email_accounts
		WHERE id = $1
	`, id)
	return scanAccount(row)
}

// ListByOwner returns all of an owner's accounts.
func (s *AccountStore) ListByOwner(ctx context.Context, ownerID string) ([]models.EmailAccount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+accountColumns+`
		FROM email_accounts
		WHERE owner_id = $1
		ORDER BY email_address
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAccounts(rows)
}

// ListPollable returns all active accounts with polling enabled. The worker
// applies the per-account interval on top of this.
func (s *AccountStore) ListPollable(ctx context.Context) ([]models.EmailAccount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+accountColumns+`
		FROM email_accounts
		WHERE is_active AND polling_enabled
		ORDER BY last_poll_time NULLS FIRST
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAccounts(rows)
}

// RecordPollResult stamps the outcome of a completed poll cycle.
func (s *AccountStore) RecordPollResult(ctx context.Context, id, status string, errMsg *string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE email_accounts
		SET last_poll_time = $1, last_poll_status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $4
	`, at, status, errMsg, id)
	return err
}

// SaveOAuthToken persists a refreshed, re-encrypted OAuth token blob.
func (s *AccountStore) SaveOAuthToken(ctx context.Context, id, encToken string, expiry *time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE email_accounts
		SET oauth_token = $1, oauth_token_expiry = $2, updated_at = NOW()
		WHERE id = $3
	`, encToken, expiry, id)
	return err
}

// SetActive enables or disables an account.
func (s *AccountStore) SetActive(ctx context.Context, id string, active bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE email_accounts
		SET is_active = $1, updated_at = NOW()
		WHERE id = $2
	`, active, id)
	return err
}

// scanAccount scans a single row into an EmailAccount.
func scanAccount(row pgx.Row) (*models.EmailAccount, error) {
	var a models.EmailAccount
	err := row.Scan(
		&a.ID, &a.OwnerID, &a.EmailAddress, &a.Provider, &a.OAuthToken,
		&a.OAuthTokenExpiry, &a.IMAPServer, &a.IMAPPort, &a.IMAPUsername,
		&a.IMAPPassword, &a.UseSSL, &a.FolderToWatch, &a.MarkAsRead,
		&a.PollingEnabled, &a.PollingIntervalMinutes, &a.LastPollTime,
		&a.LastPollStatus, &a.LastError, &a.IsActive, &a.CreatedAt, &a.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// collectAccounts scans multiple rows into a slice of EmailAccounts.
func collectAccounts(rows pgx.Rows) ([]models.EmailAccount, error) {
	var accounts []models.EmailAccount
	for rows.Next() {
		var a models.EmailAccount
		if err := rows.Scan(
			&a.ID, &a.OwnerID, &a.EmailAddress, &a.Provider, &a.OAuthToken,
			&a.OAuthTokenExpiry, &a.IMAPServer, &a.IMAPPort, &a.IMAPUsername,
			&a.IMAPPassword, &a.UseSSL, &a.FolderToWatch, &a.MarkAsRead,
			&a.PollingEnabled, &a.PollingIntervalMinutes, &a.LastPollTime,
			&a.LastPollStatus, &a.LastError, &a.IsActive, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}
