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

const logColumns = `
	id, owner_id, account_id, message_id, subject, sender, message_date,
	attachments_found, attachments_processed, invoices_created,
	status, error_message, processed_at`

// LogStore provides append and lookup operations for the processing log.
// Rows are append-only: the durable idempotence record for mailbox polling.
type LogStore struct {
	pool *pgxpool.Pool
}

// NewLogStore creates a processing log store backed by the given Postgres
// pool. It ensures the processing_log table exists on creation.
func NewLogStore(ctx context.Context, pool *pgxpool.Pool) (*LogStore, error) {
	s := &LogStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure processing log schema: %w", err)
	}
	slog.Info("processing log store initialised")
	return s, nil
}

func (s *LogStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS processing_log (
			id                    TEXT PRIMARY KEY,
			owner_id              TEXT NOT NULL,
			account_id            TEXT NOT NULL,
			message_id            TEXT NOT NULL,
			subject               TEXT NOT NULL DEFAULT '',
			sender                TEXT NOT NULL DEFAULT '',
			message_date          TIMESTAMPTZ NOT NULL,
			attachments_found     INTEGER NOT NULL DEFAULT 0,
			attachments_processed INTEGER NOT NULL DEFAULT 0,
			invoices_created      INTEGER NOT NULL DEFAULT 0,
			status                TEXT NOT NULL,
			error_message         TEXT,
			processed_at          TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_proclog_message
			ON processing_log(account_id, message_id);
		CREATE INDEX IF NOT EXISTS idx_proclog_owner
			ON processing_log(owner_id, processed_at);
	`)
	return err
}

// HasSuccess reports whether this (account, message) pair already has a
// success or partial row. Failed rows do not count: a failed message is
// eligible for another attempt.
func (s *LogStore) HasSuccess(ctx context.Context, accountID, messageID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM processing_log
			WHERE account_id = $1 AND message_id = $2
			  AND status IN ($3, $4)
		)
	`, accountID, messageID, models.LogStatusSuccess, models.LogStatusPartial).Scan(&exists)
	return exists, err
}

// Append writes a new processing log row.
func (s *LogStore) Append(ctx context.Context, entry *models.ProcessingLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.ProcessedAt.IsZero() {
		entry.ProcessedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processing_log
			(id, owner_id, account_id, message_id, subject, sender, message_date,
			 attachments_found, attachments_processed, invoices_created,
			 status, error_message, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, entry.ID, entry.OwnerID, entry.AccountID, entry.MessageID, entry.Subject,
		entry.Sender, entry.MessageDate, entry.AttachmentsFound,
		entry.AttachmentsProcessed, entry.InvoicesCreated, entry.Status,
		entry.ErrorMessage, entry.ProcessedAt)
	return err
}

// ListRecent returns an owner's latest processing log rows.
func (s *LogStore) ListRecent(ctx context.Context, ownerID string, limit int) ([]models.ProcessingLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+logColumns+`
		FROM processing_log
		WHERE owner_id = $1
		ORDER BY processed_at DESC
		LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLogs(rows)
}

// collectLogs scans multiple rows into a slice of ProcessingLogs.
func collectLogs(rows pgx.Rows) ([]models.ProcessingLog, error) {
	var entries []models.ProcessingLog
	for rows.Next() {
		var e models.ProcessingLog
		if err := rows.Scan(
			&e.ID, &e.OwnerID, &e.AccountID, &e.MessageID, &e.Subject,
			&e.Sender, &e.MessageDate, &e.AttachmentsFound,
			&e.AttachmentsProcessed, &e.InvoicesCreated, &e.Status,
			&e.ErrorMessage, &e.ProcessedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
