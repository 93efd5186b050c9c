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

// Package store provides the Postgres-backed persistence layer: invoices,
// email account credentials, and the per-message processing log. Lookups
// that find nothing return (nil, nil), not an error.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ledgerbird/ingestion/internal/models"
)

// ErrDuplicateIdentity is returned by Insert when the invoice identity
// index rejects the row. Concurrent ingestion of the same document can slip
// past the read-side duplicate check; the index is the backstop.
var ErrDuplicateIdentity = errors.New("invoice with identical identity already exists")

const invoiceColumns = `
	id, owner_id, invoice_number, vendor_name, amount_due, due_date,
	invoice_date, currency_code, confidence_score, original_filename,
	file_size, file_type, status, processing_error, extracted_text, notes,
	created_at, updated_at`

// InvoiceStore provides CRUD and duplicate-lookup operations for invoices.
type InvoiceStore struct {
	pool *pgxpool.Pool
}

// NewInvoiceStore creates an invoice store backed by the given Postgres
// pool. It ensures the invoices table exists on creation.
func NewInvoiceStore(ctx context.Context, pool *pgxpool.Pool) (*InvoiceStore, error) {
	s := &InvoiceStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure invoice schema: %w", err)
	}
	slog.Info("invoice store initialised")
	return s, nil
}

func (s *InvoiceStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS invoices (
			id                TEXT PRIMARY KEY,
			owner_id          TEXT NOT NULL,
			invoice_number    TEXT,
			vendor_name       TEXT,
			amount_due        NUMERIC(14,2),
			due_date          DATE,
			invoice_date      DATE,
			currency_code     TEXT NOT NULL DEFAULT 'USD',
			confidence_score  DOUBLE PRECISION NOT NULL DEFAULT 0,
			original_filename TEXT NOT NULL DEFAULT '',
			file_size         BIGINT NOT NULL DEFAULT 0,
			file_type         TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL DEFAULT 'pending',
			processing_error  TEXT,
			extracted_text    TEXT,
			notes             TEXT,
			created_at        TIMESTAMPTZ DEFAULT NOW(),
			updated_at        TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_invoices_owner ON invoices(owner_id);
		CREATE INDEX IF NOT EXISTS idx_invoices_status ON invoices(owner_id, status);
		CREATE INDEX IF NOT EXISTS idx_invoices_filename ON invoices(owner_id, original_filename);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_identity
			ON invoices(owner_id, invoice_number, vendor_name, amount_due, invoice_date)
			WHERE invoice_number IS NOT NULL
			  AND vendor_name IS NOT NULL
			  AND amount_due IS NOT NULL
			  AND invoice_date IS NOT NULL;
	`)
	return err
}

// Insert persists a new invoice. ID and timestamps are assigned here.
func (s *InvoiceStore) Insert(ctx context.Context, inv *models.Invoice) error {
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	inv.CreatedAt = now
	inv.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO invoices
			(id, owner_id, invoice_number, vendor_name, amount_due, due_date,
			 invoice_date, currency_code, confidence_score, original_filename,
			 file_size, file_type, status, processing_error, extracted_text,
			 notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, inv.ID, inv.OwnerID, inv.InvoiceNumber, inv.VendorName, nullDecimal(inv.AmountDue),
		inv.DueDate, inv.InvoiceDate, inv.Currency, inv.Confidence, inv.OriginalFilename,
		inv.FileSize, inv.FileType, inv.Status, inv.ProcessingError, inv.ExtractedText,
		inv.Notes, inv.CreatedAt, inv.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateIdentity
	}
	return err
}

// Get retrieves a single invoice scoped to its owner.
func (s *InvoiceStore) Get(ctx context.Context, ownerID, id string) (*models.Invoice, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE owner_id = $1 AND id = $2
	`, ownerID, id)
	return scanInvoice(row)
}

// FindByExactTuple looks for an invoice matching all four identity fields.
func (s *InvoiceStore) FindByExactTuple(ctx context.Context, ownerID, invoiceNumber, vendorName string, amount decimal.Decimal, invoiceDate time.Time) (*models.Invoice, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE owner_id = $1
		  AND invoice_number = $2
		  AND vendor_name = $3
		  AND amount_due = $4
		  AND invoice_date = $5
		LIMIT 1
	`, ownerID, invoiceNumber, vendorName, amount, invoiceDate)
	return scanInvoice(row)
}

// FindByFilename returns the owner's invoices ingested from a file of the
// same name, newest first. The caller decides whether amounts also match.
func (s *InvoiceStore) FindByFilename(ctx context.Context, ownerID, filename string) ([]models.Invoice, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE owner_id = $1 AND original_filename = $2
		ORDER BY created_at DESC
	`, ownerID, filename)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInvoices(rows)
}

// FindByPartialTuple looks for an invoice matching vendor, amount, and
// invoice date. Catches re-sent documents whose invoice number the model
// missed on one of the passes.
func (s *InvoiceStore) FindByPartialTuple(ctx context.Context, ownerID, vendorName string, amount decimal.Decimal, invoiceDate time.Time) (*models.Invoice, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE owner_id = $1
		  AND vendor_name = $2
		  AND amount_due = $3
		  AND invoice_date = $4
		LIMIT 1
	`, ownerID, vendorName, amount, invoiceDate)
	return scanInvoice(row)
}

// List returns a page of the owner's invoices plus the unpaged total.
func (s *InvoiceStore) List(ctx context.Context, ownerID string, filter models.InvoiceFilter, limit, offset int) ([]models.Invoice, int, error) {
	where := []string{"owner_id = $1"}
	args := []any{ownerID}

	if filter.Status != nil {
		args = append(args, *filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.VendorName != "" {
		args = append(args, "%"+filter.VendorName+"%")
		where = append(where, fmt.Sprintf("vendor_name ILIKE $%d", len(args)))
	}

	cond := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM invoices WHERE "+cond, args...,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s
		FROM invoices
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, invoiceColumns, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	invoices, err := collectInvoices(rows)
	if err != nil {
		return nil, 0, err
	}
	return invoices, total, nil
}

// Update applies a patch to an existing invoice. Nil patch fields are left
// unchanged.
func (s *InvoiceStore) Update(ctx context.Context, ownerID, id string, patch models.InvoicePatch) (*models.Invoice, error) {
	set := []string{"updated_at = NOW()"}
	args := []any{ownerID, id}

	add := func(col string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if patch.InvoiceNumber != nil {
		add("invoice_number", *patch.InvoiceNumber)
	}
	if patch.VendorName != nil {
		add("vendor_name", *patch.VendorName)
	}
	if patch.AmountDue != nil {
		add("amount_due", *patch.AmountDue)
	}
	if patch.DueDate != nil {
		add("due_date", *patch.DueDate)
	}
	if patch.InvoiceDate != nil {
		add("invoice_date", *patch.InvoiceDate)
	}
	if patch.Currency != nil {
		add("currency_code", *patch.Currency)
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.Notes != nil {
		add("notes", *patch.Notes)
	}

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE invoices
		SET %s
		WHERE owner_id = $1 AND id = $2
		RETURNING %s
	`, strings.Join(set, ", "), invoiceColumns), args...)
	return scanInvoice(row)
}

// MarkFailed records a processing failure against an invoice.
func (s *InvoiceStore) MarkFailed(ctx context.Context, ownerID, id, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE invoices
		SET status = $1, processing_error = $2, updated_at = NOW()
		WHERE owner_id = $3 AND id = $4
	`, models.StatusFailed, errMsg, ownerID, id)
	return err
}

// Delete removes an invoice.
func (s *InvoiceStore) Delete(ctx context.Context, ownerID, id string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM invoices WHERE owner_id = $1 AND id = $2
	`, ownerID, id)
	return err
}

// Stats aggregates the owner's invoices by status.
func (s *InvoiceStore) Stats(ctx context.Context, ownerID string) (*models.InvoiceStats, error) {
	var st models.InvoiceStats
	var totalValue decimal.NullDecimal
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'needs_review'),
			COUNT(*) FILTER (WHERE status = 'approved'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COALESCE(SUM(amount_due), 0)
		FROM invoices
		WHERE owner_id = $1
	`, ownerID).Scan(&st.Total, &st.Pending, &st.NeedsReview, &st.Approved, &st.Failed, &totalValue)
	if err != nil {
		return nil, err
	}
	if totalValue.Valid {
		st.TotalValue = totalValue.Decimal
	}
	return &st, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// scanInvoice scans a single row into an Invoice.
func scanInvoice(row pgx.Row) (*models.Invoice, error) {
	var inv models.Invoice
	var amount decimal.NullDecimal
	err := row.Scan(
		&inv.ID, &inv.OwnerID, &inv.InvoiceNumber, &inv.VendorName, &amount,
		&inv.DueDate, &inv.InvoiceDate, &inv.Currency, &inv.Confidence,
		&inv.OriginalFilename, &inv.FileSize, &inv.FileType, &inv.Status,
		&inv.ProcessingError, &inv.ExtractedText, &inv.Notes,
		&inv.CreatedAt, &inv.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if amount.Valid {
		inv.AmountDue = &amount.Decimal
	}
	return &inv, nil
}

// collectInvoices scans multiple rows into a slice of Invoices.
func collectInvoices(rows pgx.Rows) ([]models.Invoice, error) {
	var invoices []models.Invoice
	for rows.Next() {
		var inv models.Invoice
		var amount decimal.NullDecimal
		if err := rows.Scan(
			&inv.ID, &inv.OwnerID, &inv.InvoiceNumber, &inv.VendorName, &amount,
			&inv.DueDate, &inv.InvoiceDate, &inv.Currency, &inv.Confidence,
			&inv.OriginalFilename, &inv.FileSize, &inv.FileType, &inv.Status,
			&inv.ProcessingError, &inv.ExtractedText, &inv.Notes,
			&inv.CreatedAt, &inv.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if amount.Valid {
			inv.AmountDue = &amount.Decimal
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}
