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

// Package invoices implements the ingestion pipeline: extract, canonicalize,
// validate, duplicate-check, persist. The same pipeline serves mailbox
// attachments and direct uploads.
package invoices

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerbird/ingestion/internal/models"
)

// Duplicate detection strategies, in the order they are tried.
const (
	StrategyExact    = "exact_match"
	StrategyFilename = "filename_amount"
	StrategyPartial  = "partial_match"
)

// DuplicateQuerier is the read side of the invoice store the detector needs.
type DuplicateQuerier interface {
	FindByExactTuple(ctx context.Context, ownerID, invoiceNumber, vendorName string, amount decimal.Decimal, invoiceDate time.Time) (*models.Invoice, error)
	FindByFilename(ctx context.Context, ownerID, filename string) ([]models.Invoice, error)
	FindByPartialTuple(ctx context.Context, ownerID, vendorName string, amount decimal.Decimal, invoiceDate time.Time) (*models.Invoice, error)
}

// FindDuplicate runs the three detection strategies in order and
// short-circuits on the first hit. It returns the existing invoice and the
// strategy that matched, or (nil, "") when the candidate looks new. A
// strategy whose required fields are missing is skipped, never treated as a
// match.
func FindDuplicate(ctx context.Context, q DuplicateQuerier, ownerID string, f models.CanonicalFields, filename string) (*models.Invoice, string, error) {
	// Strategy 1: all four identity fields present and equal.
	if f.InvoiceNumber != nil && f.VendorName != nil && f.AmountDue != nil && f.InvoiceDate != nil {
		existing, err := q.FindByExactTuple(ctx, ownerID, *f.InvoiceNumber, *f.VendorName, *f.AmountDue, *f.InvoiceDate)
		if err != nil {
			return nil, "", err
		}
		if existing != nil {
			return existing, StrategyExact, nil
		}
	}

	// Strategy 2: same source filename carrying the same amount. Catches a
	// re-forwarded email whose extraction differed slightly.
	if filename != "" && f.AmountDue != nil {
		candidates, err := q.FindByFilename(ctx, ownerID, filename)
		if err != nil {
			return nil, "", err
		}
		for i := range candidates {
			c := &candidates[i]
			if c.AmountDue != nil && c.AmountDue.Equal(*f.AmountDue) {
				return c, StrategyFilename, nil
			}
		}
	}

	// Strategy 3: vendor, amount, and invoice date match even though the
	// invoice number was missed on one of the passes.
	if f.VendorName != nil && f.AmountDue != nil && f.InvoiceDate != nil {
		existing, err := q.FindByPartialTuple(ctx, ownerID, *f.VendorName, *f.AmountDue, *f.InvoiceDate)
		if err != nil {
			return nil, "", err
		}
		if existing != nil {
			return existing, StrategyPartial, nil
		}
	}

	return nil, "", nil
}
