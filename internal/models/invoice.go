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

// Package models defines the data structures shared across the ingestion service.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExtractedFields is the raw output of the extraction model. Every field is
// untrusted: nullable, free-form, and possibly inconsistent. The JSON tags
// match the field names the model is instructed to emit.
type ExtractedFields struct {
	InvoiceNumber *string  `json:"invoice_id"`
	VendorName    *string  `json:"vendor_name"`
	AmountDue     *float64 `json:"amount_due"`
	DueDate       *string  `json:"due_date"`
	InvoiceDate   *string  `json:"invoice_date"`
	Currency      *string  `json:"currency_code"`
	Confidence    float64  `json:"confidence_score"`
}

// CanonicalFields is the normalized form of ExtractedFields: currency is a
// 3-letter uppercase code, dates are calendar dates or nil, the amount is an
// exact 2-decimal value or nil, text fields are whitespace-collapsed.
// Each field is normalized in isolation; cross-field rules live in the
// validator.
type CanonicalFields struct {
	InvoiceNumber *string
	VendorName    *string
	AmountDue     *decimal.Decimal
	DueDate       *time.Time
	InvoiceDate   *time.Time
	Currency      string
	Confidence    float64
}

// InvoiceStatus is the review/processing state of a persisted invoice.
type InvoiceStatus string

const (
	StatusPending     InvoiceStatus = "pending"
	StatusNeedsReview InvoiceStatus = "needs_review"
	StatusApproved    InvoiceStatus = "approved"
	StatusProcessing  InvoiceStatus = "processing"
	StatusCompleted   InvoiceStatus = "completed"
	StatusFailed      InvoiceStatus = "failed"
)

// ReviewConfidenceThreshold decides the initial status of a new invoice:
// at or above it the record is auto-approved, below it a human reviews it.
const ReviewConfidenceThreshold = 0.90

// Invoice is a persisted invoice record, exclusively owned by one account.
type Invoice struct {
	ID      string
	OwnerID string

	InvoiceNumber *string
	VendorName    *string
	AmountDue     *decimal.Decimal
	DueDate       *time.Time
	InvoiceDate   *time.Time
	Currency      string
	Confidence    float64

	OriginalFilename string
	FileSize         int64
	FileType         string

	Status          InvoiceStatus
	ProcessingError *string
	ExtractedText   *string
	Notes           *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// InvoicePatch carries the fields a caller may update on an existing record.
// Nil means "leave unchanged".
type InvoicePatch struct {
	InvoiceNumber *string
	VendorName    *string
	AmountDue     *decimal.Decimal
	DueDate       *time.Time
	InvoiceDate   *time.Time
	Currency      *string
	Status        *InvoiceStatus
	Notes         *string
}

// InvoiceFilter narrows List results.
type InvoiceFilter struct {
	Status     *InvoiceStatus
	VendorName string // substring match, case-insensitive
}

// InvoiceStats aggregates an owner's invoices for the dashboard.
type InvoiceStats struct {
	Total       int
	Pending     int
	NeedsReview int
	Approved    int
	Failed      int
	TotalValue  decimal.Decimal
}
