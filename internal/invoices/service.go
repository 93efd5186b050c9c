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

package invoices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/ledgerbird/ingestion/internal/canonical"
	"github.com/ledgerbird/ingestion/internal/events"
	"github.com/ledgerbird/ingestion/internal/models"
	"github.com/ledgerbird/ingestion/internal/store"
)

// Outcome classifies what ingestion did with a file.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

// Result reports what happened to one ingested file. Invoice is the new
// record for created outcomes and the existing record for duplicates.
type Result struct {
	Outcome Outcome
	Invoice *models.Invoice
	// Reason explains duplicate and rejected outcomes: the matching
	// strategy or the failed validation rule.
	Reason string
}

// FileExtractor turns file bytes into candidate fields.
type FileExtractor interface {
	ProcessFile(ctx context.Context, data []byte, filename, contentType string) (models.ExtractedFields, *string, error)
}

// Repository is the invoice persistence the service needs.
type Repository interface {
	DuplicateQuerier
	Insert(ctx context.Context, inv *models.Invoice) error
}

// Publisher emits ingestion events. Nil-safe via NopPublisher.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) error
}

// NopPublisher drops events, for one-shot runs without Redis.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, any) error { return nil }

// Service runs the ingestion pipeline against a repository.
type Service struct {
	extractor FileExtractor
	repo      Repository
	publisher Publisher
}

// NewService wires the ingestion pipeline. A nil publisher drops events.
func NewService(extractor FileExtractor, repo Repository, publisher Publisher) *Service {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Service{extractor: extractor, repo: repo, publisher: publisher}
}

// Ingest processes one file end to end. Data-level problems (validation
// failure, duplicate) come back as a Result; only infrastructure and
// extraction failures return an error.
func (s *Service) Ingest(ctx context.Context, ownerID string, data []byte, filename, contentType string) (*Result, error) {
	fields, extractedText, err := s.extractor.ProcessFile(ctx, data, filename, contentType)
	if err != nil {
		return nil, fmt.Errorf("extract %q: %w", filename, err)
	}

	canon := canonical.Canonicalize(fields)

	if err := canonical.Validate(canon); err != nil {
		var verr *canonical.ValidationError
		reason := err.Error()
		if errors.As(err, &verr) {
			reason = verr.Message
		}
		slog.Info("invoice rejected",
			"owner", ownerID, "filename", filename, "reason", reason)
		return &Result{Outcome: OutcomeRejected, Reason: reason}, nil
	}

	existing, strategy, err := FindDuplicate(ctx, s.repo, ownerID, canon, filename)
	if err != nil {
		return nil, fmt.Errorf("duplicate check: %w", err)
	}
	if existing != nil {
		slog.Info("duplicate invoice detected",
			"owner", ownerID, "filename", filename,
			"strategy", strategy, "existing_id", existing.ID)
		return &Result{Outcome: OutcomeDuplicate, Invoice: existing, Reason: strategy}, nil
	}

	inv := &models.Invoice{
		OwnerID:          ownerID,
		InvoiceNumber:    canon.InvoiceNumber,
		VendorName:       canon.VendorName,
		AmountDue:        canon.AmountDue,
		DueDate:          canon.DueDate,
		InvoiceDate:      canon.InvoiceDate,
		Currency:         canon.Currency,
		Confidence:       canon.Confidence,
		OriginalFilename: filename,
		FileSize:         int64(len(data)),
		FileType:         strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), "."),
		Status:           initialStatus(canon.Confidence),
		ExtractedText:    extractedText,
	}

	if err := s.repo.Insert(ctx, inv); err != nil {
		if errors.Is(err, store.ErrDuplicateIdentity) {
			// Lost a race with a concurrent insert of the same document.
			return &Result{Outcome: OutcomeDuplicate, Reason: StrategyExact}, nil
		}
		return nil, fmt.Errorf("insert invoice: %w", err)
	}

	slog.Info("invoice created",
		"owner", ownerID, "invoice_id", inv.ID,
		"filename", filename, "status", inv.Status,
		"confidence", inv.Confidence)

	if err := s.publisher.Publish(ctx, events.InvoiceCreated, map[string]any{
		"invoice_id": inv.ID,
		"owner_id":   inv.OwnerID,
		"status":     string(inv.Status),
		"filename":   filename,
	}); err != nil {
		// The invoice is already persisted; the event is advisory.
		slog.Warn("publish invoice.created failed", "invoice_id", inv.ID, "error", err)
	}

	return &Result{Outcome: OutcomeCreated, Invoice: inv}, nil
}

// initialStatus maps extraction confidence to the review state a new
// invoice starts in.
func initialStatus(confidence float64) models.InvoiceStatus {
	if confidence >= models.ReviewConfidenceThreshold {
		return models.StatusApproved
	}
	return models.StatusNeedsReview
}
