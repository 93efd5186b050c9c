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

// Package server exposes the ingestion HTTP API: direct invoice uploads,
// on-demand polls, invoice listing, and processing history. Authentication
// is upstream's problem; the API trusts the X-Owner-ID header the gateway
// injects.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerbird/ingestion/internal/invoices"
	"github.com/ledgerbird/ingestion/internal/models"
	"github.com/ledgerbird/ingestion/internal/poller"
)

// maxUploadBytes bounds direct uploads. Invoices are documents, not videos.
const maxUploadBytes = 25 << 20

// ownerHeader carries the authenticated account identity.
const ownerHeader = "X-Owner-ID"

// Ingester runs one file through the ingestion pipeline.
type Ingester interface {
	Ingest(ctx context.Context, ownerID string, data []byte, filename, contentType string) (*invoices.Result, error)
}

// InvoiceReader is the query side of the invoice store the API needs.
type InvoiceReader interface {
	List(ctx context.Context, ownerID string, filter models.InvoiceFilter, limit, offset int) ([]models.Invoice, int, error)
	Stats(ctx context.Context, ownerID string) (*models.InvoiceStats, error)
}

// AccountReader loads mailbox accounts for on-demand polls.
type AccountReader interface {
	Get(ctx context.Context, id string) (*models.EmailAccount, error)
}

// LogReader lists recent processing log rows.
type LogReader interface {
	ListRecent(ctx context.Context, ownerID string, limit int) ([]models.ProcessingLog, error)
}

// AccountPoller runs one poll cycle.
type AccountPoller interface {
	PollAccount(ctx context.Context, account *models.EmailAccount) *poller.Stats
}

// Handler serves the ingestion API.
type Handler struct {
	ingester Ingester
	invoices InvoiceReader
	accounts AccountReader
	logs     LogReader
	poller   AccountPoller
}

// NewHandler creates the API handler.
func NewHandler(ingester Ingester, invoiceReader InvoiceReader, accounts AccountReader, logs LogReader, accountPoller AccountPoller) *Handler {
	return &Handler{
		ingester: ingester,
		invoices: invoiceReader,
		accounts: accounts,
		logs:     logs,
		poller:   accountPoller,
	}
}

// Mux returns the route table.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.serveHealth)
	mux.HandleFunc("/invoices", h.serveInvoices)
	mux.HandleFunc("/invoices/stats", h.serveStats)
	mux.HandleFunc("/logs", h.serveLogs)
	mux.HandleFunc("/poll", h.servePoll)
	return mux
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) serveInvoices(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.uploadInvoice(w, r)
	case http.MethodGet:
		h.listInvoices(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET or POST")
	}
}

// uploadInvoice runs an uploaded file through the same pipeline mailbox
// attachments take.
func (h *Handler) uploadInvoice(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_upload", "multipart form must carry a \"file\" part")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_upload", "could not read uploaded file")
		return
	}

	contentType := header.Header.Get("Content-Type")
	result, err := h.ingester.Ingest(r.Context(), owner, data, header.Filename, contentType)
	if err != nil {
		slog.Error("upload ingestion failed", "owner", owner, "filename", header.Filename, "error", err)
		writeError(w, http.StatusBadGateway, "extraction_failed", "the document could not be processed")
		return
	}

	switch result.Outcome {
	case invoices.OutcomeCreated:
		writeJSON(w, http.StatusCreated, renderInvoice(result.Invoice))
	case invoices.OutcomeDuplicate:
		resp := map[string]any{
			"error":    "duplicate",
			"message":  fmt.Sprintf("this invoice already exists (matched by %s)", result.Reason),
			"strategy": result.Reason,
		}
		if result.Invoice != nil {
			resp["existing_id"] = result.Invoice.ID
		}
		writeJSON(w, http.StatusConflict, resp)
	case invoices.OutcomeRejected:
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", result.Reason)
	default:
		writeError(w, http.StatusInternalServerError, "internal", "unexpected ingestion outcome")
	}
}

func (h *Handler) listInvoices(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := models.InvoiceFilter{VendorName: q.Get("vendor")}
	if s := q.Get("status"); s != "" {
		status := models.InvoiceStatus(s)
		filter.Status = &status
	}

	limit := intQuery(q.Get("limit"), 50)
	if limit > 200 {
		limit = 200
	}
	offset := intQuery(q.Get("offset"), 0)

	list, total, err := h.invoices.List(r.Context(), owner, filter, limit, offset)
	if err != nil {
		slog.Error("list invoices failed", "owner", owner, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not list invoices")
		return
	}

	out := make([]map[string]any, 0, len(list))
	for i := range list {
		out = append(out, renderInvoice(&list[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoices": out, "total": total})
}

func (h *Handler) serveStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	stats, err := h.invoices.Stats(r.Context(), owner)
	if err != nil {
		slog.Error("invoice stats failed", "owner", owner, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not compute stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":        stats.Total,
		"pending":      stats.Pending,
		"needs_review": stats.NeedsReview,
		"approved":     stats.Approved,
		"failed":       stats.Failed,
		"total_value":  stats.TotalValue.String(),
	})
}

func (h *Handler) serveLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	limit := intQuery(r.URL.Query().Get("limit"), 50)
	entries, err := h.logs.ListRecent(r.Context(), owner, limit)
	if err != nil {
		slog.Error("list processing log failed", "owner", owner, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not list processing history")
		return
	}

	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		entry := map[string]any{
			"id":                    e.ID,
			"account_id":            e.AccountID,
			"message_id":            e.MessageID,
			"subject":               e.Subject,
			"sender":                e.Sender,
			"message_date":          e.MessageDate,
			"attachments_found":     e.AttachmentsFound,
			"attachments_processed": e.AttachmentsProcessed,
			"invoices_created":      e.InvoicesCreated,
			"status":                e.Status,
			"processed_at":          e.ProcessedAt,
		}
		if e.ErrorMessage != nil {
			entry["error_message"] = *e.ErrorMessage
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

// servePoll triggers one poll cycle for one of the owner's accounts and
// returns the cycle stats.
func (h *Handler) servePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	var req struct {
		AccountID string `json:"account_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "body must be JSON with an account_id")
		return
	}

	account, err := h.accounts.Get(r.Context(), req.AccountID)
	if err != nil {
		slog.Error("load account failed", "account_id", req.AccountID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not load the account")
		return
	}
	if account == nil || account.OwnerID != owner {
		writeError(w, http.StatusNotFound, "not_found", "no such email account")
		return
	}
	if !account.IsActive {
		writeError(w, http.StatusConflict, "account_disabled", "the account is disabled")
		return
	}

	stats := h.poller.PollAccount(r.Context(), account)
	writeJSON(w, http.StatusOK, stats)
}

// renderInvoice shapes an invoice for the wire.
func renderInvoice(inv *models.Invoice) map[string]any {
	out := map[string]any{
		"id":                inv.ID,
		"currency_code":     inv.Currency,
		"confidence_score":  inv.Confidence,
		"original_filename": inv.OriginalFilename,
		"file_size":         inv.FileSize,
		"file_type":         inv.FileType,
		"status":            string(inv.Status),
		"created_at":        inv.CreatedAt,
		"updated_at":        inv.UpdatedAt,
	}
	out["invoice_id"] = strOrNil(inv.InvoiceNumber)
	out["vendor_name"] = strOrNil(inv.VendorName)
	out["amount_due"] = decOrNil(inv.AmountDue)
	out["invoice_date"] = dateOrNil(inv.InvoiceDate)
	out["due_date"] = dateOrNil(inv.DueDate)
	if inv.ProcessingError != nil {
		out["processing_error"] = *inv.ProcessingError
	}
	return out
}

func strOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func decOrNil(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func dateOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format("2006-01-02")
}

func requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := r.Header.Get(ownerHeader)
	if owner == "" {
		writeError(w, http.StatusBadRequest, "missing_owner", "the X-Owner-ID header is required")
		return "", false
	}
	return owner, true
}

func intQuery(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]string{"error": kind, "message": message})
}

// Serve starts the API server on the given port. It binds the port
// immediately and signals readiness via the returned channel before
// accepting connections.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	server := &http.Server{
		Handler:      handler.Mux(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind API port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("api server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	go func() {
		slog.Info("api server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("api server error", "error", err)
		}
	}()

	return ready, nil
}
