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

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerbird/ingestion/internal/invoices"
	"github.com/ledgerbird/ingestion/internal/models"
	"github.com/ledgerbird/ingestion/internal/poller"
)

type fakeIngester struct {
	result *invoices.Result
	err    error
}

func (f *fakeIngester) Ingest(_ context.Context, _ string, _ []byte, _, _ string) (*invoices.Result, error) {
	return f.result, f.err
}

type fakeInvoiceReader struct {
	list  []models.Invoice
	total int
	stats models.InvoiceStats
}

func (f *fakeInvoiceReader) List(context.Context, string, models.InvoiceFilter, int, int) ([]models.Invoice, int, error) {
	return f.list, f.total, nil
}

func (f *fakeInvoiceReader) Stats(context.Context, string) (*models.InvoiceStats, error) {
	return &f.stats, nil
}

type fakeAccountReader struct {
	account *models.EmailAccount
}

func (f *fakeAccountReader) Get(context.Context, string) (*models.EmailAccount, error) {
	return f.account, nil
}

type fakeLogReader struct {
	entries []models.ProcessingLog
}

func (f *fakeLogReader) ListRecent(context.Context, string, int) ([]models.ProcessingLog, error) {
	return f.entries, nil
}

type fakePoller struct {
	stats  *poller.Stats
	polled *models.EmailAccount
}

func (f *fakePoller) PollAccount(_ context.Context, account *models.EmailAccount) *poller.Stats {
	f.polled = account
	return f.stats
}

func newTestHandler(ing *fakeIngester, accounts *fakeAccountReader, p *fakePoller) *Handler {
	if ing == nil {
		ing = &fakeIngester{}
	}
	if accounts == nil {
		accounts = &fakeAccountReader{}
	}
	if p == nil {
		p = &fakePoller{stats: &poller.Stats{Status: poller.PollSuccess}}
	}
	return NewHandler(ing, &fakeInvoiceReader{}, accounts, &fakeLogReader{}, p)
}

func multipartBody(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(content)
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestHealth(t *testing.T) {
	h := newTestHandler(nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUploadCreated(t *testing.T) {
	amount := decimal.NewFromFloat(125.50)
	vendor := "Acme Corp"
	ing := &fakeIngester{result: &invoices.Result{
		Outcome: invoices.OutcomeCreated,
		Invoice: &models.Invoice{
			ID:         "inv-1",
			OwnerID:    "owner-1",
			VendorName: &vendor,
			AmountDue:  &amount,
			Currency:   "USD",
			Status:     models.StatusApproved,
			CreatedAt:  time.Now().UTC(),
		},
	}}
	h := newTestHandler(ing, nil, nil)

	body, contentType := multipartBody(t, "invoice.pdf", []byte("%PDF-"))
	req := httptest.NewRequest(http.MethodPost, "/invoices", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(ownerHeader, "owner-1")
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["id"] != "inv-1" || resp["vendor_name"] != "Acme Corp" {
		t.Errorf("response = %v", resp)
	}
	if resp["amount_due"] != "125.5" {
		t.Errorf("amount_due = %v", resp["amount_due"])
	}
}

func TestUploadDuplicate(t *testing.T) {
	ing := &fakeIngester{result: &invoices.Result{
		Outcome: invoices.OutcomeDuplicate,
		Invoice: &models.Invoice{ID: "existing-1"},
		Reason:  invoices.StrategyExact,
	}}
	h := newTestHandler(ing, nil, nil)

	body, contentType := multipartBody(t, "invoice.pdf", []byte("%PDF-"))
	req := httptest.NewRequest(http.MethodPost, "/invoices", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(ownerHeader, "owner-1")
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["existing_id"] != "existing-1" {
		t.Errorf("response = %v", resp)
	}
	if msg, _ := resp["message"].(string); !strings.Contains(msg, "already exists") {
		t.Errorf("message = %q", resp["message"])
	}
}

func TestUploadRejected(t *testing.T) {
	ing := &fakeIngester{result: &invoices.Result{
		Outcome: invoices.OutcomeRejected,
		Reason:  "invoice must have an invoice number, or both a vendor name and an amount due",
	}}
	h := newTestHandler(ing, nil, nil)

	body, contentType := multipartBody(t, "photo.jpg", []byte{0xFF, 0xD8})
	req := httptest.NewRequest(http.MethodPost, "/invoices", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(ownerHeader, "owner-1")
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUploadRequiresOwner(t *testing.T) {
	h := newTestHandler(nil, nil, nil)
	body, contentType := multipartBody(t, "invoice.pdf", []byte("%PDF-"))
	req := httptest.NewRequest(http.MethodPost, "/invoices", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestPollUnknownAccount(t *testing.T) {
	h := newTestHandler(nil, &fakeAccountReader{account: nil}, nil)
	req := httptest.NewRequest(http.MethodPost, "/poll", strings.NewReader(`{"account_id":"nope"}`))
	req.Header.Set(ownerHeader, "owner-1")
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestPollForeignAccountHidden(t *testing.T) {
	account := &models.EmailAccount{ID: "acct-1", OwnerID: "someone-else", IsActive: true}
	h := newTestHandler(nil, &fakeAccountReader{account: account}, nil)
	req := httptest.NewRequest(http.MethodPost, "/poll", strings.NewReader(`{"account_id":"acct-1"}`))
	req.Header.Set(ownerHeader, "owner-1")
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, another owner's account must look nonexistent", rec.Code)
	}
}

func TestPollReturnsStats(t *testing.T) {
	account := &models.EmailAccount{ID: "acct-1", OwnerID: "owner-1", IsActive: true}
	p := &fakePoller{stats: &poller.Stats{
		EmailsChecked:   3,
		InvoicesCreated: 2,
		Status:          poller.PollSuccess,
	}}
	h := newTestHandler(nil, &fakeAccountReader{account: account}, p)

	req := httptest.NewRequest(http.MethodPost, "/poll", strings.NewReader(`{"account_id":"acct-1"}`))
	req.Header.Set(ownerHeader, "owner-1")
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var stats poller.Stats
	json.Unmarshal(rec.Body.Bytes(), &stats)
	if stats.EmailsChecked != 3 || stats.InvoicesCreated != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if p.polled == nil || p.polled.ID != "acct-1" {
		t.Error("poller was not handed the account")
	}
}

func TestListInvoicesRequiresOwner(t *testing.T) {
	h := newTestHandler(nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/invoices", nil)
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}
