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

package poller

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ledgerbird/ingestion/internal/invoices"
	"github.com/ledgerbird/ingestion/internal/mailbox"
	"github.com/ledgerbird/ingestion/internal/models"
)

// fakeClient is an in-memory mailbox.
type fakeClient struct {
	connectErr error
	unread     []string
	messages   map[string]*mailbox.Message
	fetchErr   map[string]error
	marked     []string
}

func (c *fakeClient) Connect(context.Context) error { return c.connectErr }
func (c *fakeClient) Disconnect() error             { return nil }

func (c *fakeClient) ListUnread(_ context.Context, max int) ([]mailbox.MessageRef, error) {
	refs := make([]mailbox.MessageRef, 0, len(c.unread))
	for _, id := range c.unread {
		refs = append(refs, mailbox.MessageRef{ID: id})
	}
	if max > 0 && len(refs) > max {
		refs = refs[len(refs)-max:]
	}
	return refs, nil
}

func (c *fakeClient) Fetch(_ context.Context, ref mailbox.MessageRef) (*mailbox.Message, error) {
	if err := c.fetchErr[ref.ID]; err != nil {
		return nil, err
	}
	msg, ok := c.messages[ref.ID]
	if !ok {
		return nil, fmt.Errorf("no such message %s", ref.ID)
	}
	return msg, nil
}

func (c *fakeClient) MarkRead(_ context.Context, ref mailbox.MessageRef) error {
	c.marked = append(c.marked, ref.ID)
	return nil
}

// fakeAccounts records poll results.
type fakeAccounts struct {
	pollable    []models.EmailAccount
	recordCalls int
	lastStatus  string
	lastErr     *string
}

func (a *fakeAccounts) ListPollable(context.Context) ([]models.EmailAccount, error) {
	return a.pollable, nil
}

func (a *fakeAccounts) RecordPollResult(_ context.Context, _, status string, errMsg *string, _ time.Time) error {
	a.recordCalls++
	a.lastStatus = status
	a.lastErr = errMsg
	return nil
}

// fakeLogs is an in-memory processing log.
type fakeLogs struct {
	entries []models.ProcessingLog
}

func (l *fakeLogs) HasSuccess(_ context.Context, accountID, messageID string) (bool, error) {
	for _, e := range l.entries {
		if e.AccountID == accountID && e.MessageID == messageID &&
			(e.Status == models.LogStatusSuccess || e.Status == models.LogStatusPartial) {
			return true, nil
		}
	}
	return false, nil
}

func (l *fakeLogs) Append(_ context.Context, entry *models.ProcessingLog) error {
	l.entries = append(l.entries, *entry)
	return nil
}

// fakeIngester dispatches on filename.
type fakeIngester struct {
	calls   int
	results map[string]*invoices.Result
	errs    map[string]error
}

func (i *fakeIngester) Ingest(_ context.Context, _ string, _ []byte, filename, _ string) (*invoices.Result, error) {
	i.calls++
	if err := i.errs[filename]; err != nil {
		return nil, err
	}
	if res, ok := i.results[filename]; ok {
		return res, nil
	}
	return &invoices.Result{Outcome: invoices.OutcomeCreated, Invoice: &models.Invoice{ID: "inv"}}, nil
}

func testAccount() *models.EmailAccount {
	return &models.EmailAccount{
		ID:           "acct-1",
		OwnerID:      "owner-1",
		EmailAddress: "user@example.com",
		Provider:     models.ProviderIMAP,
		MarkAsRead:   true,
	}
}

func invoiceMessage(id string, attachments ...mailbox.Attachment) *mailbox.Message {
	return &mailbox.Message{
		Ref:         mailbox.MessageRef{ID: id},
		Subject:     "Invoice",
		Sender:      "billing@vendor.com",
		Date:        time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Attachments: attachments,
	}
}

func pdfAttachment(name string) mailbox.Attachment {
	return mailbox.Attachment{Filename: name, ContentType: "application/pdf", Data: []byte("%PDF-")}
}

func newTestPoller(client *fakeClient, accounts *fakeAccounts, logs *fakeLogs, ing *fakeIngester) *Poller {
	return New(PollerConfig{
		Accounts: accounts,
		Logs:     logs,
		Ingester: ing,
		NewClient: func(context.Context, *models.EmailAccount) (mailbox.Client, error) {
			return client, nil
		},
	})
}

func TestPollAccountCreatesInvoices(t *testing.T) {
	client := &fakeClient{
		unread: []string{"m1"},
		messages: map[string]*mailbox.Message{
			"m1": invoiceMessage("m1", pdfAttachment("invoice.pdf")),
		},
	}
	accounts := &fakeAccounts{}
	logs := &fakeLogs{}
	p := newTestPoller(client, accounts, logs, &fakeIngester{})

	stats := p.PollAccount(context.Background(), testAccount())

	if stats.Status != PollSuccess {
		t.Fatalf("status = %s (%s)", stats.Status, stats.Error)
	}
	if stats.EmailsChecked != 1 || stats.InvoicesCreated != 1 || stats.Errors != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if len(client.marked) != 1 || client.marked[0] != "m1" {
		t.Errorf("marked = %v, want [m1]", client.marked)
	}
	if accounts.lastStatus != "success" {
		t.Errorf("recorded poll status = %q", accounts.lastStatus)
	}
	if len(logs.entries) != 1 || logs.entries[0].Status != models.LogStatusSuccess {
		t.Fatalf("log entries = %+v", logs.entries)
	}
	if logs.entries[0].InvoicesCreated != 1 || logs.entries[0].AttachmentsFound != 1 {
		t.Errorf("log counts = %+v", logs.entries[0])
	}
}

func TestPollAccountIsIdempotent(t *testing.T) {
	account := testAccount()
	account.MarkAsRead = false

	client := &fakeClient{
		unread: []string{"m1"},
		messages: map[string]*mailbox.Message{
			"m1": invoiceMessage("m1", pdfAttachment("invoice.pdf")),
		},
	}
	logs := &fakeLogs{}
	ing := &fakeIngester{}
	p := newTestPoller(client, &fakeAccounts{}, logs, ing)

	first := p.PollAccount(context.Background(), account)
	if first.InvoicesCreated != 1 {
		t.Fatalf("first poll created %d invoices", first.InvoicesCreated)
	}

	// The message is still unread. The success log row must prevent a
	// second processing pass.
	second := p.PollAccount(context.Background(), account)
	if second.InvoicesCreated != 0 {
		t.Errorf("second poll created %d invoices, want 0", second.InvoicesCreated)
	}
	if ing.calls != 1 {
		t.Errorf("ingester called %d times, want 1", ing.calls)
	}
	if len(logs.entries) != 1 {
		t.Errorf("log entries = %d, want 1", len(logs.entries))
	}
}

func TestPollAccountNoAttachments(t *testing.T) {
	client := &fakeClient{
		unread:   []string{"m1"},
		messages: map[string]*mailbox.Message{"m1": invoiceMessage("m1")},
	}
	logs := &fakeLogs{}
	p := newTestPoller(client, &fakeAccounts{}, logs, &fakeIngester{})

	stats := p.PollAccount(context.Background(), testAccount())

	if stats.Status != PollSuccess || stats.InvoicesCreated != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(logs.entries) != 1 || logs.entries[0].Status != models.LogStatusSuccess {
		t.Fatalf("log entries = %+v", logs.entries)
	}
	if note := logs.entries[0].ErrorMessage; note == nil || *note != "no attachments" {
		t.Errorf("note = %v, want %q", note, "no attachments")
	}
	if len(client.marked) != 1 {
		t.Error("attachment-free message should still be marked read")
	}
}

func TestPollAccountFailedMessageStaysUnread(t *testing.T) {
	client := &fakeClient{
		unread: []string{"m1"},
		messages: map[string]*mailbox.Message{
			"m1": invoiceMessage("m1", pdfAttachment("broken.pdf")),
		},
	}
	logs := &fakeLogs{}
	ing := &fakeIngester{errs: map[string]error{"broken.pdf": fmt.Errorf("model unavailable")}}
	accounts := &fakeAccounts{}
	p := newTestPoller(client, accounts, logs, ing)

	stats := p.PollAccount(context.Background(), testAccount())

	if stats.Status != PollError || stats.Errors != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(client.marked) != 0 {
		t.Error("failed message must not be marked read")
	}
	if len(logs.entries) != 1 || logs.entries[0].Status != models.LogStatusFailed {
		t.Fatalf("log entries = %+v", logs.entries)
	}
	if accounts.lastStatus != "error" || accounts.lastErr == nil {
		t.Errorf("recorded status = %q err = %v", accounts.lastStatus, accounts.lastErr)
	}

	// The failed row does not block a retry.
	done, _ := logs.HasSuccess(context.Background(), "acct-1", "m1")
	if done {
		t.Error("failed message must stay eligible for reprocessing")
	}
}

func TestPollAccountPartialSuccess(t *testing.T) {
	client := &fakeClient{
		unread: []string{"m1"},
		messages: map[string]*mailbox.Message{
			"m1": invoiceMessage("m1", pdfAttachment("good.pdf"), pdfAttachment("bad.pdf")),
		},
	}
	logs := &fakeLogs{}
	ing := &fakeIngester{errs: map[string]error{"bad.pdf": fmt.Errorf("model unavailable")}}
	p := newTestPoller(client, &fakeAccounts{}, logs, ing)

	stats := p.PollAccount(context.Background(), testAccount())

	if stats.InvoicesCreated != 1 || stats.Errors != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(logs.entries) != 1 || logs.entries[0].Status != models.LogStatusPartial {
		t.Fatalf("log entries = %+v", logs.entries)
	}
	// Partially processed messages are done as far as the mailbox is
	// concerned.
	if len(client.marked) != 1 {
		t.Error("partial message should be marked read")
	}
}

func TestPollAccountRejectedAttachmentIsUnprocessed(t *testing.T) {
	client := &fakeClient{
		unread: []string{"m1"},
		messages: map[string]*mailbox.Message{
			"m1": invoiceMessage("m1", pdfAttachment("good.pdf"), pdfAttachment("blurry.pdf")),
		},
	}
	logs := &fakeLogs{}
	ing := &fakeIngester{results: map[string]*invoices.Result{
		"blurry.pdf": {Outcome: invoices.OutcomeRejected, Reason: "no meaningful fields"},
	}}
	p := newTestPoller(client, &fakeAccounts{}, logs, ing)

	stats := p.PollAccount(context.Background(), testAccount())

	// A rejection is not a processing error, but the attachment did not
	// become an invoice either.
	if stats.Status != PollSuccess || stats.Errors != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	entry := logs.entries[0]
	if entry.Status != models.LogStatusPartial {
		t.Fatalf("status = %s, want partial", entry.Status)
	}
	if entry.AttachmentsFound != 2 || entry.AttachmentsProcessed != 1 || entry.InvoicesCreated != 1 {
		t.Errorf("log counts = %+v", entry)
	}
	if len(client.marked) != 1 {
		t.Error("partially processed message should be marked read")
	}
}

func TestPollAccountAllRejectedIsNotFailed(t *testing.T) {
	client := &fakeClient{
		unread: []string{"m1"},
		messages: map[string]*mailbox.Message{
			"m1": invoiceMessage("m1", pdfAttachment("memo.pdf")),
		},
	}
	logs := &fakeLogs{}
	ing := &fakeIngester{results: map[string]*invoices.Result{
		"memo.pdf": {Outcome: invoices.OutcomeRejected, Reason: "no meaningful fields"},
	}}
	p := newTestPoller(client, &fakeAccounts{}, logs, ing)

	stats := p.PollAccount(context.Background(), testAccount())

	if stats.Status != PollSuccess || stats.Errors != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	// Rejection is deterministic; retrying the message would not help, so
	// it is done as far as the mailbox is concerned.
	entry := logs.entries[0]
	if entry.Status != models.LogStatusSuccess || entry.AttachmentsProcessed != 0 {
		t.Fatalf("log entry = %+v", entry)
	}
	if len(client.marked) != 1 {
		t.Error("rejected-only message should be marked read")
	}
}

func TestPollAccountDuplicateCountsProcessed(t *testing.T) {
	client := &fakeClient{
		unread: []string{"m1"},
		messages: map[string]*mailbox.Message{
			"m1": invoiceMessage("m1", pdfAttachment("resent.pdf")),
		},
	}
	logs := &fakeLogs{}
	ing := &fakeIngester{results: map[string]*invoices.Result{
		"resent.pdf": {Outcome: invoices.OutcomeDuplicate, Invoice: &models.Invoice{ID: "existing"}},
	}}
	p := newTestPoller(client, &fakeAccounts{}, logs, ing)

	stats := p.PollAccount(context.Background(), testAccount())

	if stats.Status != PollSuccess || stats.InvoicesCreated != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	entry := logs.entries[0]
	if entry.Status != models.LogStatusSuccess || entry.AttachmentsProcessed != 1 || entry.InvoicesCreated != 0 {
		t.Fatalf("log entry = %+v", entry)
	}
}

func TestPollAccountConnectionFailure(t *testing.T) {
	client := &fakeClient{connectErr: mailbox.ErrAuth}
	accounts := &fakeAccounts{}
	p := newTestPoller(client, accounts, &fakeLogs{}, &fakeIngester{})

	stats := p.PollAccount(context.Background(), testAccount())

	if stats.Status != PollConnectionFailed {
		t.Fatalf("status = %s", stats.Status)
	}
	if accounts.lastStatus != "error" {
		t.Errorf("recorded status = %q", accounts.lastStatus)
	}
}

func TestPollAccountFiltersAttachmentTypes(t *testing.T) {
	client := &fakeClient{
		unread: []string{"m1"},
		messages: map[string]*mailbox.Message{
			"m1": invoiceMessage("m1",
				mailbox.Attachment{Filename: "virus.exe", Data: []byte("mz")},
				mailbox.Attachment{Filename: "logo.gif", Data: []byte("gif")},
				pdfAttachment("invoice.pdf"),
			),
		},
	}
	logs := &fakeLogs{}
	ing := &fakeIngester{}
	p := newTestPoller(client, &fakeAccounts{}, logs, ing)

	stats := p.PollAccount(context.Background(), testAccount())

	if ing.calls != 1 {
		t.Errorf("ingester called %d times, want 1", ing.calls)
	}
	if stats.InvoicesCreated != 1 {
		t.Errorf("created = %d", stats.InvoicesCreated)
	}
	if logs.entries[0].AttachmentsFound != 1 {
		t.Errorf("attachments_found = %d, want 1", logs.entries[0].AttachmentsFound)
	}
}

func TestPollAccountEmptyMailbox(t *testing.T) {
	client := &fakeClient{}
	accounts := &fakeAccounts{}
	p := newTestPoller(client, accounts, &fakeLogs{}, &fakeIngester{})

	stats := p.PollAccount(context.Background(), testAccount())

	if stats.Status != PollNoEmails {
		t.Fatalf("status = %s", stats.Status)
	}
	if accounts.lastStatus != "success" {
		t.Errorf("recorded status = %q", accounts.lastStatus)
	}
}

func TestWorkerRunDueHonoursIntervals(t *testing.T) {
	now := time.Now().UTC()
	recent := now.Add(-time.Minute)

	dueAccount := *testAccount()
	notDue := *testAccount()
	notDue.ID = "acct-2"
	notDue.EmailAddress = "second@example.com"
	notDue.PollingIntervalMinutes = 15
	notDue.LastPollTime = &recent

	client := &fakeClient{}
	accounts := &fakeAccounts{pollable: []models.EmailAccount{dueAccount, notDue}}
	ing := &fakeIngester{}
	p := newTestPoller(client, accounts, &fakeLogs{}, ing)

	w := NewWorker(p, accounts, time.Hour)
	w.RunDue(context.Background())

	// Only the due account polled; the recently polled one sat out.
	if accounts.recordCalls != 1 {
		t.Errorf("recorded %d poll results, want 1", accounts.recordCalls)
	}
}
