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

// Package poller drives mailbox accounts through poll cycles: list unread
// messages, run their attachments through the ingestion pipeline, record a
// processing log row per message, and mark messages read only after their
// attachments have been dealt with. Re-polling the same mailbox is safe:
// the processing log is the durable idempotence record.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/ledgerbird/ingestion/internal/events"
	"github.com/ledgerbird/ingestion/internal/invoices"
	"github.com/ledgerbird/ingestion/internal/mailbox"
	"github.com/ledgerbird/ingestion/internal/models"
)

// Poll cycle statuses.
const (
	PollSuccess          = "success"
	PollNoEmails         = "no_emails"
	PollConnectionFailed = "connection_failed"
	PollError            = "error"
)

// allowedExtensions are the attachment types worth sending to extraction.
var allowedExtensions = map[string]bool{
	".pdf":  true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".txt":  true,
}

// Stats summarises one poll cycle for one account.
type Stats struct {
	EmailsChecked   int    `json:"emails_checked"`
	InvoicesCreated int    `json:"invoices_created"`
	Errors          int    `json:"errors"`
	Status          string `json:"status"`
	Error           string `json:"error,omitempty"`
}

// AccountStore is the account persistence the poller needs.
type AccountStore interface {
	ListPollable(ctx context.Context) ([]models.EmailAccount, error)
	RecordPollResult(ctx context.Context, id, status string, errMsg *string, at time.Time) error
}

// LogStore is the processing log persistence the poller needs.
type LogStore interface {
	HasSuccess(ctx context.Context, accountID, messageID string) (bool, error)
	Append(ctx context.Context, entry *models.ProcessingLog) error
}

// SeenFilter short-circuits messages already handled recently.
type SeenFilter interface {
	IsNew(ctx context.Context, accountID, messageID string) (bool, error)
	Forget(ctx context.Context, accountID, messageID string) error
}

// Ingester runs one file through the ingestion pipeline.
type Ingester interface {
	Ingest(ctx context.Context, ownerID string, data []byte, filename, contentType string) (*invoices.Result, error)
}

// Publisher emits poll lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) error
}

// ClientFactory opens a mailbox client for an account. The factory decrypts
// credentials; the poller never sees plaintext secrets.
type ClientFactory func(ctx context.Context, account *models.EmailAccount) (mailbox.Client, error)

// Poller polls one account at a time.
type Poller struct {
	accounts  AccountStore
	logs      LogStore
	seen      SeenFilter
	ingester  Ingester
	publisher Publisher
	newClient ClientFactory

	maxMessages int
}

// PollerConfig holds the poller's collaborators.
type PollerConfig struct {
	Accounts  AccountStore
	Logs      LogStore
	Seen      SeenFilter
	Ingester  Ingester
	Publisher Publisher
	NewClient ClientFactory

	// MaxMessages bounds unread messages per cycle; 0 means the mailbox
	// default.
	MaxMessages int
}

// New creates a poller. A nil Seen filter disables the fast-path check and
// a nil Publisher drops events.
func New(cfg PollerConfig) *Poller {
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = invoices.NopPublisher{}
	}
	return &Poller{
		accounts:    cfg.Accounts,
		logs:        cfg.Logs,
		seen:        cfg.Seen,
		ingester:    cfg.Ingester,
		publisher:   publisher,
		newClient:   cfg.NewClient,
		maxMessages: cfg.MaxMessages,
	}
}

// PollAccount runs one full cycle for one account and records the outcome
// on the account row. The returned stats mirror what was recorded.
func (p *Poller) PollAccount(ctx context.Context, account *models.EmailAccount) *Stats {
	stats := &Stats{Status: PollSuccess}
	started := time.Now().UTC()

	slog.Info("polling account",
		"account_id", account.ID,
		"email", account.EmailAddress,
		"provider", account.Provider,
	)

	client, err := p.newClient(ctx, account)
	if err == nil {
		err = client.Connect(ctx)
	}
	if err != nil {
		slog.Error("mailbox connection failed",
			"account_id", account.ID, "error", err)
		stats.Status = PollConnectionFailed
		stats.Error = err.Error()
		stats.Errors++
		p.finish(ctx, account, stats, started)
		return stats
	}
	defer client.Disconnect()

	refs, err := client.ListUnread(ctx, p.maxMessages)
	if err != nil {
		slog.Error("list unread failed", "account_id", account.ID, "error", err)
		stats.Status = PollError
		stats.Error = err.Error()
		stats.Errors++
		p.finish(ctx, account, stats, started)
		return stats
	}

	if len(refs) == 0 {
		stats.Status = PollNoEmails
		p.finish(ctx, account, stats, started)
		return stats
	}

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			stats.Status = PollError
			stats.Error = err.Error()
			break
		}

		created, err := p.processMessage(ctx, client, account, ref)
		stats.EmailsChecked++
		stats.InvoicesCreated += created
		if err != nil {
			stats.Errors++
			stats.Error = err.Error()
		}
	}

	if stats.Errors > 0 && stats.Status == PollSuccess {
		stats.Status = PollError
	}
	p.finish(ctx, account, stats, started)
	return stats
}

// finish stamps the poll outcome on the account and emits the lifecycle
// event.
func (p *Poller) finish(ctx context.Context, account *models.EmailAccount, stats *Stats, started time.Time) {
	status := "success"
	var errMsg *string
	if stats.Status == PollConnectionFailed || stats.Status == PollError {
		status = "error"
		if stats.Error != "" {
			errMsg = &stats.Error
		}
	}

	if err := p.accounts.RecordPollResult(ctx, account.ID, status, errMsg, started); err != nil {
		slog.Error("record poll result failed", "account_id", account.ID, "error", err)
	}

	if err := p.publisher.Publish(ctx, events.PollCompleted, map[string]any{
		"account_id":       account.ID,
		"owner_id":         account.OwnerID,
		"emails_checked":   stats.EmailsChecked,
		"invoices_created": stats.InvoicesCreated,
		"errors":           stats.Errors,
		"status":           stats.Status,
	}); err != nil {
		slog.Warn("publish poll.completed failed", "account_id", account.ID, "error", err)
	}

	slog.Info("poll cycle finished",
		"account_id", account.ID,
		"status", stats.Status,
		"emails_checked", stats.EmailsChecked,
		"invoices_created", stats.InvoicesCreated,
		"errors", stats.Errors,
		"elapsed_ms", time.Since(started).Milliseconds(),
	)
}

// processMessage runs one message through the pipeline. It returns how many
// invoices were created; a non-nil error means the message failed and stays
// unread for a later retry.
func (p *Poller) processMessage(ctx context.Context, client mailbox.Client, account *models.EmailAccount, ref mailbox.MessageRef) (int, error) {
	if p.seen != nil {
		fresh, err := p.seen.IsNew(ctx, account.ID, ref.ID)
		if err != nil {
			// Redis being down must not stop polling; the log check below
			// still guarantees idempotence.
			slog.Warn("seen filter unavailable", "account_id", account.ID, "error", err)
		} else if !fresh {
			slog.Debug("message already seen, skipping",
				"account_id", account.ID, "message_id", ref.ID)
			return 0, nil
		}
	}

	done, err := p.logs.HasSuccess(ctx, account.ID, ref.ID)
	if err != nil {
		p.forgetSeen(ctx, account.ID, ref.ID)
		return 0, fmt.Errorf("processing log lookup: %w", err)
	}
	if done {
		slog.Debug("message already processed, skipping",
			"account_id", account.ID, "message_id", ref.ID)
		return 0, nil
	}

	msg, err := client.Fetch(ctx, ref)
	if err != nil {
		p.forgetSeen(ctx, account.ID, ref.ID)
		p.appendLog(ctx, account, &models.ProcessingLog{
			MessageID:   ref.ID,
			MessageDate: time.Now().UTC(),
			Status:      models.LogStatusFailed,
			ErrorMessage: func() *string {
				s := err.Error()
				return &s
			}(),
		})
		return 0, fmt.Errorf("fetch message %s: %w", ref.ID, err)
	}

	attachments := usableAttachments(msg)

	entry := &models.ProcessingLog{
		MessageID:        ref.ID,
		Subject:          msg.Subject,
		Sender:           msg.Sender,
		MessageDate:      msg.Date,
		AttachmentsFound: len(attachments),
	}

	if len(attachments) == 0 {
		// Nothing to extract. The message is handled; mark it read so it
		// does not come back every cycle.
		entry.Status = models.LogStatusSuccess
		note := "no attachments"
		entry.ErrorMessage = &note
		p.appendLog(ctx, account, entry)
		p.markRead(ctx, client, account, ref)
		return 0, nil
	}

	var created, processed, failed int
	var firstErr error
	for _, att := range attachments {
		res, err := p.ingester.Ingest(ctx, account.OwnerID, att.Data, att.Filename, att.ContentType)
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			slog.Error("attachment ingestion failed",
				"account_id", account.ID,
				"message_id", ref.ID,
				"filename", att.Filename,
				"error", err,
			)
			continue
		}
		// Rejected attachments count as found but not processed.
		switch res.Outcome {
		case invoices.OutcomeCreated:
			created++
			processed++
		case invoices.OutcomeDuplicate:
			processed++
		}
	}
	entry.AttachmentsProcessed = processed
	entry.InvoicesCreated = created

	// A message is failed only when errors left nothing processed; rejected
	// attachments alone never fail the message, they just keep it from
	// counting as fully processed.
	switch {
	case failed > 0 && processed == 0:
		entry.Status = models.LogStatusFailed
	case failed > 0 || (processed > 0 && processed < len(attachments)):
		entry.Status = models.LogStatusPartial
	default:
		entry.Status = models.LogStatusSuccess
	}
	if firstErr != nil {
		s := firstErr.Error()
		entry.ErrorMessage = &s
	} else if entry.Status == models.LogStatusPartial {
		s := fmt.Sprintf("processed %d/%d attachments", processed, len(attachments))
		entry.ErrorMessage = &s
	}

	p.appendLog(ctx, account, entry)

	if entry.Status == models.LogStatusFailed {
		// Leave the message unread and forgettable so the next poll
		// retries it.
		p.forgetSeen(ctx, account.ID, ref.ID)
		return created, fmt.Errorf("message %s: %w", ref.ID, firstErr)
	}

	p.markRead(ctx, client, account, ref)
	if firstErr != nil {
		return created, fmt.Errorf("message %s partially processed: %w", ref.ID, firstErr)
	}
	return created, nil
}

func (p *Poller) appendLog(ctx context.Context, account *models.EmailAccount, entry *models.ProcessingLog) {
	entry.OwnerID = account.OwnerID
	entry.AccountID = account.ID
	if err := p.logs.Append(ctx, entry); err != nil {
		slog.Error("append processing log failed",
			"account_id", account.ID, "message_id", entry.MessageID, "error", err)
	}
}

func (p *Poller) markRead(ctx context.Context, client mailbox.Client, account *models.EmailAccount, ref mailbox.MessageRef) {
	if !account.MarkAsRead {
		return
	}
	if err := client.MarkRead(ctx, ref); err != nil {
		slog.Warn("mark read failed",
			"account_id", account.ID, "message_id", ref.ID, "error", err)
	}
}

func (p *Poller) forgetSeen(ctx context.Context, accountID, messageID string) {
	if p.seen == nil {
		return
	}
	if err := p.seen.Forget(ctx, accountID, messageID); err != nil {
		slog.Warn("seen filter forget failed",
			"account_id", accountID, "message_id", messageID, "error", err)
	}
}

// usableAttachments filters a message down to the attachment types the
// extractor accepts.
func usableAttachments(msg *mailbox.Message) []mailbox.Attachment {
	var out []mailbox.Attachment
	for _, att := range msg.Attachments {
		ext := strings.ToLower(filepath.Ext(att.Filename))
		if !allowedExtensions[ext] {
			slog.Debug("skipping attachment with unsupported extension",
				"message_id", msg.Ref.ID, "filename", att.Filename)
			continue
		}
		out = append(out, att)
	}
	return out
}
