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

// Ledgerbird — One-Shot Poll Command
//
// Standalone CLI tool that runs a single poll cycle for one account or for
// every pollable account, then exits. Intended for cron-style deployments
// and for verifying a new account's credentials.
//
// Usage:
//
//	go run ./cmd/pollonce/ [--account <id>] [--dry-run]
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ledgerbird/ingestion/internal/config"
	"github.com/ledgerbird/ingestion/internal/events"
	"github.com/ledgerbird/ingestion/internal/extract"
	"github.com/ledgerbird/ingestion/internal/invoices"
	"github.com/ledgerbird/ingestion/internal/mailbox"
	"github.com/ledgerbird/ingestion/internal/models"
	"github.com/ledgerbird/ingestion/internal/poller"
	"github.com/ledgerbird/ingestion/internal/secrets"
	"github.com/ledgerbird/ingestion/internal/store"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	accountFlag := flag.String("account", "", "Account ID to poll (optional; empty = every pollable account)")
	dryRunFlag := flag.Bool("dry-run", false, "List unread messages and their attachments without processing anything")
	flag.Parse()

	slog.Info("starting one-shot poll",
		"account", *accountFlag,
		"dry_run", *dryRunFlag,
	)

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}

	// --- Stores ---
	invoiceStore, err := store.NewInvoiceStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise invoice store", "error", err)
		os.Exit(1)
	}
	accountStore, err := store.NewAccountStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise account store", "error", err)
		os.Exit(1)
	}
	logStore, err := store.NewLogStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise processing log store", "error", err)
		os.Exit(1)
	}

	// --- Redis (skipped on dry runs, which touch nothing) ---
	var publisher poller.Publisher = invoices.NopPublisher{}
	var seenFilter poller.SeenFilter
	if !*dryRunFlag {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		publisher = events.NewPublisher(rdb, cfg.EventsQueue)
	}

	// --- Credential Codec ---
	codec, err := secrets.NewCodec(cfg.EncryptionKey)
	if err != nil {
		slog.Error("invalid encryption key", "error", err)
		os.Exit(1)
	}

	// --- Pipeline ---
	gemini := extract.NewClient(
		&http.Client{Timeout: cfg.ExtractionTimeout},
		cfg.GeminiBaseURL,
		cfg.GeminiAPIKey,
		cfg.GeminiModel,
	)
	extractor := extract.NewExtractor(gemini, extract.NewPDFText(cfg.PdftotextPath), cfg.MinTextLength)
	ingestion := invoices.NewService(extractor, invoiceStore, publisher)

	factory := mailbox.NewFactory(codec, accountStore, mailbox.FactoryConfig{
		GoogleClientID:     cfg.GoogleClientID,
		GoogleClientSecret: cfg.GoogleClientSecret,
		Timeout:            cfg.MailboxTimeout,
	})

	accountPoller := poller.New(poller.PollerConfig{
		Accounts:    accountStore,
		Logs:        logStore,
		Seen:        seenFilter,
		Ingester:    ingestion,
		Publisher:   publisher,
		NewClient:   factory.ClientFor,
		MaxMessages: cfg.MaxMessages,
	})

	// --- Select Accounts ---
	var accounts []models.EmailAccount
	if *accountFlag != "" {
		account, err := accountStore.Get(ctx, *accountFlag)
		if err != nil {
			slog.Error("load account failed", "account_id", *accountFlag, "error", err)
			os.Exit(1)
		}
		if account == nil {
			slog.Error("no such account", "account_id", *accountFlag)
			os.Exit(1)
		}
		accounts = []models.EmailAccount{*account}
	} else {
		accounts, err = accountStore.ListPollable(ctx)
		if err != nil {
			slog.Error("list pollable accounts failed", "error", err)
			os.Exit(1)
		}
	}

	if len(accounts) == 0 {
		slog.Info("no accounts to poll")
		return
	}

	// --- Poll ---
	var failures int
	for i := range accounts {
		account := &accounts[i]

		if *dryRunFlag {
			if err := listUnread(ctx, factory, account, cfg.MaxMessages); err != nil {
				slog.Error("dry run failed", "account_id", account.ID, "error", err)
				failures++
			}
			continue
		}

		stats := accountPoller.PollAccount(ctx, account)
		if stats.Status == poller.PollConnectionFailed || stats.Status == poller.PollError {
			failures++
		}

		slog.Info("account polled",
			"account_id", account.ID,
			"email", account.EmailAddress,
			"status", stats.Status,
			"emails_checked", stats.EmailsChecked,
			"invoices_created", stats.InvoicesCreated,
			"errors", stats.Errors,
		)
	}

	if failures > 0 {
		slog.Error("one-shot poll finished with failures", "failed_accounts", failures)
		os.Exit(1)
	}
	slog.Info("one-shot poll finished", "accounts", len(accounts))
}

// listUnread connects to an account's mailbox and logs its unread messages
// and attachments without processing, marking, or persisting anything.
func listUnread(ctx context.Context, factory *mailbox.Factory, account *models.EmailAccount, max int) error {
	client, err := factory.ClientFor(ctx, account)
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Disconnect()

	refs, err := client.ListUnread(ctx, max)
	if err != nil {
		return err
	}
	slog.Info("unread messages",
		"account_id", account.ID, "email", account.EmailAddress, "count", len(refs))

	for _, ref := range refs {
		msg, err := client.Fetch(ctx, ref)
		if err != nil {
			slog.Warn("fetch failed", "account_id", account.ID, "message_id", ref.ID, "error", err)
			continue
		}
		names := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			names = append(names, att.Filename)
		}
		slog.Info("unread message",
			"message_id", ref.ID,
			"subject", msg.Subject,
			"sender", msg.Sender,
			"date", msg.Date,
			"attachments", names,
		)
	}
	return nil
}
