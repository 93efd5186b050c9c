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

// Ledgerbird — Invoice Ingestion Service
//
// Entry point for the ingestion service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL and Redis
//  3. Wires the extraction, canonicalization, and persistence pipeline
//  4. Starts the background mailbox polling worker
//  5. Serves the HTTP API (uploads, listings, on-demand polls)
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ledgerbird/ingestion/internal/config"
	"github.com/ledgerbird/ingestion/internal/events"
	"github.com/ledgerbird/ingestion/internal/extract"
	"github.com/ledgerbird/ingestion/internal/invoices"
	"github.com/ledgerbird/ingestion/internal/mailbox"
	"github.com/ledgerbird/ingestion/internal/poller"
	"github.com/ledgerbird/ingestion/internal/secrets"
	"github.com/ledgerbird/ingestion/internal/seen"
	"github.com/ledgerbird/ingestion/internal/server"
	"github.com/ledgerbird/ingestion/internal/store"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting ledgerbird ingestion service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"gemini_model", cfg.GeminiModel,
		"poll_check_interval", cfg.PollCheckInterval,
		"max_messages", cfg.MaxMessages,
	)

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
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)

	publisher := events.NewPublisher(rdb, cfg.EventsQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Seen Filter ---
	seenFilter := seen.NewFilter(rdb)

	// --- Stores (Postgres) ---
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

	// --- Credential Codec ---
	codec, err := secrets.NewCodec(cfg.EncryptionKey)
	if err != nil {
		slog.Error("invalid encryption key", "error", err)
		os.Exit(1)
	}

	// --- Extraction Pipeline ---
	gemini := extract.NewClient(
		&http.Client{Timeout: cfg.ExtractionTimeout},
		cfg.GeminiBaseURL,
		cfg.GeminiAPIKey,
		cfg.GeminiModel,
	)
	extractor := extract.NewExtractor(gemini, extract.NewPDFText(cfg.PdftotextPath), cfg.MinTextLength)
	ingestion := invoices.NewService(extractor, invoiceStore, publisher)

	// --- Mailbox Clients ---
	factory := mailbox.NewFactory(codec, accountStore, mailbox.FactoryConfig{
		GoogleClientID:     cfg.GoogleClientID,
		GoogleClientSecret: cfg.GoogleClientSecret,
		Timeout:            cfg.MailboxTimeout,
	})

	// --- Poller + Background Worker ---
	accountPoller := poller.New(poller.PollerConfig{
		Accounts:    accountStore,
		Logs:        logStore,
		Seen:        seenFilter,
		Ingester:    ingestion,
		Publisher:   publisher,
		NewClient:   factory.ClientFor,
		MaxMessages: cfg.MaxMessages,
	})

	worker := poller.NewWorker(accountPoller, accountStore, cfg.PollCheckInterval)
	worker.Start(ctx)

	// --- HTTP API ---
	handler := server.NewHandler(ingestion, invoiceStore, accountStore, logStore, accountPoller)
	ready, err := server.Serve(ctx, cfg.Port, handler)
	if err != nil {
		slog.Error("failed to start API server", "error", err)
		os.Exit(1)
	}
	<-ready

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel()

	worker.Stop()

	// Give the API server's shutdown goroutine a moment to drain.
	time.Sleep(100 * time.Millisecond)

	rdb.Close()
	pgPool.Close()

	slog.Info("ingestion service stopped")
}
