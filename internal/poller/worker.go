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
	"log/slog"
	"sync"
	"time"
)

// DefaultCheckInterval is how often the worker looks for due accounts.
// Each account's own polling interval decides whether it actually runs.
const DefaultCheckInterval = time.Minute

// Worker runs the poller on a schedule: every check interval it loads the
// pollable accounts and polls the due ones concurrently.
type Worker struct {
	poller        *Poller
	accounts      AccountStore
	checkInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a background polling worker.
func NewWorker(p *Poller, accounts AccountStore, checkInterval time.Duration) *Worker {
	if checkInterval <= 0 {
		checkInterval = DefaultCheckInterval
	}
	return &Worker{
		poller:        p,
		accounts:      accounts,
		checkInterval: checkInterval,
	}
}

// Start launches the polling loop in the background.
func (w *Worker) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(loopCtx)

	slog.Info("polling worker started", "check_interval", w.checkInterval)
}

// Stop gracefully shuts down the polling loop, waiting for any in-flight
// cycle to finish.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	slog.Info("polling worker stopped")
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()

	// One pass right away so a restart does not wait a full interval.
	w.RunDue(ctx)

	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunDue(ctx)
		}
	}
}

// RunDue polls every account whose interval has elapsed, one goroutine per
// account. It returns when all due accounts have finished.
func (w *Worker) RunDue(ctx context.Context) {
	accounts, err := w.accounts.ListPollable(ctx)
	if err != nil {
		slog.Error("list pollable accounts failed", "error", err)
		return
	}

	now := time.Now().UTC()
	var due int
	var wg sync.WaitGroup
	for i := range accounts {
		account := accounts[i]
		if !account.Due(now) {
			continue
		}
		due++
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.poller.PollAccount(ctx, &account)
		}()
	}
	wg.Wait()

	if due > 0 {
		slog.Debug("poll pass complete", "accounts_due", due, "accounts_total", len(accounts))
	}
}
