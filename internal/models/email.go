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

package models

import "time"

// Mailbox providers.
const (
	ProviderGmailOAuth = "gmail-oauth"
	ProviderIMAP       = "imap"
)

// EmailAccount holds one user's mailbox configuration and polling state.
// Connection secrets (IMAPPassword, OAuthToken) are encrypted at rest.
type EmailAccount struct {
	ID           string
	OwnerID      string
	EmailAddress string
	Provider     string // ProviderGmailOAuth or ProviderIMAP

	// Gmail OAuth: encrypted JSON token blob.
	OAuthToken       *string
	OAuthTokenExpiry *time.Time

	// IMAP: server settings plus encrypted password.
	IMAPServer   *string
	IMAPPort     int
	IMAPUsername *string
	IMAPPassword *string
	UseSSL       bool

	FolderToWatch          string
	MarkAsRead             bool
	PollingEnabled         bool
	PollingIntervalMinutes int

	LastPollTime   *time.Time
	LastPollStatus *string // "success" or "error"
	LastError      *string

	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Due reports whether the account should be polled now, given its interval
// and the time of its last completed poll.
func (a *EmailAccount) Due(now time.Time) bool {
	if a.LastPollTime == nil {
		return true
	}
	next := a.LastPollTime.Add(time.Duration(a.PollingIntervalMinutes) * time.Minute)
	return !now.Before(next)
}

// Processing log statuses.
const (
	LogStatusSuccess = "success"
	LogStatusPartial = "partial"
	LogStatusFailed  = "failed"
	LogStatusSkipped = "skipped"
)

// ProcessingLog is one append-only row per (account, message) processing
// attempt. The provider-native MessageID is the idempotence key: a prior
// success row for the same account and message id prevents reprocessing.
type ProcessingLog struct {
	ID        string
	OwnerID   string
	AccountID string

	MessageID   string
	Subject     string
	Sender      string
	MessageDate time.Time

	AttachmentsFound     int
	AttachmentsProcessed int
	InvoicesCreated      int

	Status       string
	ErrorMessage *string
	ProcessedAt  time.Time
}
