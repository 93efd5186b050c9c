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

// Package mailbox abstracts the two mailbox backends (IMAP, Gmail REST)
// behind one client interface. Message IDs are provider-native and stable:
// IMAP UIDs, Gmail message IDs. The poller never knows which backend it is
// talking to.
package mailbox

import (
	"context"
	"errors"
	"time"
)

// DefaultMaxMessages bounds how many unread messages one poll cycle will
// touch. A freshly connected mailbox with years of unread mail must not
// turn its first poll into a bulk import.
const DefaultMaxMessages = 5

// ErrAuth indicates the backend rejected our credentials. Callers treat it
// as a connection failure, not a processing failure.
var ErrAuth = errors.New("mailbox authentication failed")

// MessageRef identifies one message within a connected mailbox.
type MessageRef struct {
	// ID is the provider-native stable identifier: an IMAP UID rendered in
	// decimal, or a Gmail message ID.
	ID string
}

// Attachment is one file pulled out of a message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is a fetched message with its attachments decoded.
type Message struct {
	Ref         MessageRef
	Subject     string
	Sender      string
	Date        time.Time
	Attachments []Attachment
}

// Client is one authenticated mailbox session. Implementations are not safe
// for concurrent use; the poller drives one client per account at a time.
type Client interface {
	// Connect authenticates and selects the watched folder.
	Connect(ctx context.Context) error

	// ListUnread returns refs for unread messages, oldest first, bounded
	// by max (0 means DefaultMaxMessages).
	ListUnread(ctx context.Context, max int) ([]MessageRef, error)

	// Fetch retrieves a message and decodes its attachments.
	Fetch(ctx context.Context, ref MessageRef) (*Message, error)

	// MarkRead flags the message as read on the server.
	MarkRead(ctx context.Context, ref MessageRef) error

	// Disconnect releases the session. Safe to call after a failed Connect.
	Disconnect() error
}
