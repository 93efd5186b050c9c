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

package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
)

// IMAPClient is a Client over a plain IMAP4rev1 server. Message refs are
// UIDs, which stay stable across sessions as long as the folder's
// UIDVALIDITY does.
type IMAPClient struct {
	server   string
	port     int
	username string
	password string
	useSSL   bool
	folder   string
	timeout  time.Duration

	c *imapclient.Client
}

// NewIMAPClient builds an unconnected IMAP client. password is the already
// decrypted secret; decryption is the caller's concern.
func NewIMAPClient(server string, port int, username, password string, useSSL bool, folder string, timeout time.Duration) *IMAPClient {
	if folder == "" {
		folder = "INBOX"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &IMAPClient{
		server:   server,
		port:     port,
		username: username,
		password: password,
		useSSL:   useSSL,
		folder:   folder,
		timeout:  timeout,
	}
}

// Connect dials the server, authenticates, and selects the watched folder.
func (i *IMAPClient) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", i.server, i.port)

	var c *imapclient.Client
	var err error
	if i.useSSL {
		c, err = imapclient.DialTLS(addr, nil)
	} else {
		c, err = imapclient.Dial(addr)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	c.Timeout = i.timeout

	if err := c.Login(i.username, i.password); err != nil {
		c.Logout()
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}

	if _, err := c.Select(i.folder, false); err != nil {
		c.Logout()
		return fmt.Errorf("select %q: %w", i.folder, err)
	}

	i.c = c
	slog.Debug("imap connected", "server", i.server, "folder", i.folder)
	return nil
}

// ListUnread searches for messages without the \Seen flag and returns the
// most recent max of them, oldest first.
func (i *IMAPClient) ListUnread(ctx context.Context, max int) ([]MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = DefaultMaxMessages
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}

	uids, err := i.c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("search unread: %w", err)
	}

	// UIDs come back ascending. Keep the newest max but preserve order.
	if len(uids) > max {
		uids = uids[len(uids)-max:]
	}

	refs := make([]MessageRef, 0, len(uids))
	for _, uid := range uids {
		refs = append(refs, MessageRef{ID: strconv.FormatUint(uint64(uid), 10)})
	}
	return refs, nil
}

// Fetch retrieves one message by UID. The body fetch uses BODY.PEEK so the
// server does not flag the message as read as a side effect.
func (i *IMAPClient) Fetch(ctx context.Context, ref MessageRef) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	uid, err := strconv.ParseUint(ref.ID, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("bad uid %q: %w", ref.ID, err)
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uint32(uid))

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}

	ch := make(chan *imap.Message, 1)
	if err := i.c.UidFetch(seqset, items, ch); err != nil {
		return nil, fmt.Errorf("fetch uid %d: %w", uid, err)
	}

	msg := <-ch
	if msg == nil {
		return nil, fmt.Errorf("message uid %d not found", uid)
	}

	body := msg.GetBody(section)
	if body == nil {
		return nil, fmt.Errorf("message uid %d has no body section", uid)
	}

	return parseMessage(body, ref)
}

// MarkRead adds the \Seen flag to the message.
func (i *IMAPClient) MarkRead(ctx context.Context, ref MessageRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	uid, err := strconv.ParseUint(ref.ID, 10, 32)
	if err != nil {
		return fmt.Errorf("bad uid %q: %w", ref.ID, err)
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uint32(uid))

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.SeenFlag}
	if err := i.c.UidStore(seqset, item, flags, nil); err != nil {
		return fmt.Errorf("store \\Seen on uid %d: %w", uid, err)
	}
	return nil
}

// Disconnect logs out. Errors are swallowed; the session is gone either way.
func (i *IMAPClient) Disconnect() error {
	if i.c == nil {
		return nil
	}
	if err := i.c.Logout(); err != nil {
		slog.Debug("imap logout", "error", err)
	}
	i.c = nil
	return nil
}
