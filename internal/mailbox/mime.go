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
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// parseMessage walks a raw RFC 822 message and collects its metadata and
// attachments. Inline parts without a filename are ignored; body text is
// not an attachment.
func parseMessage(r io.Reader, ref MessageRef) (*Message, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	msg := &Message{Ref: ref}

	header := mr.Header
	if subj, err := header.Subject(); err == nil {
		msg.Subject = subj
	}
	if addrs, err := header.AddressList("From"); err == nil && len(addrs) > 0 {
		msg.Sender = addrs[0].Address
	}
	if date, err := header.Date(); err == nil && !date.IsZero() {
		msg.Date = date.UTC()
	} else {
		// Missing or malformed Date header (an absent header parses as the
		// zero time without error). The processing log needs a timestamp,
		// so fall back to now.
		msg.Date = time.Now().UTC()
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// One broken part does not invalidate the rest of the message.
			slog.Warn("skipping unreadable message part", "message_id", ref.ID, "error", err)
			continue
		}

		ah, ok := part.Header.(*mail.AttachmentHeader)
		if !ok {
			continue
		}
		filename, err := ah.Filename()
		if err != nil || filename == "" {
			continue
		}

		data, err := io.ReadAll(part.Body)
		if err != nil {
			slog.Warn("skipping unreadable attachment", "message_id", ref.ID, "filename", filename, "error", err)
			continue
		}

		contentType := ""
		if ct, _, err := ah.ContentType(); err == nil {
			contentType = strings.ToLower(ct)
		}

		msg.Attachments = append(msg.Attachments, Attachment{
			Filename:    filename,
			ContentType: contentType,
			Data:        data,
		})
	}

	return msg, nil
}
