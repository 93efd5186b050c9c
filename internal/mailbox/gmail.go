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
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	netmail "net/mail"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	// DefaultGmailBaseURL is the Gmail REST endpoint; tests point this at
	// a local server.
	DefaultGmailBaseURL = "https://gmail.googleapis.com"

	// GoogleTokenURL is Google's OAuth2 token endpoint.
	GoogleTokenURL = "https://oauth2.googleapis.com/token"
)

// TokenSaver persists a refreshed OAuth token. The mailbox layer hands the
// caller the plaintext token; encrypting and storing it is the caller's job.
type TokenSaver func(ctx context.Context, tok *oauth2.Token) error

// GmailConfig carries everything needed to open a Gmail session.
type GmailConfig struct {
	ClientID     string
	ClientSecret string

	// Token is the user's decrypted OAuth token.
	Token *oauth2.Token

	// Saver is called when the library refreshed the token, so the new
	// refresh/access pair survives a restart. Optional.
	Saver TokenSaver

	// BaseURL and HTTPClient override the Google endpoints and transport
	// in tests. Zero values mean production defaults.
	BaseURL    string
	TokenURL   string
	HTTPClient *http.Client

	Timeout time.Duration
}

// GmailClient is a Client over the Gmail REST API. Message refs are Gmail
// message IDs, which are stable for the life of the mailbox.
type GmailClient struct {
	cfg     GmailConfig
	baseURL string

	httpClient *http.Client
	source     oauth2.TokenSource
	lastAccess string
}

// NewGmailClient builds an unconnected Gmail client.
func NewGmailClient(cfg GmailConfig) *GmailClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultGmailBaseURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = GoogleTokenURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &GmailClient{
		cfg:     cfg,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Connect builds the token-refreshing HTTP client and verifies the
// credentials with a profile request.
func (g *GmailClient) Connect(ctx context.Context) error {
	conf := &oauth2.Config{
		ClientID:     g.cfg.ClientID,
		ClientSecret: g.cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: g.cfg.TokenURL},
	}

	if g.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, g.cfg.HTTPClient)
	}

	g.source = oauth2.ReuseTokenSource(g.cfg.Token, conf.TokenSource(ctx, g.cfg.Token))
	g.httpClient = oauth2.NewClient(ctx, g.source)
	g.httpClient.Timeout = g.cfg.Timeout
	if g.cfg.Token != nil {
		g.lastAccess = g.cfg.Token.AccessToken
	}

	var profile struct {
		EmailAddress string `json:"emailAddress"`
	}
	if err := g.getJSON(ctx, "/gmail/v1/users/me/profile", &profile); err != nil {
		return fmt.Errorf("gmail profile check: %w", err)
	}
	g.persistToken(ctx)

	slog.Debug("gmail connected", "email", profile.EmailAddress)
	return nil
}

// ListUnread returns refs for the most recent unread messages, oldest
// first.
func (g *GmailClient) ListUnread(ctx context.Context, max int) ([]MessageRef, error) {
	if max <= 0 {
		max = DefaultMaxMessages
	}

	var list struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	path := fmt.Sprintf("/gmail/v1/users/me/messages?labelIds=UNREAD&maxResults=%d", max)
	if err := g.getJSON(ctx, path, &list); err != nil {
		return nil, fmt.Errorf("list unread: %w", err)
	}
	g.persistToken(ctx)

	// Gmail returns newest first; the poller wants oldest first.
	refs := make([]MessageRef, 0, len(list.Messages))
	for i := len(list.Messages) - 1; i >= 0; i-- {
		refs = append(refs, MessageRef{ID: list.Messages[i].ID})
	}
	return refs, nil
}

// gmailPart is the recursive MIME payload shape of the Gmail API.
type gmailPart struct {
	MimeType string `json:"mimeType"`
	Filename string `json:"filename"`
	Headers  []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"headers"`
	Body struct {
		AttachmentID string `json:"attachmentId"`
		Data         string `json:"data"`
	} `json:"body"`
	Parts []gmailPart `json:"parts"`
}

// Fetch retrieves one message with its attachments. Attachment bodies over
// Gmail's inline size limit arrive as separate attachment resources.
func (g *GmailClient) Fetch(ctx context.Context, ref MessageRef) (*Message, error) {
	var raw struct {
		ID           string    `json:"id"`
		InternalDate string    `json:"internalDate"`
		Payload      gmailPart `json:"payload"`
	}
	if err := g.getJSON(ctx, "/gmail/v1/users/me/messages/"+ref.ID+"?format=full", &raw); err != nil {
		return nil, fmt.Errorf("fetch message %s: %w", ref.ID, err)
	}

	msg := &Message{Ref: ref, Date: time.Now().UTC()}
	if ms, err := strconv.ParseInt(raw.InternalDate, 10, 64); err == nil {
		msg.Date = time.UnixMilli(ms).UTC()
	}
	for _, h := range raw.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "subject":
			msg.Subject = h.Value
		case "from":
			if addr, err := netmail.ParseAddress(h.Value); err == nil {
				msg.Sender = addr.Address
			} else {
				msg.Sender = h.Value
			}
		}
	}

	if err := g.collectAttachments(ctx, ref.ID, raw.Payload, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (g *GmailClient) collectAttachments(ctx context.Context, messageID string, part gmailPart, msg *Message) error {
	if part.Filename != "" {
		data, err := g.attachmentData(ctx, messageID, part)
		if err != nil {
			return err
		}
		msg.Attachments = append(msg.Attachments, Attachment{
			Filename:    part.Filename,
			ContentType: strings.ToLower(part.MimeType),
			Data:        data,
		})
	}
	for _, child := range part.Parts {
		if err := g.collectAttachments(ctx, messageID, child, msg); err != nil {
			return err
		}
	}
	return nil
}

func (g *GmailClient) attachmentData(ctx context.Context, messageID string, part gmailPart) ([]byte, error) {
	encoded := part.Body.Data
	if encoded == "" && part.Body.AttachmentID != "" {
		var att struct {
			Data string `json:"data"`
		}
		path := "/gmail/v1/users/me/messages/" + messageID + "/attachments/" + part.Body.AttachmentID
		if err := g.getJSON(ctx, path, &att); err != nil {
			return nil, fmt.Errorf("fetch attachment %s: %w", part.Filename, err)
		}
		encoded = att.Data
	}
	return decodeBase64URL(encoded)
}

// MarkRead removes the UNREAD label.
func (g *GmailClient) MarkRead(ctx context.Context, ref MessageRef) error {
	body := map[string]any{"removeLabelIds": []string{"UNREAD"}}
	if err := g.postJSON(ctx, "/gmail/v1/users/me/messages/"+ref.ID+"/modify", body, nil); err != nil {
		return fmt.Errorf("mark read %s: %w", ref.ID, err)
	}
	return nil
}

// Disconnect persists any token the library refreshed during the session.
func (g *GmailClient) Disconnect() error {
	if g.source != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.persistToken(ctx)
	}
	g.httpClient = nil
	g.source = nil
	return nil
}

// persistToken hands a refreshed token to the saver. Best effort: the
// session keeps working on the in-memory token either way.
func (g *GmailClient) persistToken(ctx context.Context) {
	if g.cfg.Saver == nil || g.source == nil {
		return
	}
	tok, err := g.source.Token()
	if err != nil || tok.AccessToken == g.lastAccess {
		return
	}
	if err := g.cfg.Saver(ctx, tok); err != nil {
		slog.Warn("persist refreshed oauth token failed", "error", err)
		return
	}
	g.lastAccess = tok.AccessToken
	slog.Debug("refreshed oauth token persisted")
}

func (g *GmailClient) getJSON(ctx context.Context, path string, out any) error {
	return g.doJSON(ctx, http.MethodGet, path, nil, out)
}

func (g *GmailClient) postJSON(ctx context.Context, path string, in, out any) error {
	return g.doJSON(ctx, http.MethodPost, path, in, out)
}

func (g *GmailClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	if g.httpClient == nil {
		return fmt.Errorf("gmail client not connected")
	}

	var body io.Reader
	if in != nil {
		bs, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(bs)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gmail request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrAuth, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gmail API returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeBase64URL handles Gmail's URL-safe base64, with and without padding.
func decodeBase64URL(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if data, err := base64.URLEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode attachment data: %w", err)
	}
	return data, nil
}
