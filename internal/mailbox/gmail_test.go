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
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func freshToken() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  "test-access",
		RefreshToken: "test-refresh",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
	}
}

func testGmailClient(srv *httptest.Server, tok *oauth2.Token, saver TokenSaver) *GmailClient {
	return NewGmailClient(GmailConfig{
		ClientID:     "cid",
		ClientSecret: "csecret",
		Token:        tok,
		Saver:        saver,
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/token",
		HTTPClient:   srv.Client(),
	})
}

func gmailMux(t *testing.T) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"emailAddress": "user@example.com"})
	})
	return mux
}

func TestGmailConnectAuthFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := testGmailClient(srv, freshToken(), nil)
	err := g.Connect(context.Background())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
}

func TestGmailListUnreadOldestFirst(t *testing.T) {
	mux := gmailMux(t)
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("labelIds"); got != "UNREAD" {
			t.Errorf("labelIds = %q", got)
		}
		if got := r.URL.Query().Get("maxResults"); got != "5" {
			t.Errorf("maxResults = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{{"id": "newest"}, {"id": "middle"}, {"id": "oldest"}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := testGmailClient(srv, freshToken(), nil)
	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	refs, err := g.ListUnread(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListUnread: %v", err)
	}
	want := []string{"oldest", "middle", "newest"}
	if len(refs) != len(want) {
		t.Fatalf("got %d refs, want %d", len(refs), len(want))
	}
	for i, w := range want {
		if refs[i].ID != w {
			t.Errorf("refs[%d] = %s, want %s", i, refs[i].ID, w)
		}
	}
}

func TestGmailFetchWithNestedAttachment(t *testing.T) {
	pdfBytes := []byte("%PDF-1.4 fake invoice")

	mux := gmailMux(t)
	mux.HandleFunc("/gmail/v1/users/me/messages/msg-1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":           "msg-1",
			"internalDate": "1709290800000",
			"payload": map[string]any{
				"mimeType": "multipart/mixed",
				"headers": []map[string]string{
					{"name": "Subject", "value": "Your invoice"},
					{"name": "From", "value": "Billing <billing@vendor.com>"},
				},
				"parts": []map[string]any{
					{
						"mimeType": "text/plain",
						"filename": "",
						"body":     map[string]any{"data": base64.URLEncoding.EncodeToString([]byte("see attached"))},
					},
					{
						"mimeType": "application/pdf",
						"filename": "invoice.pdf",
						"body":     map[string]any{"attachmentId": "att-1"},
					},
				},
			},
		})
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/msg-1/attachments/att-1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"data": base64.RawURLEncoding.EncodeToString(pdfBytes),
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := testGmailClient(srv, freshToken(), nil)
	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	msg, err := g.Fetch(context.Background(), MessageRef{ID: "msg-1"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if msg.Subject != "Your invoice" {
		t.Errorf("subject = %q", msg.Subject)
	}
	if msg.Sender != "billing@vendor.com" {
		t.Errorf("sender = %q", msg.Sender)
	}
	if msg.Date.Year() != 2024 {
		t.Errorf("date = %v", msg.Date)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("got %d attachments, want 1", len(msg.Attachments))
	}
	att := msg.Attachments[0]
	if att.Filename != "invoice.pdf" || att.ContentType != "application/pdf" {
		t.Errorf("attachment meta = %q/%q", att.Filename, att.ContentType)
	}
	if string(att.Data) != string(pdfBytes) {
		t.Errorf("attachment data mismatch")
	}
}

func TestGmailMarkRead(t *testing.T) {
	var gotBody map[string]any

	mux := gmailMux(t)
	mux.HandleFunc("/gmail/v1/users/me/messages/msg-1/modify", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte("{}"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g := testGmailClient(srv, freshToken(), nil)
	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := g.MarkRead(context.Background(), MessageRef{ID: "msg-1"}); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	labels, _ := gotBody["removeLabelIds"].([]any)
	if len(labels) != 1 || labels[0] != "UNREAD" {
		t.Errorf("removeLabelIds = %v", gotBody["removeLabelIds"])
	}
}

func TestGmailRefreshedTokenIsSaved(t *testing.T) {
	mux := gmailMux(t)
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var saved *oauth2.Token
	saver := func(_ context.Context, tok *oauth2.Token) error {
		saved = tok
		return nil
	}

	expired := &oauth2.Token{
		AccessToken:  "stale-access",
		RefreshToken: "test-refresh",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(-time.Hour),
	}
	g := testGmailClient(srv, expired, saver)
	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if saved == nil {
		t.Fatal("refreshed token was not handed to the saver")
	}
	if saved.AccessToken != "new-access" {
		t.Errorf("saved access token = %q", saved.AccessToken)
	}
}
