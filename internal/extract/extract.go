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

package extract

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/ledgerbird/ingestion/internal/models"
)

// DefaultMinTextLength is the smallest text layer worth sending down the
// text path. Shorter layers usually mean a scanned PDF with stray OCR
// artifacts, so the whole document goes to the vision path instead.
const DefaultMinTextLength = 100

// Invoker is the model-facing half of the extractor. Split out so tests can
// substitute a canned model.
type Invoker interface {
	FromText(ctx context.Context, text string) (models.ExtractedFields, error)
	FromDocument(ctx context.Context, data []byte, mimeType string) (models.ExtractedFields, error)
}

// TextExtractor pulls an embedded text layer out of PDF bytes.
type TextExtractor interface {
	Extract(ctx context.Context, data []byte) (string, error)
}

// Extractor routes a file to the cheapest extraction path that can handle
// it: digital PDFs and plain text go as text, scanned PDFs and images go as
// document bytes.
type Extractor struct {
	invoker    Invoker
	pdfText    TextExtractor
	minTextLen int
}

// NewExtractor wires an extractor. minTextLen <= 0 uses the default.
func NewExtractor(invoker Invoker, pdfText TextExtractor, minTextLen int) *Extractor {
	if minTextLen <= 0 {
		minTextLen = DefaultMinTextLength
	}
	return &Extractor{invoker: invoker, pdfText: pdfText, minTextLen: minTextLen}
}

// ProcessFile extracts invoice fields from raw file bytes. filename decides
// routing when the content type is generic. The returned string is the text
// layer that was sent to the model, nil when the vision path was used.
func (e *Extractor) ProcessFile(ctx context.Context, data []byte, filename, contentType string) (models.ExtractedFields, *string, error) {
	var fields models.ExtractedFields

	mimeType := resolveMIMEType(filename, contentType)

	switch {
	case mimeType == "application/pdf":
		text, err := e.pdfText.Extract(ctx, data)
		if err != nil {
			// A broken text layer is not fatal, the vision path still works.
			slog.Warn("pdf text extraction failed, falling back to vision",
				"filename", filename, "error", err)
			text = ""
		}
		if len(strings.TrimSpace(text)) > e.minTextLen {
			fields, err := e.invoker.FromText(ctx, text)
			if err != nil {
				return fields, nil, err
			}
			return fields, &text, nil
		}
		fields, err = e.invoker.FromDocument(ctx, data, "application/pdf")
		return fields, nil, err

	case mimeType == "text/plain":
		text := string(data)
		fields, err := e.invoker.FromText(ctx, text)
		if err != nil {
			return fields, nil, err
		}
		return fields, &text, nil

	case strings.HasPrefix(mimeType, "image/"):
		fields, err := e.invoker.FromDocument(ctx, data, mimeType)
		return fields, nil, err

	default:
		return fields, nil, fmt.Errorf("unsupported file type %q for %q", mimeType, filename)
	}
}

// resolveMIMEType prefers a specific declared content type but falls back
// to the filename extension when the sender declared something generic.
func resolveMIMEType(filename, contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct != "" && ct != "application/octet-stream" {
		return ct
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return "application/pdf"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".txt":
		return "text/plain"
	default:
		return ct
	}
}
