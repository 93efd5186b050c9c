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
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
)

// DefaultPdftotextPath is where the poppler binary usually lives.
const DefaultPdftotextPath = "pdftotext"

// PDFText extracts an embedded text layer from PDF bytes by shelling out to
// pdftotext. Scanned PDFs with no text layer come back empty, not as an
// error.
type PDFText struct {
	binPath string
}

// NewPDFText returns a PDFText runner. An empty binPath falls back to
// looking up pdftotext on PATH.
func NewPDFText(binPath string) *PDFText {
	if binPath == "" {
		binPath = DefaultPdftotextPath
	}
	return &PDFText{binPath: binPath}
}

// Extract writes the PDF to a temp file and converts it to plain text.
func (p *PDFText) Extract(ctx context.Context, data []byte) (string, error) {
	tmp, err := os.CreateTemp("", "ingest-*.pdf")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.binPath, "-layout", "-enc", "UTF-8", "-eol", "unix", tmp.Name(), "-")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("pdftotext: %v: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.String(), nil
}
