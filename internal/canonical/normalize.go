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

// Package canonical normalizes raw extracted invoice fields into one
// consistent representation and validates the result. Normalization is
// total: malformed input resolves to a documented fallback (default
// currency, nil date, nil amount), never an error. Each field is
// normalized in isolation — no function here reads across fields.
package canonical

import (
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/ledgerbird/ingestion/internal/models"
)

// DefaultCurrency is used whenever the raw currency is missing or unrecognized.
const DefaultCurrency = "USD"

// currencyTable maps raw tokens (symbols, names, variants) to ISO 4217
// codes. Order matters for the substring fallback: earlier entries win.
var currencyTable = []struct {
	token string
	code  string
}{
	{"USD", "USD"}, {"$", "USD"}, {"US", "USD"}, {"DOLLAR", "USD"}, {"DOLLARS", "USD"}, {"US DOLLAR", "USD"},
	{"INR", "INR"}, {"₹", "INR"}, {"RS", "INR"}, {"RUPEE", "INR"}, {"RUPEES", "INR"}, {"INDIAN RUPEE", "INR"},
	{"EUR", "EUR"}, {"€", "EUR"}, {"EURO", "EUR"}, {"EUROS", "EUR"},
	{"GBP", "GBP"}, {"£", "GBP"}, {"POUND", "GBP"}, {"POUNDS", "GBP"}, {"STERLING", "GBP"},
	{"CAD", "CAD"}, {"AUD", "AUD"},
	{"JPY", "JPY"}, {"¥", "JPY"}, {"YEN", "JPY"},
	{"CNY", "CNY"}, {"YUAN", "CNY"},
	{"CHF", "CHF"}, {"FRANC", "CHF"},
	{"SGD", "SGD"},
	{"AED", "AED"}, {"DIRHAM", "AED"},
}

var currencyByToken = func() map[string]string {
	m := make(map[string]string, len(currencyTable))
	for _, e := range currencyTable {
		m[e.token] = e.code
	}
	return m
}()

var isoCodeRE = regexp.MustCompile(`\b([A-Z]{3})\b`)

// NormalizeCurrency resolves a raw currency string (symbol, name, code, or
// noise) to a known 3-letter ISO code. Lookup order: direct table hit,
// embedded 3-letter uppercase token, substring match against any known
// token. Unknown input silently defaults to DefaultCurrency.
func NormalizeCurrency(raw *string) string {
	if raw == nil {
		return DefaultCurrency
	}

	clean := strings.ToUpper(strings.TrimSpace(*raw))
	clean = strings.TrimSpace(strings.ReplaceAll(clean, "CURRENCY:", ""))
	if clean == "" {
		return DefaultCurrency
	}

	if code, ok := currencyByToken[clean]; ok {
		return code
	}

	if m := isoCodeRE.FindStringSubmatch(clean); m != nil {
		if code, ok := currencyByToken[m[1]]; ok {
			return code
		}
	}

	for _, e := range currencyTable {
		if strings.Contains(clean, e.token) {
			return e.code
		}
	}

	slog.Debug("unrecognized currency, using default", "raw", *raw, "default", DefaultCurrency)
	return DefaultCurrency
}

// dateLayouts are tried in order; first parse wins. Day-first variants
// precede month-first so that unambiguous EU dates resolve correctly and
// ambiguous ones resolve consistently.
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02-01-2006",
	"02/01/2006",
	"01-02-2006",
	"01/02/2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"2 Jan 2006",
	"20060102",
}

// NormalizeDate parses a free-form date string into a UTC calendar date.
// A string matching none of the supported layouts yields nil, never an error.
func NormalizeDate(raw *string) *time.Time {
	if raw == nil {
		return nil
	}
	clean := strings.TrimSpace(*raw)
	if clean == "" {
		return nil
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, clean); err == nil {
			d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &d
		}
	}

	slog.Debug("unparseable date, dropping", "raw", *raw)
	return nil
}

// maxPlausibleAmount is informational only — larger values are kept.
var maxPlausibleAmount = decimal.New(99999999999, -2) // 999,999,999.99

// NormalizeAmount converts a raw amount to an exact value rounded to two
// decimal places. It accepts the value shapes extraction output actually
// produces (number, numeric string, nil); anything non-numeric yields nil.
// Negative or implausibly large amounts are kept and only flagged in logs.
func NormalizeAmount(raw any) *decimal.Decimal {
	var d decimal.Decimal

	switch v := raw.(type) {
	case nil:
		return nil
	case *float64:
		if v == nil {
			return nil
		}
		return NormalizeAmount(*v)
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
		d = decimal.NewFromFloat(v)
	case int:
		d = decimal.NewFromInt(int64(v))
	case int64:
		d = decimal.NewFromInt(v)
	case decimal.Decimal:
		d = v
	case string:
		parsed, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			slog.Debug("non-numeric amount, dropping", "raw", v)
			return nil
		}
		d = parsed
	default:
		return nil
	}

	d = d.Round(2)

	if d.IsNegative() {
		slog.Warn("negative amount kept as-is", "amount", d.String())
	}
	if d.GreaterThan(maxPlausibleAmount) {
		slog.Warn("unusually large amount, please verify", "amount", d.String())
	}

	return &d
}

// NormalizeText trims and collapses internal whitespace runs to single
// spaces; empty-after-trim becomes nil. With titleCase set and at least one
// letter present, the result is title-cased — used for vendor names but
// never invoice numbers, which must keep their original casing.
func NormalizeText(raw *string, titleCase bool) *string {
	if raw == nil {
		return nil
	}

	collapsed := strings.Join(strings.Fields(*raw), " ")
	if collapsed == "" {
		return nil
	}

	if titleCase && strings.ContainsFunc(collapsed, unicode.IsLetter) {
		collapsed = titleCaseString(collapsed)
	}

	return &collapsed
}

// titleCaseString uppercases the first letter of every letter-run and
// lowercases the rest, so "ACME CORP" becomes "Acme Corp" and "o'neil"
// becomes "O'Neil".
func titleCaseString(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevLetter := false
	for _, r := range s {
		switch {
		case !unicode.IsLetter(r):
			b.WriteRune(r)
			prevLetter = false
		case prevLetter:
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(unicode.ToUpper(r))
			prevLetter = true
		}
	}
	return b.String()
}

// RoundConfidence rounds a confidence estimate to four decimal places.
func RoundConfidence(c float64) float64 {
	return math.Round(c*10000) / 10000
}

// Canonicalize applies every normalization rule field-by-field. Pure
// composition: no cross-field logic, no failure modes.
func Canonicalize(raw models.ExtractedFields) models.CanonicalFields {
	return models.CanonicalFields{
		InvoiceNumber: NormalizeText(raw.InvoiceNumber, false),
		VendorName:    NormalizeText(raw.VendorName, true),
		AmountDue:     NormalizeAmount(raw.AmountDue),
		DueDate:       NormalizeDate(raw.DueDate),
		InvoiceDate:   NormalizeDate(raw.InvoiceDate),
		Currency:      NormalizeCurrency(raw.Currency),
		Confidence:    RoundConfidence(raw.Confidence),
	}
}
