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

package canonical

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/ledgerbird/ingestion/internal/models"
)

func decptr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestValidate_InvoiceNumberAloneIsEnough(t *testing.T) {
	f := models.CanonicalFields{
		InvoiceNumber: strptr("INV-1"),
		Currency:      "USD",
	}
	if err := Validate(f); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate_VendorAndAmountIsEnough(t *testing.T) {
	f := models.CanonicalFields{
		VendorName: strptr("Acme"),
		AmountDue:  decptr("100.00"),
		Currency:   "USD",
	}
	if err := Validate(f); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// An amount with neither an invoice number nor a vendor is not enough.
func TestValidate_AmountAloneIsIncomplete(t *testing.T) {
	f := models.CanonicalFields{
		AmountDue: decptr("100.00"),
		Currency:  "USD",
	}
	err := Validate(f)
	if err == nil {
		t.Fatal("expected a validation error")
	}
	verr, ok := AsValidationError(err)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if verr.Kind != RuleIncomplete {
		t.Errorf("kind = %q, want %q", verr.Kind, RuleIncomplete)
	}
}

func TestValidate_BadCurrencyFormat(t *testing.T) {
	for _, cur := range []string{"usd", "DOLLARS", "U$", "", "USDD"} {
		f := models.CanonicalFields{
			InvoiceNumber: strptr("INV-1"),
			Currency:      cur,
		}
		err := Validate(f)
		if err == nil {
			t.Errorf("currency %q: expected a validation error", cur)
			continue
		}
		verr, ok := AsValidationError(err)
		if !ok || verr.Kind != RuleCurrencyFormat {
			t.Errorf("currency %q: got %v, want currency_format error", cur, err)
		}
	}
}
