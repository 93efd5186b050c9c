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
	"errors"
	"fmt"
	"regexp"

	"github.com/ledgerbird/ingestion/internal/models"
)

// RuleKind identifies which validation rule a record failed.
type RuleKind string

const (
	// RuleIncomplete: the record has neither an invoice number nor a
	// vendor+amount pair, so it cannot be deduplicated or trusted.
	RuleIncomplete RuleKind = "incomplete"

	// RuleCurrencyFormat: the currency is not exactly 3 uppercase letters.
	// The normalizer guarantees this shape, so a violation here is an
	// internal-consistency error, not bad user input.
	RuleCurrencyFormat RuleKind = "currency_format"
)

// ValidationError reports the specific rule a candidate record failed.
type ValidationError struct {
	Kind    RuleKind
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// AsValidationError unwraps err into a *ValidationError if it is one.
func AsValidationError(err error) (*ValidationError, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}

var currencyFormatRE = regexp.MustCompile(`^[A-Z]{3}$`)

// Validate checks a canonical field set against the minimum-completeness and
// currency-format rules. It returns the first failing rule; there is no
// partial acceptance.
func Validate(f models.CanonicalFields) error {
	hasNumber := f.InvoiceNumber != nil
	hasVendorAndAmount := f.VendorName != nil && f.AmountDue != nil

	if !hasNumber && !hasVendorAndAmount {
		return &ValidationError{
			Kind:    RuleIncomplete,
			Message: "invoice must have an invoice number, or both a vendor name and an amount due",
		}
	}

	if !currencyFormatRE.MatchString(f.Currency) {
		return &ValidationError{
			Kind:    RuleCurrencyFormat,
			Message: fmt.Sprintf("currency %q is not a 3-letter uppercase code", f.Currency),
		}
	}

	return nil
}
