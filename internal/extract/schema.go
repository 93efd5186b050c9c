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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const extractionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "invoice_id":       {"type": ["string", "null"]},
    "vendor_name":      {"type": ["string", "null"]},
    "amount_due":       {"type": ["number", "null"]},
    "due_date":         {"type": ["string", "null"]},
    "invoice_date":     {"type": ["string", "null"]},
    "currency_code":    {"type": ["string", "null"]},
    "confidence_score": {"type": "number", "minimum": 0, "maximum": 1}
  },
  "required": ["confidence_score"]
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("extraction.json", strings.NewReader(extractionSchema)); err != nil {
		panic(err)
	}
	return c.MustCompile("extraction.json")
}

// validateExtraction checks a raw model payload against the extraction
// schema. It rejects non-JSON, non-object, and out-of-range confidence
// values before anything downstream sees them.
func validateExtraction(raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("not valid JSON: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}
