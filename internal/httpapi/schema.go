package httpapi

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// submissionSchema validates intake payloads before anything touches the
// database. Field-level rules mirror the registration form: consumer
// registrations only need the identity block, industry registrations must
// also carry company and department information.
const submissionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "name", "phone", "id_type", "id_number"],
  "properties": {
    "type": {"type": "string", "enum": ["consumer", "industry"]},
    "name": {"type": "string", "minLength": 1, "maxLength": 100},
    "phone": {"type": "string", "pattern": "^1[0-9]{10}$"},
    "title": {"type": "string", "maxLength": 100},
    "company": {"type": "string", "maxLength": 200},
    "id_type": {
      "type": "string",
      "enum": ["id_card", "passport", "hk_macau_pass", "taiwan_pass"]
    },
    "id_number": {"type": "string", "minLength": 4, "maxLength": 50},
    "business_type": {"type": "string", "maxLength": 100},
    "department": {"type": "string", "maxLength": 100},
    "proof_urls": {
      "type": "array",
      "maxItems": 10,
      "items": {"type": "string", "format": "uri", "maxLength": 500}
    }
  },
  "if": {"properties": {"type": {"const": "industry"}}},
  "then": {"required": ["company", "title", "business_type"]},
  "additionalProperties": false
}`

func compileSubmissionSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(submissionSchema)))
	if err != nil {
		return nil, fmt.Errorf("parse submission schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("submission.json", doc); err != nil {
		return nil, fmt.Errorf("register submission schema: %w", err)
	}
	schema, err := compiler.Compile("submission.json")
	if err != nil {
		return nil, fmt.Errorf("compile submission schema: %w", err)
	}
	return schema, nil
}
