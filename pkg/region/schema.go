package region

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const docSchemaURL = "spine://schemas/region-doc.json"

// docSchema constrains rule documents. additionalProperties is closed so a
// typoed key fails loudly at startup instead of silently relaxing a region.
const docSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "RegionRuleDocument",
  "type": "object",
  "required": ["schema_version", "region_code", "privacy_regime"],
  "additionalProperties": false,
  "properties": {
    "schema_version": {
      "type": "string",
      "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+$"
    },
    "region_code": {
      "type": "string",
      "pattern": "^[a-z]{2}-[a-z]+[0-9]$"
    },
    "privacy_regime": {
      "enum": ["none", "gdpr", "ccpa"]
    },
    "embargoed": {
      "type": "boolean"
    },
    "requires_human_review": {
      "type": "boolean"
    },
    "overlay": {
      "type": "string",
      "maxLength": 2048
    },
    "notes": {
      "type": "string"
    }
  }
}`

func compileSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(docSchemaURL, strings.NewReader(docSchema)); err != nil {
		return nil, err
	}
	return c.Compile(docSchemaURL)
}
