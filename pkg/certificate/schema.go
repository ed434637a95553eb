package certificate

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// certificateSchema is the published contract for serialized
// certificates. Downstream verifiers validate against the same
// document, so its constraints are part of the wire format.
const certificateSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": [
    "certificateId", "theatreId", "templateId", "constructId",
    "scores", "compositeScore", "brierScore", "replayCount",
    "evidenceBundleHash", "datasetHash", "constructVersion",
    "verificationTier", "commitmentHash", "issuedAt", "expiresAt"
  ],
  "properties": {
    "certificateId": {"type": "string", "pattern": "^cert_[0-9a-f-]{36}$"},
    "theatreId": {"type": "string", "pattern": "^thr_[0-9a-f-]{36}$"},
    "templateId": {"type": "string", "pattern": "^tpl_[0-9a-f]{16}$"},
    "constructId": {"type": "string", "minLength": 1},
    "scores": {
      "type": "object",
      "additionalProperties": {"type": "number", "minimum": 0, "maximum": 1}
    },
    "compositeScore": {"type": "number", "minimum": 0, "maximum": 1},
    "brierScore": {"type": "number", "minimum": 0, "maximum": 0.5},
    "replayCount": {"type": "integer", "minimum": 0},
    "evidenceBundleHash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "datasetHash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "constructVersion": {"type": "string", "minLength": 1},
    "constructChainVersions": {
      "type": "array",
      "items": {"type": "string", "minLength": 1}
    },
    "verificationTier": {"type": "string", "enum": ["UNVERIFIED", "BACKTESTED", "PROVEN"]},
    "commitmentHash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "issuedAt": {"type": "string", "format": "date-time"},
    "expiresAt": {"type": "string", "format": "date-time"}
  }
}`

var (
	compiledSchema     *jsonschema.Schema
	compiledSchemaOnce sync.Once
	compiledSchemaErr  error
)

func schema() (*jsonschema.Schema, error) {
	compiledSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		c.AssertFormat = true
		const url = "https://veristage.schemas.local/certificate.schema.json"
		if err := c.AddResource(url, strings.NewReader(certificateSchema)); err != nil {
			compiledSchemaErr = fmt.Errorf("certificate schema load failed: %w", err)
			return
		}
		compiledSchema, compiledSchemaErr = c.Compile(url)
	})
	return compiledSchema, compiledSchemaErr
}

// ValidateJSON checks a serialized certificate against the published
// schema. Served certificates pass through this before leaving the
// engine.
func ValidateJSON(raw []byte) error {
	s, err := schema()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("certificate is not valid JSON: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("certificate fails schema: %w", err)
	}
	return nil
}
