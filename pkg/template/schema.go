package template

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// templateSchema is the structural contract for submitted templates.
// additionalProperties is false at the top level: validation fails
// closed on any field the engine does not know about.
const templateSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["templateId", "executionPath", "criteria", "versionPins", "datasetHashes"],
  "properties": {
    "templateId": {"type": "string", "minLength": 1},
    "executionPath": {"type": "string", "enum": ["replay", "market"]},
    "criteria": {
      "type": "object",
      "additionalProperties": false,
      "required": ["criteriaIds", "criteriaHuman", "weights"],
      "properties": {
        "criteriaIds": {
          "type": "array",
          "minItems": 1,
          "items": {"type": "string", "minLength": 1},
          "uniqueItems": true
        },
        "criteriaHuman": {
          "type": "object",
          "additionalProperties": {"type": "string"}
        },
        "weights": {
          "type": "object",
          "additionalProperties": {"type": "number", "minimum": 0, "maximum": 1}
        }
      }
    },
    "versionPins": {
      "type": "object",
      "additionalProperties": {"type": "string", "minLength": 1}
    },
    "datasetHashes": {
      "type": "object",
      "additionalProperties": {"type": "string", "minLength": 1}
    },
    "hitlSteps": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["stepId", "rubric", "identitySeparation", "scoringScale"],
        "properties": {
          "stepId": {"type": "string", "minLength": 1},
          "rubric": {"type": "string", "minLength": 1},
          "identitySeparation": {"type": "string", "minLength": 1},
          "scoringScale": {"type": "string", "minLength": 1}
        }
      }
    },
    "replayConfig": {
      "type": "object",
      "additionalProperties": false,
      "required": ["constructId", "datasetName"],
      "properties": {
        "constructId": {"type": "string", "minLength": 1},
        "datasetName": {"type": "string", "minLength": 1},
        "timeoutSeconds": {"type": "integer", "minimum": 1}
      }
    },
    "marketConfig": {
      "type": "object",
      "additionalProperties": false,
      "required": ["marketId"],
      "properties": {
        "marketId": {"type": "string", "minLength": 1},
        "settlementAsset": {"type": "string"}
      }
    }
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
		const url = "https://veristage.schemas.local/template.schema.json"
		if err := c.AddResource(url, strings.NewReader(templateSchema)); err != nil {
			compiledSchemaErr = fmt.Errorf("template schema load failed: %w", err)
			return
		}
		compiledSchema, compiledSchemaErr = c.Compile(url)
	})
	return compiledSchema, compiledSchemaErr
}
