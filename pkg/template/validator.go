// Package template validates verification plans before they may be
// committed. Validation is two-phase: a JSON Schema pass over the raw
// document (fails closed on unknown fields), then semantic rules the
// schema cannot express.
package template

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/veristage/theatre/core/pkg/canonicalize"
	"github.com/veristage/theatre/core/pkg/contracts"
)

// weightTolerance is the permitted deviation of the weight sum from 1.0.
const weightTolerance = 1e-6

// semverShaped matches pin values that claim to be semantic versions.
// Opaque build hashes are left alone.
var semverShaped = regexp.MustCompile(`^v?\d+\.\d+(\.\d+)?([-+].*)?$`)

// Validate runs both phases against a raw template document and returns
// the list of violations. An empty list means the template is valid.
// Schema violations short-circuit the semantic phase: a structurally
// broken document cannot be decoded reliably.
func Validate(raw []byte) []string {
	violations := validateStructure(raw)
	if len(violations) > 0 {
		return violations
	}

	var tmpl contracts.Template
	if err := json.Unmarshal(raw, &tmpl); err != nil {
		return []string{fmt.Sprintf("template does not decode: %v", err)}
	}
	return ValidateSemantics(&tmpl)
}

func validateStructure(raw []byte) []string {
	sch, err := schema()
	if err != nil {
		return []string{fmt.Sprintf("internal: %v", err)}
	}

	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return []string{fmt.Sprintf("template is not valid JSON: %v", err)}
	}

	if err := sch.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if ok := asValidationError(err, &ve); ok {
			return flattenSchemaErrors(ve)
		}
		return []string{err.Error()}
	}
	return nil
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

func flattenSchemaErrors(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{fmt.Sprintf("schema: %s: %s", loc, ve.Message)}
	}
	var out []string
	for _, cause := range ve.Causes {
		out = append(out, flattenSchemaErrors(cause)...)
	}
	return out
}

// ValidateSemantics checks the rules the schema cannot express. Callers
// holding an already-decoded template may invoke it directly.
func ValidateSemantics(tmpl *contracts.Template) []string {
	var violations []string

	switch tmpl.ExecutionPath {
	case contracts.ExecutionPathReplay, contracts.ExecutionPathMarket:
	default:
		violations = append(violations, fmt.Sprintf("executionPath %q is not a known path", tmpl.ExecutionPath))
	}

	violations = append(violations, validateWeights(&tmpl.Criteria)...)

	if tmpl.ExecutionPath == contracts.ExecutionPathReplay {
		if len(tmpl.VersionPins) == 0 {
			violations = append(violations, "versionPins must be non-empty when executionPath is replay")
		}
		if tmpl.ReplayConfig == nil {
			violations = append(violations, "replayConfig is required when executionPath is replay")
		} else if tmpl.ReplayConfig.DatasetName != "" {
			if _, ok := tmpl.DatasetHashes[tmpl.ReplayConfig.DatasetName]; !ok {
				violations = append(violations,
					fmt.Sprintf("replayConfig.datasetName %q has no entry in datasetHashes", tmpl.ReplayConfig.DatasetName))
			}
		}
	}

	if tmpl.ExecutionPath == contracts.ExecutionPathMarket && tmpl.MarketConfig == nil {
		violations = append(violations, "marketConfig is required when executionPath is market")
	}

	for name, pin := range tmpl.VersionPins {
		if !semverShaped.MatchString(pin) {
			continue
		}
		if _, err := semver.NewVersion(pin); err != nil {
			violations = append(violations,
				fmt.Sprintf("versionPins[%s]: %q looks like a semantic version but does not parse: %v", name, pin, err))
		}
	}

	for i, step := range tmpl.HITLSteps {
		if step.IdentitySeparation == "" {
			violations = append(violations, fmt.Sprintf("hitlSteps[%d] must declare an identity-separation rule", i))
		}
		if step.ScoringScale == "" {
			violations = append(violations, fmt.Sprintf("hitlSteps[%d] must declare a scoring scale", i))
		}
	}

	return violations
}

func validateWeights(c *contracts.Criteria) []string {
	var violations []string

	ids := make(map[string]bool, len(c.IDs))
	for _, id := range c.IDs {
		ids[id] = true
	}

	var sum float64
	for id, w := range c.Weights {
		sum += w
		if !ids[id] {
			violations = append(violations, fmt.Sprintf("weights contains unknown criterion %q", id))
		}
	}
	for _, id := range c.IDs {
		if _, ok := c.Weights[id]; !ok {
			violations = append(violations, fmt.Sprintf("criterion %q has no weight", id))
		}
	}

	if len(c.Weights) > 0 && math.Abs(sum-1.0) > weightTolerance {
		violations = append(violations, fmt.Sprintf("weights sum to %.6f, expected 1.0", sum))
	}

	sort.Strings(violations)
	return violations
}

// ComputeTemplateID returns the content-addressed identifier of a
// template: the canonical hash of the template with its own templateId
// cleared, so the ID never feeds its own derivation.
func ComputeTemplateID(tmpl *contracts.Template) (string, error) {
	clone := *tmpl
	clone.TemplateID = ""
	hash, err := canonicalize.Hash(&clone)
	if err != nil {
		return "", fmt.Errorf("template: compute id: %w", err)
	}
	return "tpl_" + hash[:16], nil
}
