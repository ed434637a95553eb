package template

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veristage/theatre/core/pkg/contracts"
)

func validDoc() map[string]interface{} {
	return map[string]interface{}{
		"templateId":    "tpl_demo",
		"executionPath": "replay",
		"criteria": map[string]interface{}{
			"criteriaIds":   []string{"accuracy", "groundedness"},
			"criteriaHuman": map[string]string{"accuracy": "Matches ground truth", "groundedness": "Sourced claims"},
			"weights":       map[string]float64{"accuracy": 0.7, "groundedness": 0.3},
		},
		"versionPins":   map[string]string{"construct": "build-9f2e", "judge": "1.4.0"},
		"datasetHashes": map[string]string{"qa-v1": "1f8a3b2c"},
		"replayConfig": map[string]interface{}{
			"constructId": "construct-alpha",
			"datasetName": "qa-v1",
		},
	}
}

func marshal(t *testing.T, doc map[string]interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	return raw
}

func TestValidate_ValidTemplate(t *testing.T) {
	violations := Validate(marshal(t, validDoc()))
	assert.Empty(t, violations)
}

func TestValidate_UnknownTopLevelFieldFailsClosed(t *testing.T) {
	doc := validDoc()
	doc["surprise"] = "extra"

	violations := Validate(marshal(t, doc))
	require.NotEmpty(t, violations)
}

func TestValidate_MissingRequiredField(t *testing.T) {
	doc := validDoc()
	delete(doc, "criteria")

	violations := Validate(marshal(t, doc))
	require.NotEmpty(t, violations)
}

func TestValidate_WeightSumOutOfTolerance(t *testing.T) {
	doc := validDoc()
	doc["criteria"].(map[string]interface{})["weights"] = map[string]float64{
		"accuracy":     0.7,
		"groundedness": 0.4,
	}

	violations := Validate(marshal(t, doc))
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0], "weights sum")
}

func TestValidate_WeightKeysMustEqualCriteria(t *testing.T) {
	doc := validDoc()
	doc["criteria"].(map[string]interface{})["weights"] = map[string]float64{
		"accuracy": 0.7,
		"style":    0.3,
	}

	violations := Validate(marshal(t, doc))
	assert.NotEmpty(t, violations)

	var sawUnknown, sawMissing bool
	for _, v := range violations {
		if v == `weights contains unknown criterion "style"` {
			sawUnknown = true
		}
		if v == `criterion "groundedness" has no weight` {
			sawMissing = true
		}
	}
	assert.True(t, sawUnknown)
	assert.True(t, sawMissing)
}

func TestValidate_ReplayRequiresPins(t *testing.T) {
	doc := validDoc()
	doc["versionPins"] = map[string]string{}

	violations := Validate(marshal(t, doc))
	require.NotEmpty(t, violations)
	assert.Contains(t, violations[0], "versionPins must be non-empty")
}

func TestValidate_SemverShapedPinMustParse(t *testing.T) {
	doc := validDoc()
	doc["versionPins"] = map[string]string{"judge": "1.4.0-!!"}

	violations := Validate(marshal(t, doc))
	// Opaque hash pins stay fine, malformed semver-shaped pins do not.
	require.NotEmpty(t, violations)
	assert.Contains(t, violations[0], "does not parse")
}

func TestValidate_HITLStepsDeclareRules(t *testing.T) {
	tmpl := &contracts.Template{
		TemplateID:    "tpl_x",
		ExecutionPath: contracts.ExecutionPathReplay,
		Criteria: contracts.Criteria{
			IDs:     []string{"accuracy"},
			Weights: map[string]float64{"accuracy": 1.0},
		},
		VersionPins:   map[string]string{"construct": "b1"},
		DatasetHashes: map[string]string{"d": "h"},
		ReplayConfig:  &contracts.ReplayConfig{ConstructID: "c", DatasetName: "d"},
		HITLSteps: []contracts.HITLStep{
			{StepID: "s1", Rubric: "check tone"},
		},
	}

	violations := ValidateSemantics(tmpl)
	require.Len(t, violations, 2)
	assert.Contains(t, violations[0], "identity-separation")
	assert.Contains(t, violations[1], "scoring scale")
}

func TestValidate_UnknownExecutionPathRejectedBySchema(t *testing.T) {
	doc := validDoc()
	doc["executionPath"] = "simulation"

	violations := Validate(marshal(t, doc))
	require.NotEmpty(t, violations)
}

func TestComputeTemplateID_IgnoresOwnID(t *testing.T) {
	var a, b contracts.Template
	require.NoError(t, json.Unmarshal(marshal(t, validDoc()), &a))
	require.NoError(t, json.Unmarshal(marshal(t, validDoc()), &b))
	b.TemplateID = "tpl_other"

	idA, err := ComputeTemplateID(&a)
	require.NoError(t, err)
	idB, err := ComputeTemplateID(&b)
	require.NoError(t, err)

	assert.Equal(t, idA, idB)
}
