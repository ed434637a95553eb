package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/veristage/theatre/core/pkg/contracts"
)

// ErrUnscorable is returned when the judge's response cannot be parsed
// even after the strict retry. The caller records the criterion as
// missing; the score is never silently defaulted.
var ErrUnscorable = errors.New("scoring: judge response unusable")

// Verdict is one criterion score with the raw judge output kept for
// audit.
type Verdict struct {
	Score float64 `json:"score"`
	Raw   string  `json:"raw"`
}

// Judge produces per-criterion scores in [0,1]. Implementations must be
// stateless across episodes: no context is carried between calls.
type Judge interface {
	Score(ctx context.Context, criterionID, rubric string, ep contracts.Episode, output map[string]any) (*Verdict, error)
	// GenerateFollowUp produces a probe question for the
	// reply-groundedness criterion family.
	GenerateFollowUp(ctx context.Context, ep contracts.Episode) (string, error)
}

// deterministicSampling is requested on every judge call.
var deterministicSampling = &SamplingOptions{Temperature: 0, TopP: 1, Seed: 7}

// LLMJudge scores through a chat model. One malformed response triggers
// exactly one retry with a stricter instruction.
type LLMJudge struct {
	client Client
	logger *slog.Logger
}

// NewLLMJudge wraps a judge model client.
func NewLLMJudge(client Client, logger *slog.Logger) *LLMJudge {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMJudge{client: client, logger: logger}
}

const scoreSystemPrompt = `You are a calibration judge. Score the construct's output against one criterion.
Respond with a single JSON object of the form {"score": <float between 0.0 and 1.0>} and nothing else.`

const strictRetryPrompt = `Your previous reply was not parseable. Respond with ONLY the JSON object {"score": <float>} where <float> is between 0.0 and 1.0. No prose, no code fences.`

func (j *LLMJudge) Score(ctx context.Context, criterionID, rubric string, ep contracts.Episode, output map[string]any) (*Verdict, error) {
	user, err := scorePrompt(criterionID, rubric, ep, output)
	if err != nil {
		return nil, err
	}

	messages := []Message{
		{Role: "system", Content: scoreSystemPrompt},
		{Role: "user", Content: user},
	}

	raw, err := j.client.Complete(ctx, messages, deterministicSampling)
	if err != nil {
		return nil, fmt.Errorf("judge call failed for criterion %s: %w", criterionID, err)
	}

	score, parseErr := parseScore(raw)
	if parseErr == nil {
		return &Verdict{Score: score, Raw: raw}, nil
	}

	j.logger.Warn("judge response unparsable, retrying with strict instruction",
		"criterion_id", criterionID,
		"episode_id", ep.EpisodeID,
		"error", parseErr.Error())

	messages = append(messages,
		Message{Role: "assistant", Content: raw},
		Message{Role: "user", Content: strictRetryPrompt},
	)
	retryRaw, err := j.client.Complete(ctx, messages, deterministicSampling)
	if err != nil {
		return nil, fmt.Errorf("judge strict retry failed for criterion %s: %w", criterionID, err)
	}

	score, parseErr = parseScore(retryRaw)
	if parseErr != nil {
		j.logger.Error("judge response unusable after strict retry",
			"criterion_id", criterionID,
			"episode_id", ep.EpisodeID,
			"raw", truncateRaw(retryRaw))
		return nil, fmt.Errorf("%w: criterion %s: %v", ErrUnscorable, criterionID, parseErr)
	}
	return &Verdict{Score: score, Raw: retryRaw}, nil
}

func (j *LLMJudge) GenerateFollowUp(ctx context.Context, ep contracts.Episode) (string, error) {
	input, err := json.Marshal(ep.InputData)
	if err != nil {
		return "", fmt.Errorf("encode episode input: %w", err)
	}

	messages := []Message{
		{Role: "system", Content: "Write one short follow-up question probing whether a reply to the following input is grounded in it. Respond with the question only."},
		{Role: "user", Content: string(input)},
	}
	question, err := j.client.Complete(ctx, messages, deterministicSampling)
	if err != nil {
		return "", fmt.Errorf("follow-up generation failed: %w", err)
	}
	return strings.TrimSpace(question), nil
}

func scorePrompt(criterionID, rubric string, ep contracts.Episode, output map[string]any) (string, error) {
	payload := map[string]any{
		"criterionId":    criterionID,
		"rubric":         rubric,
		"episodeInput":   ep.InputData,
		"expectedOutput": ep.ExpectedOutput,
		"constructOut":   output,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode score prompt: %w", err)
	}
	return string(b), nil
}

// parseScore extracts {"score": x} from the judge text, tolerating
// surrounding prose or code fences on the first pass.
func parseScore(raw string) (float64, error) {
	trimmed := strings.TrimSpace(raw)

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return 0, fmt.Errorf("no JSON object in judge output")
	}

	var verdict struct {
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &verdict); err != nil {
		return 0, fmt.Errorf("judge JSON does not decode: %v", err)
	}
	if verdict.Score == nil {
		return 0, fmt.Errorf("judge JSON has no score field")
	}
	if *verdict.Score < 0 || *verdict.Score > 1 {
		return 0, fmt.Errorf("score %v outside [0,1]", *verdict.Score)
	}
	return *verdict.Score, nil
}

func truncateRaw(s string) string {
	if len(s) > 256 {
		return s[:256]
	}
	return s
}

// StaticJudge returns fixed scores per criterion; for tests and dry
// runs.
type StaticJudge struct {
	Scores   map[string]float64
	FollowUp string
}

func (s *StaticJudge) Score(_ context.Context, criterionID, _ string, _ contracts.Episode, _ map[string]any) (*Verdict, error) {
	score, ok := s.Scores[criterionID]
	if !ok {
		return nil, fmt.Errorf("%w: criterion %s has no static score", ErrUnscorable, criterionID)
	}
	return &Verdict{Score: score, Raw: fmt.Sprintf(`{"score": %g}`, score)}, nil
}

func (s *StaticJudge) GenerateFollowUp(context.Context, contracts.Episode) (string, error) {
	return s.FollowUp, nil
}

var (
	_ Judge = (*LLMJudge)(nil)
	_ Judge = (*StaticJudge)(nil)
)
