// Package evaluate judges single (patient, trial) pairs through the
// reasoning backend. Each evaluation is independent: no context carries
// between trials, so evaluation order cannot influence any verdict.
package evaluate

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/clinharbor/trialmatch/internal/llm"
	"github.com/clinharbor/trialmatch/internal/logger"
	"github.com/clinharbor/trialmatch/internal/model"
	"go.uber.org/zap"
)

// systemPrompt sets the coordinator stance: a criterion the patient
// record does not clearly document must not be marked as met.
const systemPrompt = `You are an expert clinical trial coordinator matching patients to potentially suitable trials.

Approach:
1. Read through all the patient information provided (in any format)
2. Review the trial's eligibility criteria (condition, stage, treatments, labs, exclusions)
3. Determine whether the patient is a reasonable candidate
4. Be CONSERVATIVE: a criterion that is uncertain or not clearly documented in the patient record must NOT be counted as met
5. Weigh the main condition and major criteria most heavily

Match Criteria:
- QUALIFIED: The patient's main condition and key characteristics clearly satisfy the trial's criteria
- NOT_QUALIFIED: Clear mismatch (wrong disease, or a major exclusion criterion is violated)
- NEEDS_MORE_INFO: Could be a match but critical information is missing or undocumented`

const evaluationPrompt = `Does this patient seem like a reasonable match for this clinical trial?

PATIENT INFORMATION:
%s

TRIAL:
%s

Provide your evaluation in JSON format:
{
    "match_status": "QUALIFIED" | "NOT_QUALIFIED" | "NEEDS_MORE_INFO",
    "confidence_score": <0.0 to 1.0>,
    "inclusion_criteria_met": [<criteria clearly documented as met>],
    "inclusion_criteria_not_met": [<important criteria that don't match>],
    "exclusion_criteria_violated": [<major exclusions violated>],
    "reasoning": "<brief explanation of why this is or isn't a match>"
}

Guidelines:
- QUALIFIED: Main condition matches and key criteria are clearly satisfied
- NOT_QUALIFIED: Wrong disease/condition or violates a major exclusion
- NEEDS_MORE_INFO: Could work but critical details are missing
- Do not mark a criterion as met unless the patient record documents it
- Focus on major factors (disease type, stage, prior treatments) over minor details`

var (
	fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	bareJSONPattern   = regexp.MustCompile(`(?s)\{.*\}`)
)

// judgment is the structured output required from the reasoning backend
type judgment struct {
	MatchStatus       string   `json:"match_status"`
	ConfidenceScore   float64  `json:"confidence_score"`
	InclusionMet      []string `json:"inclusion_criteria_met"`
	InclusionNotMet   []string `json:"inclusion_criteria_not_met"`
	ExclusionViolated []string `json:"exclusion_criteria_violated"`
	Reasoning         string   `json:"reasoning"`
}

// Evaluator produces a MatchResult per trial
type Evaluator struct {
	provider  llm.Provider
	maxTokens int
	log       *zap.Logger
}

// NewEvaluator creates an evaluator
func NewEvaluator(provider llm.Provider, maxTokens int, log *zap.Logger) *Evaluator {
	if maxTokens <= 0 {
		maxTokens = 2000
	}
	return &Evaluator{provider: provider, maxTokens: maxTokens, log: log}
}

// Evaluate judges one trial against the patient record. Output that
// fails to parse as the required structure never drops the trial: it
// degrades to a NEEDS_MORE_INFO result naming the parse failure. Only a
// failed reasoning call returns an error.
func (e *Evaluator) Evaluate(ctx context.Context, patientText string, trial *model.TrialRecord) (*model.MatchResult, error) {
	// A record without eligibility prose gives the model nothing to
	// judge, so skip the reasoning call entirely
	if !trial.HasCriteria() {
		e.log.Debug("trial has no eligibility criteria, skipping evaluation",
			zap.String("nct_id", trial.ID),
		)
		return &model.MatchResult{
			TrialID:     trial.ID,
			TrialName:   trial.Title,
			Status:      model.StatusNeedsMoreInfo,
			Confidence:  0.0,
			Reasoning:   "The trial record does not list eligibility criteria to evaluate against.",
			ContactInfo: trial.ContactInfo,
		}, nil
	}

	resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
		System:      systemPrompt,
		Prompt:      fmt.Sprintf(evaluationPrompt, patientText, trial.FullText),
		MaxTokens:   e.maxTokens,
		Temperature: 0.3,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate trial %s: %w", trial.ID, err)
	}

	e.log.Debug("evaluation response",
		zap.String("nct_id", trial.ID),
		zap.String("response_preview", logger.Truncate(resp.Text, 200)),
	)

	verdict, err := parseJudgment(resp.Text)
	if err != nil {
		e.log.Warn("unparseable evaluation, downgrading to NEEDS_MORE_INFO",
			zap.String("nct_id", trial.ID),
			zap.Error(err),
		)
		return fallbackResult(trial, err), nil
	}

	return &model.MatchResult{
		TrialID:           trial.ID,
		TrialName:         trial.Title,
		Status:            model.MatchStatus(verdict.MatchStatus),
		Confidence:        model.ClampConfidence(verdict.ConfidenceScore),
		InclusionMet:      verdict.InclusionMet,
		InclusionNotMet:   verdict.InclusionNotMet,
		ExclusionViolated: verdict.ExclusionViolated,
		Reasoning:         verdict.Reasoning,
		ContactInfo:       trial.ContactInfo,
	}, nil
}

// parseJudgment extracts the JSON judgment from model output, accepting
// markdown fences and surrounding prose.
func parseJudgment(text string) (*judgment, error) {
	var jsonStr string
	if m := fencedJSONPattern.FindStringSubmatch(text); m != nil {
		jsonStr = m[1]
	} else if m := bareJSONPattern.FindString(text); m != "" {
		jsonStr = m
	} else {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var verdict judgment
	if err := json.Unmarshal([]byte(jsonStr), &verdict); err != nil {
		return nil, fmt.Errorf("decode judgment: %w", err)
	}

	if !model.MatchStatus(verdict.MatchStatus).Valid() {
		return nil, fmt.Errorf("unknown match status %q", verdict.MatchStatus)
	}

	return &verdict, nil
}

// fallbackResult synthesizes the degraded verdict for unparseable output
func fallbackResult(trial *model.TrialRecord, parseErr error) *model.MatchResult {
	return &model.MatchResult{
		TrialID:     trial.ID,
		TrialName:   trial.Title,
		Status:      model.StatusNeedsMoreInfo,
		Confidence:  0.0,
		Reasoning:   fmt.Sprintf("Evaluation output could not be parsed: %v", parseErr),
		ContactInfo: trial.ContactInfo,
	}
}
