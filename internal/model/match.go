package model

// MatchStatus classifies the evaluator's verdict for one trial
type MatchStatus string

const (
	StatusQualified     MatchStatus = "QUALIFIED"
	StatusNotQualified  MatchStatus = "NOT_QUALIFIED"
	StatusNeedsMoreInfo MatchStatus = "NEEDS_MORE_INFO"
)

// Valid reports whether the status is one of the three accepted verdicts
func (s MatchStatus) Valid() bool {
	switch s {
	case StatusQualified, StatusNotQualified, StatusNeedsMoreInfo:
		return true
	}
	return false
}

// MatchResult is the structured judgment for one (patient, trial) pair.
// Results are immutable once produced; the pipeline alone collects,
// ranks and truncates them.
type MatchResult struct {
	TrialID           string      `json:"trial_id"`
	TrialName         string      `json:"trial_name"`
	Status            MatchStatus `json:"match_status"`
	Confidence        float64     `json:"confidence_score"` // always within [0.0, 1.0]
	InclusionMet      []string    `json:"inclusion_criteria_met"`
	InclusionNotMet   []string    `json:"inclusion_criteria_not_met"`
	ExclusionViolated []string    `json:"exclusion_criteria_violated"`
	Reasoning         string      `json:"reasoning"`
	ContactInfo       string      `json:"contact_info"`
}

// ClampConfidence forces a confidence score into [0.0, 1.0]. Out-of-range
// values are a contract violation by the reasoning backend, not a reason
// to drop the trial.
func ClampConfidence(score float64) float64 {
	if score < 0.0 {
		return 0.0
	}
	if score > 1.0 {
		return 1.0
	}
	return score
}
