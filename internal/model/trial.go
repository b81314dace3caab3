package model

// NoCriteriaAvailable marks a trial whose registry entry carries no
// eligibility prose. The evaluator treats it as grounds for
// NEEDS_MORE_INFO instead of guessing.
const NoCriteriaAvailable = "No eligibility criteria available"

// NoContactAvailable is the placeholder used when a trial record has no
// usable contact details.
const NoContactAvailable = "Contact information not available"

// TrialRecord is a flattened view of one registry study, assembled from
// the nested protocol sections returned by the remote tool server.
// Records are built once per matching request and never mutated after.
type TrialRecord struct {
	ID              string `json:"id"`               // NCT registry identifier
	Title           string `json:"title"`            // brief title, falling back to official title
	Status          string `json:"status,omitempty"` // overall recruitment status
	BriefSummary    string `json:"brief_summary,omitempty"`
	EligibilityText string `json:"eligibility_text"` // raw inclusion/exclusion prose or NoCriteriaAvailable
	ContactInfo     string `json:"contact_info"`     // "name | Phone: ... | email" or NoContactAvailable
	FullText        string `json:"full_text"`        // complete prose handed to the evaluator
}

// HasCriteria reports whether the record carries real eligibility prose.
func (t *TrialRecord) HasCriteria() bool {
	return t.EligibilityText != "" && t.EligibilityText != NoCriteriaAvailable
}
