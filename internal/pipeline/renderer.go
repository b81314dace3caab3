package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/clinharbor/trialmatch/internal/model"
)

const reportRule = "================================================================================"
const sectionRule = "--------------------------------------------------------------------------------"

// BuildReport renders the ranked matches as a human-readable report.
func BuildReport(matches []model.MatchResult) string {
	if len(matches) == 0 {
		return "No clinical trials found matching the patient's profile."
	}

	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format+"\n", args...)
	}

	line(reportRule)
	line("CLINICAL TRIAL MATCHING REPORT")
	line(reportRule)
	line("")
	line("Total Trials Evaluated: %d", len(matches))

	var qualified, notQualified, needsInfo int
	for _, m := range matches {
		switch m.Status {
		case model.StatusQualified:
			qualified++
		case model.StatusNotQualified:
			notQualified++
		case model.StatusNeedsMoreInfo:
			needsInfo++
		}
	}

	line("Qualified: %d", qualified)
	line("Not Qualified: %d", notQualified)
	line("Needs More Information: %d", needsInfo)
	line("")

	for i, m := range matches {
		line(sectionRule)
		line("")
		line("%d. %s", i+1, m.TrialName)
		line("   Trial ID: %s", m.TrialID)
		line("   Status: %s", m.Status)
		line("   Confidence: %.0f%%", m.Confidence*100)
		line("   Contact: %s", m.ContactInfo)

		if len(m.InclusionMet) > 0 {
			line("")
			line("   Inclusion Criteria Met (%d):", len(m.InclusionMet))
			for _, criterion := range m.InclusionMet {
				line("     - %s", criterion)
			}
		}

		if len(m.InclusionNotMet) > 0 {
			line("")
			line("   Inclusion Criteria Not Met (%d):", len(m.InclusionNotMet))
			for _, criterion := range m.InclusionNotMet {
				line("     - %s", criterion)
			}
		}

		if len(m.ExclusionViolated) > 0 {
			line("")
			line("   Exclusion Criteria Violated (%d):", len(m.ExclusionViolated))
			for _, criterion := range m.ExclusionViolated {
				line("     - %s", criterion)
			}
		}

		if m.Reasoning != "" {
			line("")
			line("   Reasoning:")
			line("     %s", m.Reasoning)
		}

		line("")
	}

	line(reportRule)
	line("END OF REPORT")
	line(reportRule)

	return b.String()
}

// NoTrialsReport explains an empty result that is NOT a server failure.
func NoTrialsReport(terms []string) string {
	return fmt.Sprintf(
		"No clinical trials found matching the patient's profile.\n\n"+
			"The registry was reachable and returned no studies for: %s\n"+
			"Broadening the search terms or removing the recruitment status filter may help.",
		strings.Join(terms, ", "),
	)
}

// BackendDownReport explains a terminal backend failure. Kept clearly
// distinct from "no matching trials exist".
func BackendDownReport(baseURL string, err error) string {
	return fmt.Sprintf(
		"The trial registry service could not be reached.\n\n"+
			"Server: %s\n"+
			"Last error: %v\n\n"+
			"This is a data source outage, not an absence of matching trials.\n"+
			"Free-tier deployments cold-start; waiting 30-60 seconds and retrying usually resolves it.",
		baseURL, err,
	)
}

// WriteJSON writes the outcome as indented JSON to path.
func WriteJSON(outcome *MatchOutcome, path string) error {
	data, err := json.MarshalIndent(outcome, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write outcome: %w", err)
	}
	return nil
}
