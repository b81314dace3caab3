package ctgov

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/clinharbor/trialmatch/internal/cache"
	"github.com/clinharbor/trialmatch/internal/model"
	"go.uber.org/zap"
)

// Registry protocol sections. Only the modules the matcher reads are
// mapped; everything else in the payload is ignored.
type protocolSection struct {
	Identification identificationModule    `json:"identificationModule"`
	Status         statusModule            `json:"statusModule"`
	Description    descriptionModule       `json:"descriptionModule"`
	Eligibility    eligibilityModule       `json:"eligibilityModule"`
	Contacts       contactsLocationsModule `json:"contactsLocationsModule"`
}

type identificationModule struct {
	NCTID         string `json:"nctId"`
	BriefTitle    string `json:"briefTitle"`
	OfficialTitle string `json:"officialTitle"`
}

type statusModule struct {
	OverallStatus string `json:"overallStatus"`
}

type descriptionModule struct {
	BriefSummary        string `json:"briefSummary"`
	DetailedDescription string `json:"detailedDescription"`
}

type eligibilityModule struct {
	EligibilityCriteria string `json:"eligibilityCriteria"`
	MinimumAge          string `json:"minimumAge"`
	Sex                 string `json:"sex"`
	HealthyVolunteers   *bool  `json:"healthyVolunteers"`
}

type contactsLocationsModule struct {
	// The registry has served this list under both names
	CentralContacts []centralContact `json:"centralContacts"`
	CentralContact  []centralContact `json:"centralContact"`
}

type centralContact struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

type studyPayload struct {
	ProtocolSection protocolSection `json:"protocolSection"`
}

// DetailAdapter fetches and flattens single trial records
type DetailAdapter struct {
	caller  ToolCaller
	records *cache.RecordCache // nil when caching is disabled
	log     *zap.Logger
}

// NewDetailAdapter creates a detail adapter. records may be nil to
// disable the cross-run cache.
func NewDetailAdapter(caller ToolCaller, records *cache.RecordCache, log *zap.Logger) *DetailAdapter {
	return &DetailAdapter{caller: caller, records: records, log: log}
}

// Fetch retrieves one trial's details and flattens them into a
// TrialRecord. Missing eligibility prose is preserved as an explicit
// marker; missing contact data yields a placeholder, never an error.
func (a *DetailAdapter) Fetch(ctx context.Context, nctID string) (*model.TrialRecord, error) {
	if a.records != nil {
		if record, found := a.records.Get(nctID); found {
			a.log.Debug("trial detail cache hit", zap.String("nct_id", nctID))
			return record, nil
		}
	}

	payload, err := a.caller.CallTool(ctx, "get_study", map[string]any{"nct_id": nctID})
	if err != nil {
		return nil, fmt.Errorf("get study %s: %w", nctID, err)
	}

	var result studyPayload
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("decode study payload for %s: %w", nctID, err)
	}

	record := flattenStudy(nctID, &result.ProtocolSection)

	if a.records != nil {
		if err := a.records.Set(nctID, record); err != nil {
			a.log.Warn("failed to cache trial detail", zap.String("nct_id", nctID), zap.Error(err))
		}
	}

	a.log.Debug("retrieved trial",
		zap.String("nct_id", nctID),
		zap.String("title", record.Title),
	)

	return record, nil
}

// flattenStudy assembles the flat record and the full prose block handed
// to the evaluator.
func flattenStudy(nctID string, protocol *protocolSection) *model.TrialRecord {
	ident := protocol.Identification
	elig := protocol.Eligibility

	title := ident.BriefTitle
	if title == "" {
		title = ident.OfficialTitle
	}
	if title == "" {
		title = "Unknown"
	}

	eligibility := elig.EligibilityCriteria
	if eligibility == "" {
		eligibility = model.NoCriteriaAvailable
	}

	record := &model.TrialRecord{
		ID:              nctID,
		Title:           title,
		Status:          protocol.Status.OverallStatus,
		BriefSummary:    protocol.Description.BriefSummary,
		EligibilityText: eligibility,
		ContactInfo:     formatContact(&protocol.Contacts),
	}

	var parts []string
	parts = append(parts, "TRIAL ID: "+nctID)
	parts = append(parts, "NAME: "+title)
	if ident.OfficialTitle != "" && ident.OfficialTitle != title {
		parts = append(parts, "OFFICIAL TITLE: "+ident.OfficialTitle)
	}
	if record.Status != "" {
		parts = append(parts, "STATUS: "+record.Status)
	}
	if protocol.Description.BriefSummary != "" {
		parts = append(parts, "\nBRIEF SUMMARY:\n"+protocol.Description.BriefSummary)
	}
	if protocol.Description.DetailedDescription != "" {
		parts = append(parts, "\nDETAILED DESCRIPTION:\n"+protocol.Description.DetailedDescription)
	}
	// Eligibility prose is what the evaluator cares about most
	parts = append(parts, "\nELIGIBILITY CRITERIA:\n"+eligibility)
	if elig.MinimumAge != "" {
		parts = append(parts, "MINIMUM AGE: "+elig.MinimumAge)
	}
	if elig.Sex != "" {
		parts = append(parts, "SEX: "+elig.Sex)
	}
	if elig.HealthyVolunteers != nil {
		parts = append(parts, fmt.Sprintf("HEALTHY VOLUNTEERS: %t", *elig.HealthyVolunteers))
	}
	record.FullText = strings.Join(parts, "\n")

	return record
}

// formatContact assembles "name | Phone: x | email" from the first
// central contact, best-effort.
func formatContact(contacts *contactsLocationsModule) string {
	list := contacts.CentralContacts
	if len(list) == 0 {
		list = contacts.CentralContact
	}
	if len(list) == 0 {
		return model.NoContactAvailable
	}

	contact := list[0]
	var parts []string
	if contact.Name != "" {
		parts = append(parts, contact.Name)
	}
	if contact.Phone != "" {
		parts = append(parts, "Phone: "+contact.Phone)
	}
	if contact.Email != "" {
		parts = append(parts, contact.Email)
	}
	if len(parts) == 0 {
		return model.NoContactAvailable
	}
	return strings.Join(parts, " | ")
}
