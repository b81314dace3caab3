// Package extract turns unstructured patient text into registry search
// phrases via the reasoning backend.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/clinharbor/trialmatch/internal/llm"
	"github.com/clinharbor/trialmatch/internal/logger"
	"go.uber.org/zap"
)

// conditionPrompt asks for a compact ordered list of search phrases
const conditionPrompt = `Analyze this patient's medical information and extract the PRIMARY medical condition(s)
that should be used to search for clinical trials. Focus on the main diagnosis, disease type, and stage.

Patient Information:
%s

Return ONLY a JSON array of search terms, like: ["breast cancer", "stage IV", "HER2 positive"]

Be specific but also practical for clinical trial searches. Include:
- Primary disease/condition
- Disease stage or severity if mentioned
- Important biomarkers or subtypes

Return format: ["term1", "term2", "term3"]`

var (
	jsonArrayPattern = regexp.MustCompile(`(?s)\[.*\]`)
	quotedPattern    = regexp.MustCompile(`"([^"]+)"`)
)

// ConditionExtractor derives search terms from patient text
type ConditionExtractor struct {
	provider llm.Provider
	log      *zap.Logger
}

// NewConditionExtractor creates a condition extractor
func NewConditionExtractor(provider llm.Provider, log *zap.Logger) *ConditionExtractor {
	return &ConditionExtractor{provider: provider, log: log}
}

// Extract asks the reasoning backend for condition search terms, ordered
// by priority. Malformed or empty model output degrades to an empty
// list; only the reasoning call itself can error. Searching with zero
// terms is still a legitimate (if fruitless) downstream path.
func (e *ConditionExtractor) Extract(ctx context.Context, patientText string) ([]string, error) {
	resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
		Prompt:      fmt.Sprintf(conditionPrompt, patientText),
		MaxTokens:   500,
		Temperature: 0.1, // near-greedy, terms should be reproducible
	})
	if err != nil {
		return nil, fmt.Errorf("extract conditions: %w", err)
	}

	e.log.Debug("condition extraction response",
		zap.String("response_preview", logger.Truncate(resp.Text, 200)),
	)

	terms := ParseTerms(resp.Text)

	e.log.Info("extracted conditions", zap.Strings("terms", terms))

	return terms, nil
}

// ParseTerms pulls an ordered term list out of model output. Tries a
// JSON array first, then falls back to collecting quoted strings, then
// to nothing. Duplicates are removed, first occurrence wins.
func ParseTerms(text string) []string {
	var terms []string

	if match := jsonArrayPattern.FindString(text); match != "" {
		if err := json.Unmarshal([]byte(match), &terms); err != nil {
			terms = nil
		}
	}

	if terms == nil {
		for _, m := range quotedPattern.FindAllStringSubmatch(text, -1) {
			terms = append(terms, m[1])
		}
	}

	seen := make(map[string]bool, len(terms))
	result := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" || seen[strings.ToLower(term)] {
			continue
		}
		seen[strings.ToLower(term)] = true
		result = append(result, term)
	}

	return result
}
