// Package ctgov adapts the remote registry tools (list_studies and
// get_study) into flat domain types. The transport quirks live in the
// mcp package; this package only deals with the registry's nested
// protocol sections.
package ctgov

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// ToolCaller invokes a named remote tool and returns its decoded payload
type ToolCaller interface {
	CallTool(ctx context.Context, tool string, arguments map[string]any) (json.RawMessage, error)
}

// SearchOptions narrow a trial search
type SearchOptions struct {
	PageSize int    // studies per page, defaults to 20
	Status   string // recruitment status filter, empty disables
	Location string // geographic filter, empty means anywhere
}

// SearchAdapter finds trial identifiers for condition terms
type SearchAdapter struct {
	caller ToolCaller
	log    *zap.Logger
}

// NewSearchAdapter creates a search adapter
func NewSearchAdapter(caller ToolCaller, log *zap.Logger) *SearchAdapter {
	return &SearchAdapter{caller: caller, log: log}
}

// studiesPayload is the decoded list_studies response
type studiesPayload struct {
	TotalCount int     `json:"totalCount"`
	Studies    []study `json:"studies"`
	NextPage   string  `json:"nextPageToken"`
}

type study struct {
	ProtocolSection protocolSection `json:"protocolSection"`
}

// Search queries the registry for trials matching the condition terms and
// returns their identifiers in result order. The remote tool takes a
// single condition field, so terms are space-joined into one query.
// Zero matches is a valid outcome, not an error.
func (a *SearchAdapter) Search(ctx context.Context, terms []string, opts SearchOptions) ([]string, error) {
	query := strings.Join(terms, " ")

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}

	a.log.Info("searching registry",
		zap.String("query", query),
		zap.Int("page_size", pageSize),
		zap.String("status", opts.Status),
	)

	arguments := map[string]any{
		"cond":          query,
		"term":          "",
		"locn":          opts.Location,
		"overallStatus": opts.Status,
		"pageSize":      pageSize,
		"format":        "json",
		"countTotal":    "true",
		"pageToken":     "", // first page
	}

	payload, err := a.caller.CallTool(ctx, "list_studies", arguments)
	if err != nil {
		return nil, fmt.Errorf("list studies: %w", err)
	}

	var result studiesPayload
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("decode studies payload: %w", err)
	}

	ids := make([]string, 0, len(result.Studies))
	for i, s := range result.Studies {
		id := s.ProtocolSection.Identification.NCTID
		if id == "" {
			// Partial results beat total failure
			a.log.Warn("study entry missing nctId, skipping", zap.Int("index", i))
			continue
		}
		ids = append(ids, id)
	}

	a.log.Info("search complete",
		zap.Int("total_count", result.TotalCount),
		zap.Int("page_results", len(ids)),
	)

	return ids, nil
}
