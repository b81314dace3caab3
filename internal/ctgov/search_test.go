package ctgov

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"go.uber.org/zap"
)

// stubCaller responds with a canned payload and records the call
type stubCaller struct {
	payload   string
	err       error
	lastTool  string
	lastArgs  map[string]any
	callCount int
}

func (s *stubCaller) CallTool(ctx context.Context, tool string, arguments map[string]any) (json.RawMessage, error) {
	s.callCount++
	s.lastTool = tool
	s.lastArgs = arguments
	if s.err != nil {
		return nil, s.err
	}
	return json.RawMessage(s.payload), nil
}

func TestSearchAdapter_Search_ExtractsIdentifiers(t *testing.T) {
	caller := &stubCaller{payload: `{
		"totalCount": 3,
		"studies": [
			{"protocolSection": {"identificationModule": {"nctId": "NCT00000001"}}},
			{"protocolSection": {"identificationModule": {"nctId": "NCT00000002"}}},
			{"protocolSection": {"identificationModule": {"nctId": "NCT00000003"}}}
		]
	}`}

	adapter := NewSearchAdapter(caller, zap.NewNop())
	ids, err := adapter.Search(context.Background(), []string{"melanoma", "stage IV"}, SearchOptions{
		PageSize: 10,
		Status:   "RECRUITING",
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	want := []string{"NCT00000001", "NCT00000002", "NCT00000003"}
	if len(ids) != len(want) {
		t.Fatalf("Expected %d ids, got %d", len(want), len(ids))
	}
	for i, id := range want {
		if ids[i] != id {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], id)
		}
	}

	if caller.lastTool != "list_studies" {
		t.Errorf("Expected list_studies call, got %q", caller.lastTool)
	}
	if caller.lastArgs["cond"] != "melanoma stage IV" {
		t.Errorf("Expected space-joined cond, got %v", caller.lastArgs["cond"])
	}
	if caller.lastArgs["overallStatus"] != "RECRUITING" {
		t.Errorf("Expected overallStatus RECRUITING, got %v", caller.lastArgs["overallStatus"])
	}
	if caller.lastArgs["pageSize"] != 10 {
		t.Errorf("Expected pageSize 10, got %v", caller.lastArgs["pageSize"])
	}
	if caller.lastArgs["format"] != "json" {
		t.Errorf("Expected format json, got %v", caller.lastArgs["format"])
	}
}

func TestSearchAdapter_Search_SkipsEntriesWithoutID(t *testing.T) {
	caller := &stubCaller{payload: `{
		"totalCount": 3,
		"studies": [
			{"protocolSection": {"identificationModule": {"nctId": "NCT00000001"}}},
			{"protocolSection": {"identificationModule": {}}},
			{"protocolSection": {"identificationModule": {"nctId": "NCT00000003"}}}
		]
	}`}

	adapter := NewSearchAdapter(caller, zap.NewNop())
	ids, err := adapter.Search(context.Background(), []string{"diabetes"}, SearchOptions{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	if len(ids) != 2 {
		t.Fatalf("Expected 2 ids after skipping the blank one, got %d: %v", len(ids), ids)
	}
	if ids[0] != "NCT00000001" || ids[1] != "NCT00000003" {
		t.Errorf("Unexpected ids: %v", ids)
	}
}

func TestSearchAdapter_Search_ZeroMatches(t *testing.T) {
	caller := &stubCaller{payload: `{"totalCount": 0, "studies": []}`}

	adapter := NewSearchAdapter(caller, zap.NewNop())
	ids, err := adapter.Search(context.Background(), []string{"extremely rare condition"}, SearchOptions{})
	if err != nil {
		t.Fatalf("Zero matches should not be an error: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("Expected no ids, got %v", ids)
	}
}

func TestSearchAdapter_Search_DefaultPageSize(t *testing.T) {
	caller := &stubCaller{payload: `{"totalCount": 0, "studies": []}`}

	adapter := NewSearchAdapter(caller, zap.NewNop())
	if _, err := adapter.Search(context.Background(), []string{"asthma"}, SearchOptions{}); err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	if caller.lastArgs["pageSize"] != 20 {
		t.Errorf("Expected default pageSize 20, got %v", caller.lastArgs["pageSize"])
	}
}

func TestSearchAdapter_Search_CallFailure(t *testing.T) {
	caller := &stubCaller{err: errors.New("backend exploded")}

	adapter := NewSearchAdapter(caller, zap.NewNop())
	_, err := adapter.Search(context.Background(), []string{"asthma"}, SearchOptions{})
	if err == nil {
		t.Fatal("Expected error when the tool call fails")
	}
}

func TestSearchAdapter_Search_MalformedPayload(t *testing.T) {
	caller := &stubCaller{payload: `["not", "an", "object"]`}

	adapter := NewSearchAdapter(caller, zap.NewNop())
	_, err := adapter.Search(context.Background(), []string{"asthma"}, SearchOptions{})
	if err == nil {
		t.Fatal("Expected decode error for malformed payload")
	}
}
