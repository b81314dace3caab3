package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clinharbor/trialmatch/internal/ctgov"
	"github.com/clinharbor/trialmatch/internal/mcp"
	"github.com/clinharbor/trialmatch/internal/model"
	"go.uber.org/zap"
)

func init() {
	// Disable retry backoff in all tests for fast execution
	retryBaseDelay = time.Millisecond
}

type stubExtractor struct {
	terms []string
	err   error
}

func (s *stubExtractor) Extract(ctx context.Context, patientText string) ([]string, error) {
	return s.terms, s.err
}

type stubSearcher struct {
	ids       []string
	errs      []error // consumed one per call, nil entries succeed
	calls     int
	lastTerms []string
}

func (s *stubSearcher) Search(ctx context.Context, terms []string, opts ctgov.SearchOptions) ([]string, error) {
	s.lastTerms = terms
	call := s.calls
	s.calls++
	if call < len(s.errs) && s.errs[call] != nil {
		return nil, s.errs[call]
	}
	return s.ids, nil
}

type stubFetcher struct {
	mu      sync.Mutex
	failIDs map[string]bool
	calls   int
}

func (s *stubFetcher) Fetch(ctx context.Context, nctID string) (*model.TrialRecord, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.failIDs[nctID] {
		return nil, errors.New("fetch failed")
	}
	return &model.TrialRecord{
		ID:          nctID,
		Title:       "Trial " + nctID,
		ContactInfo: model.NoContactAvailable,
		FullText:    "TRIAL ID: " + nctID,
	}, nil
}

type stubEvaluator struct {
	mu          sync.Mutex
	confidences map[string]float64
	failIDs     map[string]bool
}

func (s *stubEvaluator) Evaluate(ctx context.Context, patientText string, trial *model.TrialRecord) (*model.MatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failIDs[trial.ID] {
		return nil, errors.New("reasoning call failed")
	}
	return &model.MatchResult{
		TrialID:     trial.ID,
		TrialName:   trial.Title,
		Status:      model.StatusQualified,
		Confidence:  s.confidences[trial.ID],
		ContactInfo: trial.ContactInfo,
	}, nil
}

// cannedEvaluator returns a prebuilt result per trial, filling in the
// fields the real evaluator copies from the fetched record.
type cannedEvaluator struct {
	results map[string]*model.MatchResult
}

func (s *cannedEvaluator) Evaluate(ctx context.Context, patientText string, trial *model.TrialRecord) (*model.MatchResult, error) {
	r, ok := s.results[trial.ID]
	if !ok {
		return nil, fmt.Errorf("unexpected trial %s", trial.ID)
	}
	out := *r
	out.TrialID = trial.ID
	out.TrialName = trial.Title
	out.ContactInfo = trial.ContactInfo
	return &out, nil
}

func testConfig() *model.Config {
	cfg := model.DefaultConfig()
	cfg.MCP.MaxRetries = 3
	return cfg
}

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("NCT%08d", i+1)
	}
	return out
}

func newTestPipeline(ex Extractor, se Searcher, fe Fetcher, ev Evaluator, cfg *model.Config, progress model.ProgressFunc) *Pipeline {
	return New(ex, se, fe, ev, cfg, progress, zap.NewNop())
}

func TestPipeline_Match_RanksByConfidence(t *testing.T) {
	searcher := &stubSearcher{ids: []string{"NCT00000001", "NCT00000002", "NCT00000003"}}
	evaluator := &stubEvaluator{confidences: map[string]float64{
		"NCT00000001": 0.4,
		"NCT00000002": 0.9,
		"NCT00000003": 0.6,
	}}

	p := newTestPipeline(
		&stubExtractor{terms: []string{"melanoma"}},
		searcher,
		&stubFetcher{},
		evaluator,
		testConfig(),
		nil,
	)

	outcome, err := p.Match(context.Background(), "patient text", 10)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}

	if outcome.TotalFound != 3 || outcome.Fetched != 3 || outcome.Evaluated != 3 {
		t.Errorf("counters = found %d fetched %d evaluated %d", outcome.TotalFound, outcome.Fetched, outcome.Evaluated)
	}

	want := []string{"NCT00000002", "NCT00000003", "NCT00000001"}
	if len(outcome.Matches) != len(want) {
		t.Fatalf("Expected %d matches, got %d", len(want), len(outcome.Matches))
	}
	for i, id := range want {
		if outcome.Matches[i].TrialID != id {
			t.Errorf("Matches[%d] = %s, want %s", i, outcome.Matches[i].TrialID, id)
		}
	}

	if !strings.Contains(outcome.Report, "CLINICAL TRIAL MATCHING REPORT") {
		t.Error("Report header missing")
	}
}

func TestPipeline_Match_QualifiedLungCancerPatient(t *testing.T) {
	const patient = "67-year-old with Stage IV non-small cell lung cancer, PD-L1 65%, ECOG 1, no prior immunotherapy"

	evaluator := &cannedEvaluator{results: map[string]*model.MatchResult{
		"NCT05234567": {
			Status:     model.StatusQualified,
			Confidence: 0.88,
			InclusionMet: []string{
				"Histologically confirmed stage IV non-small cell lung cancer",
				"PD-L1 expression at least 50%",
				"ECOG performance status 0-1",
			},
			Reasoning: "Histology, PD-L1 level and performance status all satisfy the key criteria.",
		},
	}}

	p := newTestPipeline(
		&stubExtractor{terms: []string{"non-small cell lung cancer", "stage IV"}},
		&stubSearcher{ids: []string{"NCT05234567"}},
		&stubFetcher{},
		evaluator,
		testConfig(),
		nil,
	)

	outcome, err := p.Match(context.Background(), patient, 10)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}

	if len(outcome.Matches) != 1 {
		t.Fatalf("Expected a single match, got %d", len(outcome.Matches))
	}
	m := outcome.Matches[0]
	if m.TrialID != "NCT05234567" {
		t.Errorf("TrialID = %s", m.TrialID)
	}
	if m.Status != model.StatusQualified {
		t.Errorf("Status = %s, want %s", m.Status, model.StatusQualified)
	}
	if m.Confidence != 0.88 {
		t.Errorf("Confidence = %v, want 0.88", m.Confidence)
	}
	if len(m.InclusionMet) != 3 {
		t.Fatalf("InclusionMet = %v", m.InclusionMet)
	}
	if m.InclusionMet[1] != "PD-L1 expression at least 50%" {
		t.Errorf("InclusionMet[1] = %q", m.InclusionMet[1])
	}

	// The satisfied criteria carry through to the rendered report
	for _, want := range []string{
		"Qualified: 1",
		"1. Trial NCT05234567",
		"Confidence: 88%",
		"Inclusion Criteria Met (3):",
		"PD-L1 expression at least 50%",
		"ECOG performance status 0-1",
	} {
		if !strings.Contains(outcome.Report, want) {
			t.Errorf("Report missing %q", want)
		}
	}
}

func TestPipeline_Match_StableTiesKeepDiscoveryOrder(t *testing.T) {
	trialIDs := []string{"NCT00000003", "NCT00000001", "NCT00000002"}
	searcher := &stubSearcher{ids: trialIDs}
	evaluator := &stubEvaluator{confidences: map[string]float64{
		"NCT00000003": 0.5,
		"NCT00000001": 0.5,
		"NCT00000002": 0.5,
	}}

	p := newTestPipeline(
		&stubExtractor{terms: []string{"melanoma"}},
		searcher,
		&stubFetcher{},
		evaluator,
		testConfig(),
		nil,
	)

	outcome, err := p.Match(context.Background(), "patient text", 10)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}

	for i, id := range trialIDs {
		if outcome.Matches[i].TrialID != id {
			t.Errorf("Tied matches reordered: Matches[%d] = %s, want %s", i, outcome.Matches[i].TrialID, id)
		}
	}
}

func TestPipeline_Match_TruncatesToMaxTrials(t *testing.T) {
	// Six candidates, maxTrials 2: only the first four are fetched
	// (2x the requested matches), and the ranked list is cut to two.
	searcher := &stubSearcher{ids: ids(6)}
	confidences := map[string]float64{
		"NCT00000001": 0.2,
		"NCT00000002": 0.9,
		"NCT00000003": 0.5,
		"NCT00000004": 0.7,
		"NCT00000005": 0.95, // beyond the fetch cap, never evaluated
		"NCT00000006": 0.99,
	}

	p := newTestPipeline(
		&stubExtractor{terms: []string{"melanoma"}},
		searcher,
		&stubFetcher{},
		&stubEvaluator{confidences: confidences},
		testConfig(),
		nil,
	)

	outcome, err := p.Match(context.Background(), "patient text", 2)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}

	if outcome.Fetched != 4 {
		t.Errorf("Fetched = %d, want 4", outcome.Fetched)
	}
	if len(outcome.Matches) != 2 {
		t.Fatalf("Expected 2 matches, got %d", len(outcome.Matches))
	}
	// Highest confidence among the fetched candidates ranks first
	if outcome.Matches[0].TrialID != "NCT00000002" {
		t.Errorf("Matches[0] = %s, want NCT00000002", outcome.Matches[0].TrialID)
	}
	if outcome.Matches[1].TrialID != "NCT00000004" {
		t.Errorf("Matches[1] = %s, want NCT00000004", outcome.Matches[1].TrialID)
	}
}

func TestPipeline_Match_ZeroMaxTrials(t *testing.T) {
	p := newTestPipeline(
		&stubExtractor{terms: []string{"melanoma"}},
		&stubSearcher{ids: ids(3)},
		&stubFetcher{},
		&stubEvaluator{confidences: map[string]float64{}},
		testConfig(),
		nil,
	)

	outcome, err := p.Match(context.Background(), "patient text", 0)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if len(outcome.Matches) != 0 {
		t.Errorf("Expected no matches for maxTrials 0, got %d", len(outcome.Matches))
	}
}

func TestPipeline_Match_NegativeMaxTrialsUsesDefault(t *testing.T) {
	cfg := testConfig()
	cfg.Output.MaxResults = 2

	searcher := &stubSearcher{ids: ids(5)}
	confidences := make(map[string]float64)
	for _, id := range searcher.ids {
		confidences[id] = 0.5
	}

	p := newTestPipeline(
		&stubExtractor{terms: []string{"melanoma"}},
		searcher,
		&stubFetcher{},
		&stubEvaluator{confidences: confidences},
		cfg,
		nil,
	)

	outcome, err := p.Match(context.Background(), "patient text", -1)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if len(outcome.Matches) != 2 {
		t.Errorf("Expected the configured default of 2 matches, got %d", len(outcome.Matches))
	}
}

func TestPipeline_Match_CapsFetches(t *testing.T) {
	cfg := testConfig()
	cfg.Search.MaxFetch = 20

	fetcher := &stubFetcher{}
	searcher := &stubSearcher{ids: ids(20)}
	confidences := make(map[string]float64)
	for _, id := range searcher.ids {
		confidences[id] = 0.5
	}

	p := newTestPipeline(
		&stubExtractor{terms: []string{"melanoma"}},
		searcher,
		fetcher,
		&stubEvaluator{confidences: confidences},
		cfg,
		nil,
	)

	if _, err := p.Match(context.Background(), "patient text", 3); err != nil {
		t.Fatalf("Match failed: %v", err)
	}

	// At most 2x the requested matches are fetched
	if fetcher.calls != 6 {
		t.Errorf("Expected 6 fetches, got %d", fetcher.calls)
	}
}

func TestPipeline_Match_SkipsFailedFetches(t *testing.T) {
	searcher := &stubSearcher{ids: []string{"NCT00000001", "NCT00000002", "NCT00000003"}}
	fetcher := &stubFetcher{failIDs: map[string]bool{"NCT00000002": true}}
	evaluator := &stubEvaluator{confidences: map[string]float64{
		"NCT00000001": 0.7,
		"NCT00000003": 0.3,
	}}

	p := newTestPipeline(
		&stubExtractor{terms: []string{"melanoma"}},
		searcher,
		fetcher,
		evaluator,
		testConfig(),
		nil,
	)

	outcome, err := p.Match(context.Background(), "patient text", 10)
	if err != nil {
		t.Fatalf("One corrupted record must not abort the request: %v", err)
	}

	if outcome.Fetched != 2 {
		t.Errorf("Fetched = %d, want 2", outcome.Fetched)
	}
	if len(outcome.FetchFailures) != 1 || outcome.FetchFailures[0] != "NCT00000002" {
		t.Errorf("FetchFailures = %v", outcome.FetchFailures)
	}
	if len(outcome.Matches) != 2 {
		t.Errorf("Expected 2 matches, got %d", len(outcome.Matches))
	}
	for _, m := range outcome.Matches {
		if m.TrialID == "NCT00000002" {
			t.Error("Failed fetch leaked into matches")
		}
	}
}

func TestPipeline_Match_SkipsFailedEvaluations(t *testing.T) {
	searcher := &stubSearcher{ids: []string{"NCT00000001", "NCT00000002"}}
	evaluator := &stubEvaluator{
		confidences: map[string]float64{"NCT00000001": 0.8},
		failIDs:     map[string]bool{"NCT00000002": true},
	}

	p := newTestPipeline(
		&stubExtractor{terms: []string{"melanoma"}},
		searcher,
		&stubFetcher{},
		evaluator,
		testConfig(),
		nil,
	)

	outcome, err := p.Match(context.Background(), "patient text", 10)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}

	if len(outcome.EvalFailures) != 1 || outcome.EvalFailures[0] != "NCT00000002" {
		t.Errorf("EvalFailures = %v", outcome.EvalFailures)
	}
	if len(outcome.Matches) != 1 || outcome.Matches[0].TrialID != "NCT00000001" {
		t.Errorf("Matches = %v", outcome.Matches)
	}
}

func TestPipeline_Match_NoTrialsFound(t *testing.T) {
	p := newTestPipeline(
		&stubExtractor{terms: []string{"vanishingly rare syndrome"}},
		&stubSearcher{ids: nil},
		&stubFetcher{},
		&stubEvaluator{},
		testConfig(),
		nil,
	)

	outcome, err := p.Match(context.Background(), "patient text", 10)
	if err != nil {
		t.Fatalf("Zero matches must not be an error: %v", err)
	}

	if outcome.BackendUnavailable {
		t.Error("No matches must not be reported as a backend outage")
	}
	if !strings.Contains(outcome.Report, "No clinical trials found") {
		t.Errorf("Report = %q", outcome.Report)
	}
	if !strings.Contains(outcome.Report, "vanishingly rare syndrome") {
		t.Error("Report should echo the search terms")
	}
}

func TestPipeline_Match_RetriesThenSucceeds(t *testing.T) {
	searcher := &stubSearcher{
		ids:  []string{"NCT00000001"},
		errs: []error{&mcp.BackendUnavailableError{StatusCode: 502}, nil},
	}

	p := newTestPipeline(
		&stubExtractor{terms: []string{"melanoma"}},
		searcher,
		&stubFetcher{},
		&stubEvaluator{confidences: map[string]float64{"NCT00000001": 0.9}},
		testConfig(),
		nil,
	)

	outcome, err := p.Match(context.Background(), "patient text", 10)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if searcher.calls != 2 {
		t.Errorf("Expected 2 search attempts, got %d", searcher.calls)
	}
	if len(outcome.Matches) != 1 {
		t.Errorf("Expected 1 match, got %d", len(outcome.Matches))
	}
}

func TestPipeline_Match_BackendDownAfterRetries(t *testing.T) {
	cfg := testConfig()
	cfg.MCP.MaxRetries = 3

	down := &mcp.BackendUnavailableError{StatusCode: 503}
	searcher := &stubSearcher{errs: []error{down, down, down}}

	p := newTestPipeline(
		&stubExtractor{terms: []string{"melanoma"}},
		searcher,
		&stubFetcher{},
		&stubEvaluator{},
		cfg,
		nil,
	)

	outcome, err := p.Match(context.Background(), "patient text", 10)
	if err != nil {
		t.Fatalf("Backend outage is an outcome, not an error: %v", err)
	}

	if searcher.calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", searcher.calls)
	}
	if !outcome.BackendUnavailable {
		t.Error("BackendUnavailable should be set")
	}
	if !strings.Contains(outcome.Report, "could not be reached") {
		t.Errorf("Report = %q", outcome.Report)
	}
	if strings.Contains(outcome.Report, "No clinical trials found") {
		t.Error("Outage report must not read like an empty result")
	}
}

func TestPipeline_Match_NonRetryableSearchError(t *testing.T) {
	searcher := &stubSearcher{errs: []error{errors.New("malformed payload")}}

	p := newTestPipeline(
		&stubExtractor{terms: []string{"melanoma"}},
		searcher,
		&stubFetcher{},
		&stubEvaluator{},
		testConfig(),
		nil,
	)

	if _, err := p.Match(context.Background(), "patient text", 10); err == nil {
		t.Fatal("Expected a non-retryable search failure to surface")
	}
	if searcher.calls != 1 {
		t.Errorf("Non-retryable errors must not be retried, got %d attempts", searcher.calls)
	}
}

func TestPipeline_Match_FallbackTermOnEmptyExtraction(t *testing.T) {
	tests := []struct {
		name      string
		extractor *stubExtractor
	}{
		{"empty terms", &stubExtractor{terms: nil}},
		{"extraction error", &stubExtractor{err: errors.New("reasoning down")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Search.FallbackTerm = "clinical trial"
			searcher := &stubSearcher{ids: nil}

			p := newTestPipeline(tt.extractor, searcher, &stubFetcher{}, &stubEvaluator{}, cfg, nil)

			outcome, err := p.Match(context.Background(), "patient text", 10)
			if err != nil {
				t.Fatalf("Match failed: %v", err)
			}
			if len(searcher.lastTerms) != 1 || searcher.lastTerms[0] != "clinical trial" {
				t.Errorf("Expected the fallback term, searched for %v", searcher.lastTerms)
			}
			if len(outcome.Conditions) != 1 || outcome.Conditions[0] != "clinical trial" {
				t.Errorf("Conditions = %v", outcome.Conditions)
			}
		})
	}
}

func TestPipeline_Match_EmitsProgress(t *testing.T) {
	var mu sync.Mutex
	var stages []model.Stage
	progress := func(event model.ProgressEvent) {
		mu.Lock()
		stages = append(stages, event.Stage)
		mu.Unlock()
	}

	p := newTestPipeline(
		&stubExtractor{terms: []string{"melanoma"}},
		&stubSearcher{ids: []string{"NCT00000001"}},
		&stubFetcher{},
		&stubEvaluator{confidences: map[string]float64{"NCT00000001": 0.5}},
		testConfig(),
		progress,
	)

	if _, err := p.Match(context.Background(), "patient text", 10); err != nil {
		t.Fatalf("Match failed: %v", err)
	}

	seen := make(map[model.Stage]bool)
	for _, s := range stages {
		seen[s] = true
	}
	for _, want := range []model.Stage{
		model.StageExtract,
		model.StageSearch,
		model.StageFetch,
		model.StageEvaluate,
		model.StageRank,
		model.StageDone,
	} {
		if !seen[want] {
			t.Errorf("Missing progress stage %q, saw %v", want, stages)
		}
	}
	if stages[0] != model.StageExtract {
		t.Errorf("First stage = %q, want extract", stages[0])
	}
	if stages[len(stages)-1] != model.StageDone {
		t.Errorf("Last stage = %q, want done", stages[len(stages)-1])
	}
}

func TestPipeline_Match_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	searcher := &stubSearcher{
		errs: []error{&mcp.BackendUnavailableError{StatusCode: 502}},
		ids:  ids(3),
	}

	p := newTestPipeline(
		&stubExtractor{terms: []string{"melanoma"}},
		searcher,
		&stubFetcher{},
		&stubEvaluator{},
		testConfig(),
		nil,
	)

	// The retry backoff checks the context before sleeping
	if _, err := p.Match(ctx, "patient text", 10); err == nil {
		t.Fatal("Expected cancellation to surface")
	}
	if searcher.calls != 1 {
		t.Errorf("Expected no retries after cancellation, got %d attempts", searcher.calls)
	}
}
