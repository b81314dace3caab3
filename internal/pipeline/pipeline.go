// Package pipeline orchestrates one matching request: extract search
// conditions, find candidate trials, fetch their details, evaluate each
// independently, then rank by confidence.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/clinharbor/trialmatch/internal/ctgov"
	"github.com/clinharbor/trialmatch/internal/mcp"
	"github.com/clinharbor/trialmatch/internal/model"
	"github.com/clinharbor/trialmatch/internal/worker"
	"go.uber.org/zap"
)

// retryBaseDelay is the base for exponential backoff between SEARCH
// retries. Tests override this to avoid real sleeps.
var retryBaseDelay = 2 * time.Second

// Extractor derives search terms from patient text
type Extractor interface {
	Extract(ctx context.Context, patientText string) ([]string, error)
}

// Searcher finds trial identifiers for condition terms
type Searcher interface {
	Search(ctx context.Context, terms []string, opts ctgov.SearchOptions) ([]string, error)
}

// Fetcher retrieves one trial's details
type Fetcher interface {
	Fetch(ctx context.Context, nctID string) (*model.TrialRecord, error)
}

// Evaluator judges one (patient, trial) pair
type Evaluator interface {
	Evaluate(ctx context.Context, patientText string, trial *model.TrialRecord) (*model.MatchResult, error)
}

// Pipeline runs the matching stages for single requests
type Pipeline struct {
	extractor Extractor
	searcher  Searcher
	fetcher   Fetcher
	evaluator Evaluator
	cfg       *model.Config
	progress  model.ProgressFunc
	log       *zap.Logger
}

// New creates a pipeline. progress may be nil to disable reporting.
func New(extractor Extractor, searcher Searcher, fetcher Fetcher, evaluator Evaluator, cfg *model.Config, progress model.ProgressFunc, log *zap.Logger) *Pipeline {
	return &Pipeline{
		extractor: extractor,
		searcher:  searcher,
		fetcher:   fetcher,
		evaluator: evaluator,
		cfg:       cfg,
		progress:  progress,
		log:       log,
	}
}

// MatchOutcome is the complete result of one matching request
type MatchOutcome struct {
	Matches    []model.MatchResult `json:"matches"`
	Report     string              `json:"report"`
	Conditions []string            `json:"conditions"` // search terms actually used

	TotalFound int `json:"total_found"` // identifiers returned by search
	Fetched    int `json:"fetched"`
	Evaluated  int `json:"evaluated"`

	FetchFailures []string `json:"fetch_failures,omitempty"` // identifiers whose detail fetch failed
	EvalFailures  []string `json:"eval_failures,omitempty"`  // identifiers whose reasoning call failed

	// BackendUnavailable distinguishes "the data source is down" from
	// "no matching trials exist". The two must never be conflated in
	// the user-facing report.
	BackendUnavailable bool `json:"backend_unavailable,omitempty"`
}

// Match runs the full pipeline for one patient record, returning at most
// maxTrials ranked matches plus a human-readable report. A negative
// maxTrials selects the configured default.
func (p *Pipeline) Match(ctx context.Context, patientText string, maxTrials int) (*MatchOutcome, error) {
	if maxTrials < 0 {
		maxTrials = p.cfg.Output.MaxResults
	}

	outcome := &MatchOutcome{}

	// EXTRACT
	p.emit(model.StageExtract, 0, 0, "analyzing patient record for search conditions")
	terms := p.extractConditions(ctx, patientText)
	outcome.Conditions = terms

	// SEARCH (with bounded backoff against a cold-starting backend)
	p.emit(model.StageSearch, 0, 0, fmt.Sprintf("searching registry for: %v", terms))
	ids, err := p.searchWithRetry(ctx, terms)
	if err != nil {
		if mcp.Retryable(err) {
			p.log.Error("registry unreachable after retries", zap.Error(err))
			outcome.BackendUnavailable = true
			outcome.Report = BackendDownReport(p.cfg.MCP.BaseURL, err)
			p.emit(model.StageDone, 0, 0, "registry unavailable")
			return outcome, nil
		}
		return nil, fmt.Errorf("search: %w", err)
	}
	outcome.TotalFound = len(ids)

	if len(ids) == 0 {
		outcome.Report = NoTrialsReport(terms)
		p.emit(model.StageDone, 0, 0, "no matching trials found")
		return outcome, nil
	}

	// FETCH_DETAILS (bounded concurrency, per-trial failures skipped)
	if limit := p.fetchCap(maxTrials); len(ids) > limit {
		ids = ids[:limit]
	}
	records := p.fetchDetails(ctx, ids, outcome)
	outcome.Fetched = len(records)

	if len(records) == 0 {
		outcome.Report = NoTrialsReport(terms)
		p.emit(model.StageDone, 0, 0, "no trial details could be retrieved")
		return outcome, nil
	}

	// EVALUATE (independent per trial, parallel)
	matches := p.evaluateAll(ctx, patientText, records, outcome)
	outcome.Evaluated = len(matches)

	// RANK: stable sort keeps discovery order on equal confidence
	p.emit(model.StageRank, 0, 0, fmt.Sprintf("ranking %d evaluated trials", len(matches)))
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Confidence > matches[j].Confidence
	})
	if len(matches) > maxTrials {
		matches = matches[:maxTrials]
	}
	outcome.Matches = matches
	outcome.Report = BuildReport(matches)

	p.emit(model.StageDone, 0, 0, fmt.Sprintf("matched %d trials", len(matches)))
	return outcome, nil
}

// extractConditions runs the EXTRACT stage. An empty or failed
// extraction is not fatal; the fallback term keeps the search alive.
func (p *Pipeline) extractConditions(ctx context.Context, patientText string) []string {
	terms, err := p.extractor.Extract(ctx, patientText)
	if err != nil {
		p.log.Warn("condition extraction failed, using fallback term", zap.Error(err))
	}
	if len(terms) == 0 {
		return []string{p.cfg.Search.FallbackTerm}
	}
	return terms
}

// searchWithRetry runs the SEARCH stage with bounded exponential
// backoff on retryable failures. Progress events are emitted by the
// caller at the stage boundary, never from inside this loop.
func (p *Pipeline) searchWithRetry(ctx context.Context, terms []string) ([]string, error) {
	opts := ctgov.SearchOptions{
		PageSize: p.cfg.Search.PageSize,
		Status:   p.cfg.Search.StatusFilter,
		Location: p.cfg.Search.Location,
	}

	attempts := p.cfg.MCP.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := retryBaseDelay * time.Duration(1<<(attempt-1))
			p.log.Info("retrying search",
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", attempts),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		ids, err := p.searcher.Search(ctx, terms, opts)
		if err == nil {
			return ids, nil
		}
		if !mcp.Retryable(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, lastErr
}

// fetchCap bounds how many trial details one request may fetch
func (p *Pipeline) fetchCap(maxTrials int) int {
	limit := p.cfg.Search.MaxFetch
	if limit <= 0 {
		limit = 20
	}
	if want := maxTrials * 2; want > 0 && want < limit {
		limit = want
	}
	return limit
}

// fetchDetails runs the FETCH_DETAILS stage with bounded concurrency.
// One bad record never aborts the request: failures are recorded and
// that trial is skipped. Returned records keep discovery order.
func (p *Pipeline) fetchDetails(ctx context.Context, ids []string, outcome *MatchOutcome) []*model.TrialRecord {
	workers := p.cfg.Concurrency.FetchWorkers
	if workers <= 0 {
		workers = 5
	}

	fetched := make([]*model.TrialRecord, len(ids))
	semaphore := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i, id := range ids {
		// Cancellation stops issuing new fetches; in-flight calls
		// finish under their own deadlines.
		select {
		case <-ctx.Done():
			p.log.Warn("fetch stage cancelled", zap.Int("dispatched", i))
			wg.Wait()
			return compactRecords(fetched[:i], ids, outcome)
		case semaphore <- struct{}{}:
		}

		p.emit(model.StageFetch, i+1, len(ids), fmt.Sprintf("retrieving details for %s", id))

		wg.Add(1)
		go func(idx int, nctID string) {
			defer wg.Done()
			defer func() { <-semaphore }()

			record, err := p.fetcher.Fetch(ctx, nctID)
			if err != nil {
				p.log.Warn("trial detail fetch failed, skipping",
					zap.String("nct_id", nctID),
					zap.Error(err),
				)
				return
			}
			fetched[idx] = record
		}(i, id)
	}

	wg.Wait()
	return compactRecords(fetched, ids, outcome)
}

// compactRecords drops failed fetches, preserving discovery order and
// recording the skipped identifiers.
func compactRecords(fetched []*model.TrialRecord, ids []string, outcome *MatchOutcome) []*model.TrialRecord {
	records := make([]*model.TrialRecord, 0, len(fetched))
	for i, record := range fetched {
		if record == nil {
			outcome.FetchFailures = append(outcome.FetchFailures, ids[i])
			continue
		}
		records = append(records, record)
	}
	return records
}

// evaluateJob evaluates one trial on the worker pool
type evaluateJob struct {
	ctx         context.Context
	index       int
	patientText string
	trial       *model.TrialRecord
	evaluator   Evaluator
}

// evaluateResult carries the discovery index so ranking stays stable
type evaluateResult struct {
	index int
	trial *model.TrialRecord
	match *model.MatchResult
	err   error
}

func (r *evaluateResult) GetError() error { return r.err }

func (j *evaluateJob) Execute(context.Context) worker.Result {
	match, err := j.evaluator.Evaluate(j.ctx, j.patientText, j.trial)
	return &evaluateResult{index: j.index, trial: j.trial, match: match, err: err}
}

// evaluateAll runs the EVALUATE stage on a worker pool. Evaluations are
// independent; results are reassembled in discovery order afterwards so
// the subsequent stable sort ranks ties by discovery.
func (p *Pipeline) evaluateAll(ctx context.Context, patientText string, records []*model.TrialRecord, outcome *MatchOutcome) []model.MatchResult {
	workers := p.cfg.Concurrency.EvaluateWorkers
	if workers <= 0 {
		workers = 5
	}

	pool := worker.NewPool(workers)
	pool.Start()

	submitted := 0
	for i, record := range records {
		if ctx.Err() != nil {
			p.log.Warn("evaluate stage cancelled", zap.Int("dispatched", i))
			break
		}
		p.emit(model.StageEvaluate, i+1, len(records), fmt.Sprintf("evaluating %s: %s", record.ID, record.Title))
		pool.Submit(&evaluateJob{
			ctx:         ctx,
			index:       i,
			patientText: patientText,
			trial:       record,
			evaluator:   p.evaluator,
		})
		submitted++
	}

	results := pool.Wait()

	ordered := make([]*evaluateResult, submitted)
	for _, r := range results {
		er := r.(*evaluateResult)
		ordered[er.index] = er
	}

	matches := make([]model.MatchResult, 0, submitted)
	for _, er := range ordered {
		if er == nil {
			continue
		}
		if er.err != nil {
			p.log.Warn("evaluation failed, skipping trial",
				zap.String("nct_id", er.trial.ID),
				zap.Error(er.err),
			)
			outcome.EvalFailures = append(outcome.EvalFailures, er.trial.ID)
			continue
		}
		matches = append(matches, *er.match)
	}

	return matches
}

// emit sends a progress event if a callback is installed
func (p *Pipeline) emit(stage model.Stage, index, total int, message string) {
	if p.progress == nil {
		return
	}
	p.progress(model.ProgressEvent{
		Stage:   stage,
		Index:   index,
		Total:   total,
		Message: message,
	})
}
