package pipeline

import (
	"context"
	"fmt"
	"os"

	"github.com/clinharbor/trialmatch/internal/worker"
)

// Matcher runs one matching request; satisfied by *Pipeline
type Matcher interface {
	Match(ctx context.Context, patientText string, maxTrials int) (*MatchOutcome, error)
}

// BatchResult is the outcome for one patient file
type BatchResult struct {
	Path    string
	Outcome *MatchOutcome
	Err     error
}

// GetError returns the error from the batch result
func (r *BatchResult) GetError() error { return r.Err }

// matchJob matches one patient file on the worker pool
type matchJob struct {
	ctx       context.Context
	path      string
	maxTrials int
	matcher   Matcher
}

func (j *matchJob) Execute(context.Context) worker.Result {
	data, err := os.ReadFile(j.path)
	if err != nil {
		return &BatchResult{Path: j.path, Err: fmt.Errorf("read patient file: %w", err)}
	}

	outcome, err := j.matcher.Match(j.ctx, string(data), j.maxTrials)
	return &BatchResult{Path: j.path, Outcome: outcome, Err: err}
}

// BatchProcessor matches several patient files concurrently. Each file
// is an independent request; one failure never stops the batch.
type BatchProcessor struct {
	matcher     Matcher
	maxTrials   int
	concurrency int
}

// NewBatchProcessor creates a batch processor
func NewBatchProcessor(matcher Matcher, maxTrials, concurrency int) *BatchProcessor {
	if concurrency <= 0 {
		concurrency = 2
	}
	return &BatchProcessor{
		matcher:     matcher,
		maxTrials:   maxTrials,
		concurrency: concurrency,
	}
}

// Process matches every patient file and returns results keyed back to
// their paths. Result order is not defined.
func (b *BatchProcessor) Process(ctx context.Context, paths []string) []*BatchResult {
	if len(paths) == 0 {
		return []*BatchResult{}
	}

	pool := worker.NewPool(b.concurrency)
	pool.Start()

	for _, path := range paths {
		pool.Submit(&matchJob{
			ctx:       ctx,
			path:      path,
			maxTrials: b.maxTrials,
			matcher:   b.matcher,
		})
	}

	results := pool.Wait()

	batch := make([]*BatchResult, 0, len(results))
	for _, r := range results {
		batch = append(batch, r.(*BatchResult))
	}
	return batch
}
