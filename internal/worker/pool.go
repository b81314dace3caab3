// Package worker provides the bounded-concurrency primitives shared by
// the fetch, evaluate and batch stages.
package worker

import (
	"context"
	"sync"
)

// Job is a unit of work executed by the pool
type Job interface {
	Execute(ctx context.Context) Result
}

// Result is the outcome of one job
type Result interface {
	GetError() error
}

// Pool runs jobs on a fixed number of workers. Evaluations and detail
// fetches carry no ordering dependency on each other, so the pool makes
// no ordering promise; callers that need discovery order carry an index
// in their results.
type Pool struct {
	workers   int
	jobs      chan Job
	results   chan Result
	collected []Result
	drained   chan struct{}
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewPool creates a pool with the given worker count (minimum 1).
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		workers: workers,
		jobs:    make(chan Job, workers*2),
		results: make(chan Result, workers*2),
		drained: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers and the result collector. Collecting as
// results arrive keeps workers from blocking on the results channel, so
// Submit can be called any number of times before Wait.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	go p.collect()
}

func (p *Pool) run() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			result := job.Execute(p.ctx)
			select {
			case p.results <- result:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

func (p *Pool) collect() {
	defer close(p.drained)
	for result := range p.results {
		p.collected = append(p.collected, result)
	}
}

// Submit queues a job. Blocks only while every worker is busy and the
// queue is full; submissions after Shutdown are dropped.
func (p *Pool) Submit(job Job) {
	select {
	case <-p.ctx.Done():
	case p.jobs <- job:
	}
}

// Wait closes the queue, waits for the workers to drain it, and returns
// every result.
func (p *Pool) Wait() []Result {
	close(p.jobs)
	p.wg.Wait()
	p.closeResults()
	<-p.drained
	return p.collected
}

// Shutdown stops the pool without draining the queue. In-flight jobs see
// their context cancelled.
func (p *Pool) Shutdown() {
	p.cancel()
	p.wg.Wait()
	p.closeResults()
	<-p.drained
}

func (p *Pool) closeResults() {
	p.closeOnce.Do(func() {
		close(p.results)
	})
}
