// Package jobpool runs background compaction jobs on a fixed set of
// workers. Submit blocks while every worker is busy, which is the
// compaction-slot backpressure the writer relies on; completion
// signalling stays with the caller.
package jobpool

import (
	"sync"
)

// Pool is a fixed-size worker pool.
type Pool struct {
	jobs chan func()
	wg   sync.WaitGroup
}

// New starts a pool with the given number of workers.
func New(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		jobs: make(chan func()),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		job()
	}
}

// Submit hands a job to a worker, blocking until one is free.
func (p *Pool) Submit(job func()) {
	p.jobs <- job
}

// Close stops accepting jobs and waits for in-flight ones to finish.
func (p *Pool) Close() {
	close(p.jobs)
	p.wg.Wait()
}
