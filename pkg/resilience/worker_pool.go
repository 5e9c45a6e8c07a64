package resilience

import (
	"context"
	"errors"
	"sync"
)

var ErrWorkerPoolClosed = errors.New("worker pool is closed")

// WorkerPool runs jobs on their own goroutines while keeping the number of
// running jobs at or below the current size. The size can change while jobs run;
// shrinking never interrupts running jobs, it only delays new admissions.
type WorkerPool struct {
	mu     sync.Mutex
	size   int
	active int
	peak   int
	closed bool
	freed  chan struct{}
	wg     sync.WaitGroup
}

func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		size:  size,
		freed: make(chan struct{}),
	}
}

// Submit blocks until a slot is free, then starts job. It returns the context
// error if ctx ends first.
func (p *WorkerPool) Submit(ctx context.Context, job func()) error {
	if job == nil {
		return nil
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrWorkerPoolClosed
		}
		if p.active < p.size {
			p.active++
			if p.active > p.peak {
				p.peak = p.active
			}
			p.wg.Add(1)
			p.mu.Unlock()

			go p.run(job)
			return nil
		}
		wait := p.freed
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// SetSize changes the admission bound. Values below one are raised to one.
func (p *WorkerPool) SetSize(size int) {
	if size <= 0 {
		size = 1
	}
	p.mu.Lock()
	p.size = size
	p.broadcastLocked()
	p.mu.Unlock()
}

func (p *WorkerPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Active returns the number of running jobs.
func (p *WorkerPool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Peak returns the highest number of jobs that ran at once.
func (p *WorkerPool) Peak() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

// Close rejects further submissions. Running jobs are not affected.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		p.broadcastLocked()
	}
	p.mu.Unlock()
}

// Wait blocks until every admitted job has returned.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

func (p *WorkerPool) run(job func()) {
	defer p.release()
	job()
}

func (p *WorkerPool) release() {
	p.mu.Lock()
	p.active--
	p.broadcastLocked()
	p.mu.Unlock()
	p.wg.Done()
}

func (p *WorkerPool) broadcastLocked() {
	close(p.freed)
	p.freed = make(chan struct{})
}
