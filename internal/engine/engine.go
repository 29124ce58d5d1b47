// Package engine runs download jobs handed over by the queue controller and
// reports their progress on a channel.
package engine

import (
	"context"
	"io"
	"sync"

	"github.com/charmbracelet/log"
)

// Job is one download request.
type Job struct {
	UUID    string
	URL     string
	Bitrate int
}

type State int

const (
	Started State = iota
	Advanced
	Done
	Failed
	Cancelled
)

var stateNames = map[State]string{
	Started:   "started",
	Advanced:  "advanced",
	Done:      "done",
	Failed:    "failed",
	Cancelled: "cancelled",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Progress is emitted by the engine for every state change of a job.
type Progress struct {
	UUID    string
	State   State
	Percent int
	Err     string
}

// Engine accepts jobs without blocking and reports progress asynchronously.
type Engine interface {
	Submit(job Job)
	// RequestCancel asks the engine to stop work on uuid. It never blocks and
	// is a no-op for unknown or finished jobs.
	RequestCancel(uuid string)
	Progress() <-chan Progress
}

// RunFunc performs a job. report may be called with a percentage in [0,100]
// any number of times. A job stopped through RequestCancel is reported as
// cancelled whatever the returned error.
type RunFunc func(ctx context.Context, job Job, report func(percent int)) error

// Pool is an [Engine] running jobs FIFO on a fixed number of workers. At most
// limit of them run a job at once.
type Pool struct {
	run      RunFunc
	workers  int
	logger   *log.Logger
	progress chan Progress
	wake     chan struct{}

	mu       sync.Mutex
	limit    int
	pending  []Job
	running  map[string]context.CancelFunc
	canceled map[string]bool
	wg       sync.WaitGroup
}

// NewPool creates a Pool. Call Start to begin processing.
func NewPool(workers int, run RunFunc, logger *log.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Pool{
		run:      run,
		workers:  workers,
		limit:    workers,
		logger:   logger,
		progress: make(chan Progress, 256),
		wake:     make(chan struct{}, workers),
		running:  make(map[string]context.CancelFunc),
		canceled: make(map[string]bool),
	}
}

// Start launches the workers. They exit when ctx is done.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// SetLimit changes how many jobs may run at once, clamped to [1, workers].
// Lowering it never interrupts running jobs.
func (p *Pool) SetLimit(n int) {
	n = min(max(n, 1), p.workers)
	p.mu.Lock()
	p.limit = n
	p.mu.Unlock()
	for i := 0; i < n; i++ {
		p.signal()
	}
}

// Limit returns the current concurrency limit.
func (p *Pool) Limit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limit
}

func (p *Pool) Submit(job Job) {
	p.mu.Lock()
	p.pending = append(p.pending, job)
	p.mu.Unlock()
	p.signal()
}

func (p *Pool) RequestCancel(uuid string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cancel, ok := p.running[uuid]; ok {
		p.canceled[uuid] = true
		cancel()
		return
	}
	for i, job := range p.pending {
		if job.UUID == uuid {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			return
		}
	}
}

func (p *Pool) Progress() <-chan Progress {
	return p.progress
}

// Pending returns the number of jobs waiting for a worker.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) next(ctx context.Context) (Job, context.Context, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 || len(p.running) >= p.limit {
		return Job{}, nil, false
	}
	job := p.pending[0]
	p.pending = p.pending[1:]
	jobCtx, cancel := context.WithCancel(ctx)
	p.running[job.UUID] = cancel
	if len(p.pending) > 0 && len(p.running) < p.limit {
		p.signal()
	}
	return job, jobCtx, true
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		job, jobCtx, ok := p.next(ctx)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
				continue
			}
		}
		p.execute(ctx, jobCtx, job)
	}
}

func (p *Pool) execute(ctx, jobCtx context.Context, job Job) {
	p.emit(ctx, Progress{UUID: job.UUID, State: Started})

	err := p.run(jobCtx, job, func(percent int) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		p.emit(ctx, Progress{UUID: job.UUID, State: Advanced, Percent: percent})
	})

	p.mu.Lock()
	cancel := p.running[job.UUID]
	canceled := p.canceled[job.UUID]
	delete(p.running, job.UUID)
	delete(p.canceled, job.UUID)
	more := len(p.pending) > 0
	p.mu.Unlock()
	cancel()
	if more {
		p.signal()
	}

	switch {
	case canceled:
		p.logger.Debug("job cancelled", "uuid", job.UUID)
		p.emit(ctx, Progress{UUID: job.UUID, State: Cancelled})
	case err != nil:
		p.logger.Warn("job failed", "uuid", job.UUID, "err", err)
		p.emit(ctx, Progress{UUID: job.UUID, State: Failed, Err: err.Error()})
	default:
		p.emit(ctx, Progress{UUID: job.UUID, State: Done, Percent: 100})
	}
}

func (p *Pool) emit(ctx context.Context, pr Progress) {
	select {
	case p.progress <- pr:
	case <-ctx.Done():
	}
}
