// Package pool runs analyses on a fixed set of isolated, long-lived worker
// contexts. Each context owns its own Analyzer; a crashed context is rebuilt
// on its next job and the job it was running is reported as a failure.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"audio-analyzer/internal/analysis"
	"audio-analyzer/internal/models"
	"audio-analyzer/internal/telemetry"
)

// ErrClosed is returned by Submit after Shutdown has begun.
var ErrClosed = errors.New("worker pool closed")

// Runner executes one analysis at a time inside a worker context. An error
// means the context itself is unusable and must be rebuilt.
type Runner interface {
	Run(ctx context.Context, job models.JobDescriptor) (analysis.Result, error)
	Close() error
}

// Factory builds the runner for a slot. It is called once per slot and again
// after the slot's runner fails.
type Factory func(ctx context.Context, slot int) (Runner, error)

// Handle tracks a submitted job.
type Handle struct {
	Job models.JobDescriptor

	started   chan struct{}
	done      chan struct{}
	startedAt atomic.Int64
	abandoned atomic.Bool
	result    analysis.Result

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newHandle(job models.JobDescriptor) *Handle {
	return &Handle{Job: job, started: make(chan struct{}), done: make(chan struct{})}
}

// Started closes when the job begins running on a ready worker context.
// A job whose context could not be built finishes without starting.
func (h *Handle) Started() <-chan struct{} { return h.started }

// Done closes once the result is available.
func (h *Handle) Done() <-chan struct{} { return h.done }

// StartedAt returns when the job began running, or the zero time.
func (h *Handle) StartedAt() time.Time {
	if ns := h.startedAt.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

// Result returns the outcome. It is only meaningful after Done has closed.
func (h *Handle) Result() analysis.Result {
	<-h.done
	return h.result
}

// Abandon tells the pool nobody will read the result. A job that has not
// started yet is dropped without running; a running job has its context
// cancelled, which tears down a subprocess runner.
func (h *Handle) Abandon() {
	h.abandoned.Store(true)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
	}
}

func (h *Handle) setCancel(cancel context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancel = cancel
	if h.abandoned.Load() {
		cancel()
	}
}

func (h *Handle) markStarted() {
	h.startedAt.Store(time.Now().UnixNano())
	close(h.started)
}

func (h *Handle) finish(res analysis.Result) {
	h.result = res
	close(h.done)
}

// Pool is a fixed-size set of worker contexts fed from an unbounded FIFO.
type Pool struct {
	size    int
	factory Factory
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*Handle
	closed  bool

	wg sync.WaitGroup
}

// New starts size worker slots. Runners are built lazily by each slot.
func New(size int, factory Factory, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{size: size, factory: factory, logger: logger, ctx: ctx, cancel: cancel}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.slot(i)
	}
	return p
}

// Size returns the concurrency cap.
func (p *Pool) Size() int { return p.size }

// Submit queues a job and returns its handle.
func (p *Pool) Submit(job models.JobDescriptor) (*Handle, error) {
	h := newHandle(job)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	p.pending = append(p.pending, h)
	p.cond.Signal()
	return h, nil
}

// Shutdown stops accepting work and waits for queued and running jobs to
// drain. When ctx expires first, worker contexts are torn down and the
// context error is returned without waiting further; an in-process analysis
// that ignores cancellation is left to finish on its own.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

func (p *Pool) next() *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.pending) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.pending) == 0 {
		return nil
	}
	h := p.pending[0]
	p.pending[0] = nil
	p.pending = p.pending[1:]
	return h
}

func (p *Pool) slot(id int) {
	defer p.wg.Done()
	logger := p.logger.With(zap.Int("slot", id))

	var runner Runner
	defer func() {
		if runner != nil {
			_ = runner.Close()
		}
	}()

	for {
		h := p.next()
		if h == nil {
			return
		}
		if h.abandoned.Load() {
			h.markStarted()
			h.finish(analysis.Fail(analysis.KindAnalyzerFault, "abandoned before start"))
			continue
		}

		if runner == nil {
			r, err := p.factory(p.ctx, id)
			if err != nil {
				logger.Error("failed to start worker context", zap.Error(err))
				h.finish(analysis.Failf(analysis.KindAnalyzerFault, "start worker: %v", err))
				continue
			}
			runner = r
		}
		h.markStarted()

		jobCtx, cancel := context.WithCancel(p.ctx)
		h.setCancel(cancel)
		telemetry.InFlightGauge.Inc()
		res, err := p.run(jobCtx, runner, h.Job)
		telemetry.InFlightGauge.Dec()
		cancel()
		if err != nil {
			logger.Warn("worker context failed, restarting",
				zap.String("track_id", h.Job.TrackID),
				zap.Error(err),
			)
			telemetry.WorkerRestarts.Inc()
			_ = runner.Close()
			runner = nil
			res = analysis.Fail(analysis.KindAnalyzerFault, err.Error())
		}
		h.finish(res.Normalize())
	}
}

func (p *Pool) run(ctx context.Context, r Runner, job models.JobDescriptor) (res analysis.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("analysis panicked: %v", rec)
		}
	}()
	return r.Run(ctx, job)
}
