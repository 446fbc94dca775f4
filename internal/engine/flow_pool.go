// Package engine runs flows concurrently on a bounded pool of workers. Each
// job launches its own browser, runs one flow on it and closes it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/rpa-flow/internal/browser"
	"github.com/xkilldash9x/rpa-flow/internal/config"
	"github.com/xkilldash9x/rpa-flow/internal/interpreter"
)

// -- Interfaces for Dependency Inversion --

// Executor runs one flow on an open engine.
type Executor interface {
	Execute(ctx context.Context, engine browser.Engine, r interpreter.Run) interpreter.Outcome
}

// Job is one flow execution request. Result, if set, must have room for one
// value; the pool never blocks on it.
type Job struct {
	Run     interpreter.Run
	Timeout time.Duration
	Result  chan<- interpreter.Outcome
}

// FlowPool manages the in-process distribution of flow jobs to workers.
type FlowPool struct {
	cfg      config.Interface
	logger   *zap.Logger
	launcher browser.Launcher
	executor Executor
	wg       sync.WaitGroup

	stateLock sync.Mutex
	isRunning bool
}

// New creates a FlowPool.
func New(cfg config.Interface, logger *zap.Logger, launcher browser.Launcher, executor Executor) (*FlowPool, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if launcher == nil {
		return nil, errors.New("engine launcher cannot be nil")
	}
	if executor == nil {
		return nil, errors.New("executor cannot be nil")
	}

	return &FlowPool{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "flow_pool")),
		launcher: launcher,
		executor: executor,
	}, nil
}

func (p *FlowPool) concurrency() int {
	n := p.cfg.Engine().WorkerConcurrency
	if n <= 0 {
		n = 4
	}
	return n
}

// Start launches the workers, which consume jobs until ctx is cancelled or
// the channel is closed.
func (p *FlowPool) Start(ctx context.Context, jobs <-chan Job) {
	p.stateLock.Lock()
	if p.isRunning {
		p.stateLock.Unlock()
		p.logger.Warn("FlowPool.Start called, but pool is already running.")
		return
	}
	p.isRunning = true
	p.stateLock.Unlock()

	concurrency := p.concurrency()
	p.logger.Info("Starting flow worker pool", zap.Int("concurrency", concurrency))

	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx, i+1, jobs)
	}
}

// Stop waits for all workers to exit.
func (p *FlowPool) Stop() {
	p.logger.Info("Stopping flow pool, waiting for workers to finish.")
	p.wg.Wait()

	p.stateLock.Lock()
	p.isRunning = false
	p.stateLock.Unlock()

	p.logger.Info("Flow pool stopped.")
}

func (p *FlowPool) runWorker(ctx context.Context, workerID int, jobs <-chan Job) {
	defer p.wg.Done()
	logger := p.logger.With(zap.Int("worker_id", workerID))
	logger.Debug("Worker goroutine started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("Context cancelled, worker shutting down.", zap.Error(ctx.Err()))
			return
		case job, ok := <-jobs:
			if !ok {
				logger.Debug("Job queue closed and drained, worker shutting down.")
				return
			}
			out := p.process(ctx, job, logger)
			deliver(job, out, logger)
		}
	}
}

// Run executes one job on the calling goroutine.
func (p *FlowPool) Run(ctx context.Context, job Job) interpreter.Outcome {
	return p.process(ctx, job, p.logger)
}

// RunAll executes jobs with at most the configured concurrency and returns
// their outcomes in job order.
func (p *FlowPool) RunAll(ctx context.Context, jobs []Job) []interpreter.Outcome {
	outcomes := make([]interpreter.Outcome, len(jobs))

	var g errgroup.Group
	g.SetLimit(p.concurrency())
	for i := range jobs {
		i := i
		g.Go(func() error {
			outcomes[i] = p.process(ctx, jobs[i], p.logger)
			deliver(jobs[i], outcomes[i], p.logger)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// process launches an engine, runs the flow under the job's timeout and
// closes the engine. It always produces an outcome.
func (p *FlowPool) process(ctx context.Context, job Job, logger *zap.Logger) interpreter.Outcome {
	run := job.Run
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	logger = logger.With(zap.String("run_id", run.ID))

	if err := ctx.Err(); err != nil {
		logger.Warn("Context cancelled before flow started", zap.Error(err))
		out := interpreter.Failed(run.ID, "", err.Error())
		out.Status = interpreter.StatusCancelled
		return out
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = p.cfg.Engine().DefaultFlowTimeout
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	flowCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	engine, err := p.launcher.Launch(flowCtx)
	if err != nil {
		kind := interpreter.KindStepError
		if errors.Is(err, browser.ErrUnknownEngine) {
			kind = interpreter.KindEngineUnrecognized
		}
		logger.Error("Failed to launch browser engine", zap.Error(err))
		return interpreter.Failed(run.ID, kind, fmt.Sprintf("engine launch failed: %v", err))
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warn("Failed to close browser engine", zap.Error(err))
		}
	}()

	out := p.executor.Execute(flowCtx, engine, run)

	switch out.Status {
	case interpreter.StatusTimedOut:
		logger.Warn("Flow timed out", zap.Duration("timeout", timeout))
	case interpreter.StatusCancelled:
		logger.Warn("Flow was cancelled")
	}
	return out
}

func deliver(job Job, out interpreter.Outcome, logger *zap.Logger) {
	if job.Result == nil {
		return
	}
	select {
	case job.Result <- out:
	default:
		logger.Error("Result channel full, outcome dropped", zap.String("run_id", out.RunID))
	}
}
