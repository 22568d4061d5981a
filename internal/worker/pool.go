package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"newsfeed-refresh/internal/config"
	"newsfeed-refresh/internal/models"
	"newsfeed-refresh/internal/queue"
	"newsfeed-refresh/internal/telemetry"
)

// ErrPoolStarted is returned by a second call to Start.
var ErrPoolStarted = errors.New("worker: pool already started")

const (
	// maxLoopBackoff caps the pause after repeated store failures.
	maxLoopBackoff = 30 * time.Second
	// markAttempts bounds the retries of MarkProcessing before the claimed id
	// is handed back to the pending list.
	markAttempts = 5
)

// Options tune a Pool. Zero values fall back to defaults.
type Options struct {
	Size         int
	ClaimTimeout time.Duration
	ExecTimeout  time.Duration
	IdleBackoff  time.Duration
	NamePrefix   string
	Logger       queue.Logger
	Recorder     Recorder
}

// OptionsFromConfig maps the shared runtime config onto pool options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Size:         cfg.WorkerConcurrency,
		ClaimTimeout: cfg.ClaimTimeout,
		ExecTimeout:  cfg.ExecutorTimeout,
		IdleBackoff:  cfg.IdleBackoff,
		NamePrefix:   cfg.WorkerID,
	}
}

func (o Options) withDefaults() Options {
	if o.Size <= 0 {
		o.Size = 10
	}
	if o.ClaimTimeout <= 0 {
		o.ClaimTimeout = 5 * time.Second
	}
	if o.IdleBackoff <= 0 {
		o.IdleBackoff = time.Second
	}
	if o.NamePrefix == "" {
		if host, _ := os.Hostname(); host != "" {
			o.NamePrefix = host
		} else {
			o.NamePrefix = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	return o
}

// Pool is a fixed set of long-lived workers draining the pending queue.
// Each worker handles one job at a time, so at most Size jobs execute at once.
type Pool struct {
	store queue.Store
	opts  Options
	now   func() time.Time

	mu        sync.Mutex
	executors map[string]Executor
	started   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	inflight atomic.Int64
}

// NewPool creates a pool. Register executors before calling Start.
func NewPool(st queue.Store, opts Options) *Pool {
	return &Pool{
		store:     st,
		opts:      opts.withDefaults(),
		now:       time.Now,
		executors: make(map[string]Executor),
	}
}

// RegisterExecutor binds an executor to a job kind.
func (p *Pool) RegisterExecutor(kind string, exec Executor) {
	if kind == "" || exec == nil {
		return
	}
	p.mu.Lock()
	p.executors[kind] = exec
	p.mu.Unlock()
}

func (p *Pool) executor(kind string) (Executor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	exec, ok := p.executors[kind]
	return exec, ok
}

// Size is the number of workers.
func (p *Pool) Size() int {
	return p.opts.Size
}

// InFlight is the number of jobs currently executing.
func (p *Pool) InFlight() int {
	return int(p.inflight.Load())
}

// Start launches the workers. It may be called once.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrPoolStarted
	}
	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.opts.Size; i++ {
		p.wg.Add(1)
		go p.runWorker(runCtx, fmt.Sprintf("%s-%d", p.opts.NamePrefix, i))
	}
	p.opts.Logger.Printf("worker pool started size=%d claim_timeout=%s exec_timeout=%s", p.opts.Size, p.opts.ClaimTimeout, p.opts.ExecTimeout)
	return nil
}

// Stop stops claiming new jobs, waits for in-flight ones to be recorded and
// returns once every worker has exited.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
}

// Run starts the pool and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	p.Stop()
	return nil
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	defer p.wg.Done()
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		err := p.step(ctx, workerID)
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}
		failures++
		telemetry.WorkerLoopErrors.Inc()
		p.opts.Logger.Printf("worker %s: %v", workerID, err)
		sleep(ctx, backoffWithJitter(p.opts.IdleBackoff, maxLoopBackoff, failures))
	}
}

// step runs one loop iteration. Panics are turned into errors so a bad
// iteration never takes the worker down.
func (p *Pool) step(ctx context.Context, workerID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("iteration panic: %v\n%s", r, debug.Stack())
		}
	}()

	id, err := p.store.Claim(ctx, p.opts.ClaimTimeout)
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	if id == "" {
		return nil
	}
	return p.process(ctx, workerID, id)
}

func (p *Pool) process(ctx context.Context, workerID, id string) error {
	// The id is already off the pending list; finish recording it even if
	// the pool is shutting down.
	jobCtx := context.WithoutCancel(ctx)

	started, err := p.markProcessing(ctx, jobCtx, workerID, id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) || errors.Is(err, queue.ErrInvalidTransition) {
			p.opts.Logger.Printf("worker %s: skipping job %s: %v", workerID, id, err)
			return nil
		}
		return err
	}
	job, err := p.store.Get(jobCtx, id)
	if err != nil {
		return fmt.Errorf("load job %s: %w", id, err)
	}

	p.inflight.Add(1)
	telemetry.InFlightGauge.Inc()
	result, abandoned, execErr := p.execute(jobCtx, job)
	p.inflight.Add(-1)
	telemetry.InFlightGauge.Dec()
	if abandoned != nil {
		// the slot stays taken until the timed-out call returns
		defer p.awaitAbandoned(ctx, workerID, id, abandoned)
	}

	finished := p.now()
	telemetry.ExecutionSeconds.Observe(finished.Sub(started).Seconds())

	if execErr != nil {
		err = p.store.MarkFailed(jobCtx, id, execErr.Error(), finished)
		job.Status = models.StatusFailed
		job.Error = execErr.Error()
	} else {
		if len(result) == 0 || string(result) == "null" {
			result = json.RawMessage(`{}`)
		}
		err = p.store.MarkCompleted(jobCtx, id, result, finished)
		job.Status = models.StatusCompleted
		job.Result = result
	}
	if err != nil {
		if errors.Is(err, queue.ErrInvalidTransition) || errors.Is(err, queue.ErrNotFound) {
			p.opts.Logger.Printf("worker %s: job %s was finalized elsewhere: %v", workerID, id, err)
			return nil
		}
		return fmt.Errorf("record outcome of %s: %w", id, err)
	}
	job.CompletedAt = &finished

	if execErr != nil {
		telemetry.JobsFailed.Inc()
		p.opts.Logger.Printf("worker %s: job %s failed: %v", workerID, id, execErr)
	} else {
		telemetry.JobsCompleted.Inc()
		p.opts.Logger.Printf("worker %s: job %s completed in %s", workerID, id, finished.Sub(started))
	}

	if p.opts.Recorder != nil {
		if err := p.opts.Recorder.RecordTerminal(jobCtx, job); err != nil {
			p.opts.Logger.Printf("worker %s: record history for %s: %v", workerID, id, err)
		}
	}
	return nil
}

// markProcessing moves a claimed id to processing, retrying store failures
// with backoff. If the store stays unavailable the id is pushed back to the
// head of the pending list so the job is not lost.
func (p *Pool) markProcessing(ctx, jobCtx context.Context, workerID, id string) (time.Time, error) {
	var err error
	for attempt := 1; ; attempt++ {
		started := p.now()
		err = p.store.MarkProcessing(jobCtx, id, workerID, started)
		if err == nil {
			return started, nil
		}
		if errors.Is(err, queue.ErrNotFound) || errors.Is(err, queue.ErrInvalidTransition) {
			return time.Time{}, err
		}
		if attempt >= markAttempts || ctx.Err() != nil {
			break
		}
		p.opts.Logger.Printf("worker %s: mark %s processing (attempt %d): %v", workerID, id, attempt, err)
		sleep(ctx, backoffWithJitter(p.opts.IdleBackoff, maxLoopBackoff, attempt))
	}
	if rqErr := p.store.Requeue(jobCtx, id); rqErr != nil {
		p.opts.Logger.Printf("worker %s: job %s could not be requeued and stays pending: %v", workerID, id, rqErr)
		return time.Time{}, fmt.Errorf("mark %s processing: %w (requeue: %v)", id, err, rqErr)
	}
	return time.Time{}, fmt.Errorf("mark %s processing, requeued: %w", id, err)
}

// awaitAbandoned blocks until a timed-out executor call returns, so a worker
// never has more than one call outstanding. Shutdown stops the wait.
func (p *Pool) awaitAbandoned(ctx context.Context, workerID, id string, done <-chan outcome) {
	telemetry.AbandonedExecutions.Inc()
	defer telemetry.AbandonedExecutions.Dec()
	select {
	case <-done:
	case <-ctx.Done():
		p.opts.Logger.Printf("worker %s: stopping while executor call for %s is still running", workerID, id)
	}
}

type outcome struct {
	result json.RawMessage
	err    error
}

// execute runs the registered executor under the pool deadline. The call
// happens on its own goroutine so an executor that ignores ctx still cannot
// hold the job past the deadline. When the deadline wins, the returned
// channel delivers the late outcome once the call finally returns.
func (p *Pool) execute(ctx context.Context, job models.Job) (json.RawMessage, <-chan outcome, error) {
	exec, ok := p.executor(job.Kind)
	if !ok {
		return nil, nil, fmt.Errorf("no executor registered for kind %q", job.Kind)
	}
	if p.opts.ExecTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.ExecTimeout)
		defer cancel()
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		res, err := exec.Execute(ctx, job)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, nil, p.timeoutError()
		}
		return o.result, nil, o.err
	case <-ctx.Done():
		return nil, done, p.timeoutError()
	}
}

func (p *Pool) timeoutError() error {
	return fmt.Errorf("pipeline executor timed out after %s", p.opts.ExecTimeout)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || wait <= 0 {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
