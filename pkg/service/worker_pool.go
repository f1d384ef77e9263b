package service

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/ignatij/gobuild/pkg/models"
	"github.com/ignatij/gobuild/pkg/transform"
	"github.com/pkg/errors"
)

// Invocation asks the pool to run one task's transform.
type Invocation struct {
	Task   *models.Task
	Inputs []string
}

// Outcome is what happened to an Invocation.
type Outcome struct {
	Task       string
	Started    bool // false when the context was done before a worker picked it up
	Result     transform.Result
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

type job struct {
	ctx     context.Context
	inv     Invocation
	outcome *Outcome
	done    *sync.WaitGroup
}

// WorkerPool executes transforms in parallel on a fixed number of goroutines.
type WorkerPool struct {
	logger  Logger
	jobs    chan job
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
}

func NewWorkerPool(logger Logger) *WorkerPool {
	return &WorkerPool{logger: logger}
}

// Start begins the worker pool with the specified number of workers,
// one per CPU when workers is not positive.
func (wp *WorkerPool) Start(workers int) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	wp.jobs = make(chan job)
	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// Stop waits for running transforms and stops the workers.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.jobs)
	wp.mu.Unlock()
	wp.wg.Wait()
}

// ExecuteBatch runs every invocation and returns their outcomes in the same
// order. Invocations that no worker picked up before ctx was done are
// reported as not started.
func (wp *WorkerPool) ExecuteBatch(ctx context.Context, invs []Invocation) []Outcome {
	outcomes := make([]Outcome, len(invs))
	var done sync.WaitGroup

	wp.mu.RLock()
	defer wp.mu.RUnlock()
	for i, inv := range invs {
		outcomes[i] = Outcome{Task: inv.Task.Name}
		if wp.stopped {
			outcomes[i].Err = errors.New("worker pool stopped")
			continue
		}
		done.Add(1)
		select {
		case wp.jobs <- job{ctx: ctx, inv: inv, outcome: &outcomes[i], done: &done}:
		case <-ctx.Done():
			outcomes[i].Err = ctx.Err()
			done.Done()
		}
	}
	done.Wait()
	return outcomes
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for j := range wp.jobs {
		wp.execute(j)
	}
}

func (wp *WorkerPool) execute(j job) {
	defer j.done.Done()
	out := j.outcome
	task := j.inv.Task

	if err := j.ctx.Err(); err != nil {
		wp.logger.Debugf("Not starting task %s: %v", task.Name, err)
		out.Err = err
		return
	}

	ctx := j.ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	out.Started = true
	out.StartedAt = time.Now()
	out.Result, out.Err = invoke(ctx, task, j.inv.Inputs)
	out.FinishedAt = time.Now()

	if out.Err == nil && task.Timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) && j.ctx.Err() == nil {
		out.Err = errors.Wrapf(ctx.Err(), "timed out after %s", task.Timeout)
	}
}

func invoke(ctx context.Context, task *models.Task, inputs []string) (res transform.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	if task.Transform == nil {
		return transform.Result{}, errors.New("no transform configured")
	}
	return task.Transform.Execute(ctx, inputs, task.Output)
}
