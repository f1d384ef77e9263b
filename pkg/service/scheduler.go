package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ignatij/gobuild/pkg/artifact"
	"github.com/ignatij/gobuild/pkg/graph"
	"github.com/ignatij/gobuild/pkg/models"
	"github.com/ignatij/gobuild/pkg/staleness"
	"github.com/pkg/errors"
)

// RunRequest names the tasks a run must bring up to date.
type RunRequest struct {
	Targets []string
	// Force lists tasks that run even when their outputs look current.
	Force []string
}

// Scheduler executes runs over a built task graph.
type Scheduler struct {
	graph     *graph.Graph
	artifacts *artifact.Store
	runs      *RunService
	checker   *staleness.Checker
	logger    Logger
	workers   int
}

type SchedulerOption func(*Scheduler)

// WithWorkers bounds the number of transforms running at once.
// Non-positive values mean one per CPU.
func WithWorkers(n int) SchedulerOption {
	return func(s *Scheduler) { s.workers = n }
}

func NewScheduler(g *graph.Graph, artifacts *artifact.Store, runs *RunService, logger Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		graph:     g,
		artifacts: artifacts,
		runs:      runs,
		checker:   staleness.NewChecker(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Graph returns the task graph the scheduler runs.
func (s *Scheduler) Graph() *graph.Graph { return s.graph }

// Run brings the targets and their transitive dependencies up to date. The
// returned error is non-nil only when the run could not start; task failures
// are reported in the Run.
func (s *Scheduler) Run(ctx context.Context, req RunRequest) (*models.Run, error) {
	closure, err := s.graph.Closure(req.Targets)
	if err != nil {
		return nil, err
	}
	names := closure.Sorted()
	tasks := make([]*models.Task, len(names))
	for i, name := range names {
		tasks[i], _ = s.graph.Task(name)
	}

	records, err := s.runs.Records(names)
	if err != nil {
		return nil, err
	}
	snap, err := s.artifacts.Snapshot(tasks, records)
	if err != nil {
		return nil, errors.Wrap(err, "taking artifact snapshot")
	}

	run, err := s.runs.StartRun(req.Targets, names)
	if err != nil {
		s.logger.Errorf("Failed to persist run: %v", err)
	}
	s.logger.Infof("Run %s started for %v (%d tasks)", run.ID, req.Targets, len(names))

	r := &runState{
		Scheduler: s,
		ctx:       ctx,
		run:       run,
		snap:      snap,
		records:   records,
		force:     graph.NewSet(req.Force...),
		results:   make(map[string]models.TaskResult, len(names)),
	}

	pool := NewWorkerPool(s.logger)
	pool.Start(s.workers)
	defer pool.Stop()

	for batch := range s.graph.TopologicalBatches(closure) {
		r.executeBatch(pool, batch)
	}

	status := models.SucceededRunStatus
	switch {
	case ctx.Err() != nil:
		status = models.CanceledRunStatus
	case len(run.Failed()) > 0:
		status = models.FailedRunStatus
	}
	if err := s.runs.FinishRun(run, status); err != nil {
		s.logger.Errorf("Failed to persist run %s: %v", run.ID, err)
	}
	s.logger.Infof("Run %s finished with status %s in %s", run.ID, run.Status, run.Duration().Round(time.Millisecond))
	return run, nil
}

// runState is the bookkeeping of a single Run call.
type runState struct {
	*Scheduler
	ctx     context.Context
	run     *models.Run
	snap    *artifact.Snapshot
	records map[string]*models.TaskRecord
	force   graph.Set
	results map[string]models.TaskResult
}

func (r *runState) executeBatch(pool *WorkerPool, batch []string) {
	var invs []Invocation
	reasons := make(map[string]string)
	for _, name := range batch {
		task, _ := r.graph.Task(name)
		res, run := r.decide(task)
		if !run {
			r.finish(res)
			continue
		}
		r.logger.Infof("Starting task %s (%s)", name, res.Reason)
		reasons[name] = res.Reason
		invs = append(invs, Invocation{Task: task, Inputs: r.snap.InputPaths(name)})
	}
	if len(invs) == 0 {
		return
	}

	for i, out := range pool.ExecuteBatch(r.ctx, invs) {
		r.finish(r.complete(invs[i], out, reasons[out.Task]))
	}
}

// decide returns the final result of a task that must not be invoked, or
// false with the reason to invoke it.
func (r *runState) decide(task *models.Task) (models.TaskResult, bool) {
	res := models.TaskResult{Task: task.Name}
	if err := r.ctx.Err(); err != nil {
		res.Status = models.CanceledTaskStatus
		res.Err = &TaskError{Task: task.Name, Kind: err}
		return res, false
	}
	for _, dep := range r.graph.Dependencies(task.Name) {
		depRes := r.results[dep]
		if depRes.Status == models.FailedTaskStatus || depRes.Status == models.CanceledTaskStatus {
			res.Status = models.FailedTaskStatus
			res.Err = &TaskError{Task: task.Name, Kind: ErrDependencyFailed, Err: errors.Errorf("%s did not succeed", dep)}
			return res, false
		}
	}

	run, reason := r.reason(task)
	res.Reason = reason
	if !run {
		res.Status = models.SkippedTaskStatus
		return res, false
	}
	return res, true
}

func (r *runState) reason(task *models.Task) (bool, string) {
	if r.force.Has(task.Name) {
		return true, "forced"
	}
	for _, dep := range r.graph.Dependencies(task.Name) {
		if depRes := r.results[dep]; depRes.Invoked && depRes.Status == models.SucceededTaskStatus {
			return true, fmt.Sprintf("dependency %s was rebuilt", dep)
		}
	}
	return r.checker.IsStale(task, r.snap, r.records[task.Name])
}

func (r *runState) complete(inv Invocation, out Outcome, reason string) models.TaskResult {
	task := inv.Task
	res := models.TaskResult{Task: task.Name, Reason: reason}

	switch {
	case !out.Started:
		res.Status = models.CanceledTaskStatus
		res.Err = &TaskError{Task: task.Name, Kind: out.Err}
		return res
	case out.Err != nil:
		res.Status = models.FailedTaskStatus
		if r.ctx.Err() != nil {
			res.Status = models.CanceledTaskStatus
		}
		res.Err = &TaskError{Task: task.Name, Kind: ErrTransformFailure, Err: out.Err}
	default:
		res.Status = models.SucceededTaskStatus
		res.Outputs = normalizeAll(out.Result.Produced)
	}
	res.Invoked = true
	res.StartedAt = &out.StartedAt
	res.FinishedAt = &out.FinishedAt

	if res.Status == models.SucceededTaskStatus {
		rec := models.TaskRecord{
			Task:        task.Name,
			Fingerprint: staleness.Fingerprint(task, inv.Inputs),
			Outputs:     res.Outputs,
			SucceededAt: out.FinishedAt,
		}
		if err := r.runs.RecordSuccess(rec); err != nil {
			r.logger.Errorf("Failed to record success of task %s: %v", task.Name, err)
		}
	}
	return res
}

func (r *runState) finish(res models.TaskResult) {
	var te *TaskError
	if errors.As(res.Err, &te) {
		res.ErrorMsg = te.Detail()
	}
	r.results[res.Task] = res
	r.run.Results = append(r.run.Results, res)

	switch res.Status {
	case models.FailedTaskStatus:
		r.logger.Errorf("Task %s failed: %s", res.Task, res.ErrorMsg)
	case models.CanceledTaskStatus:
		r.logger.Warnf("Task %s canceled: %s", res.Task, res.ErrorMsg)
	case models.SkippedTaskStatus:
		r.logger.Infof("Task %s skipped: %s", res.Task, res.Reason)
	default:
		r.logger.Infof("Task %s succeeded in %s", res.Task, res.Duration().Round(time.Millisecond))
	}

	// A task that did not finish may be left stale by a dependency that did,
	// so its last success must not count on the next run.
	if res.Status == models.FailedTaskStatus || res.Status == models.CanceledTaskStatus {
		if err := r.runs.InvalidateRecord(res.Task); err != nil {
			r.logger.Errorf("Failed to invalidate record of task %s: %v", res.Task, err)
		}
	}

	if err := r.runs.SaveResult(r.run.ID, res); err != nil {
		r.logger.Errorf("Failed to persist result of task %s: %v", res.Task, err)
	}
}

func normalizeAll(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = artifact.Normalize(p)
	}
	return out
}
