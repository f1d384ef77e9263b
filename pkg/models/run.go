package models

import (
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

type RunStatus string

const (
	RunningRunStatus   RunStatus = "RUNNING"
	SucceededRunStatus RunStatus = "SUCCEEDED"
	FailedRunStatus    RunStatus = "FAILED"
	CanceledRunStatus  RunStatus = "CANCELED"
)

// Run is one pass of the scheduler over a requested set of tasks and their dependencies.
type Run struct {
	ID         string       `json:"id" db:"id"`                             // UUID
	Targets    []string     `json:"targets" db:"-"`                         // Requested task names
	Tasks      []string     `json:"tasks" db:"-"`                           // Targets plus transitive dependencies
	Status     RunStatus    `json:"status" db:"status"`                     // RUNNING, SUCCEEDED, FAILED, CANCELED
	StartedAt  time.Time    `json:"started_at" db:"started_at"`             // Creation timestamp
	FinishedAt *time.Time   `json:"finished_at,omitempty" db:"finished_at"` // Nullable end time
	Results    []TaskResult `json:"results,omitempty" db:"-"`               // In execution order
}

// Result returns the result recorded for the named task.
func (r *Run) Result(task string) (TaskResult, bool) {
	for _, res := range r.Results {
		if res.Task == task {
			return res, true
		}
	}
	return TaskResult{}, false
}

// Failed returns the sorted names of the tasks that failed.
func (r *Run) Failed() []string {
	var names []string
	for _, res := range r.Results {
		if res.Status == FailedTaskStatus {
			names = append(names, res.Task)
		}
	}
	sort.Strings(names)
	return names
}

// Invoked returns the names of the tasks whose transform was called, in execution order.
func (r *Run) Invoked() []string {
	var names []string
	for _, res := range r.Results {
		if res.Invoked {
			names = append(names, res.Task)
		}
	}
	return names
}

// Err combines every task error of the run, ordered by task name. It is nil
// for a successful run.
func (r *Run) Err() error {
	results := make([]TaskResult, len(r.Results))
	copy(results, r.Results)
	sort.Slice(results, func(i, j int) bool { return results[i].Task < results[j].Task })

	var err error
	for _, res := range results {
		switch {
		case res.Err != nil:
			err = multierr.Append(err, res.Err)
		case res.ErrorMsg != "":
			// loaded from a store; only the text survives
			err = multierr.Append(err, errors.Errorf("task %s: %s", res.Task, res.ErrorMsg))
		}
	}
	return err
}

// Duration reports the wall time of the run, zero while it is still running.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
