package models

import (
	"time"

	"github.com/ignatij/gobuild/pkg/transform"
)

// Task is a named unit of build work: it feeds the files matched by Inputs
// to its Transform and writes the derived artifacts under Output.
type Task struct {
	Name          string              `json:"name"`                // Unique identifier (e.g., "css")
	Inputs        []string            `json:"inputs"`              // Ordered glob patterns, relative to the project root
	Output        string              `json:"output"`              // Output directory (or file) the transform writes to
	Deps          []string            `json:"deps,omitempty"`      // Names of upstream tasks
	Transform     transform.Transform `json:"-"`                   // The work itself
	TransformName string              `json:"transform,omitempty"` // Kind used in build files (e.g., "exec"); part of the fingerprint
	Timeout       time.Duration       `json:"timeout,omitempty"`   // Zero means no timeout
}

type TaskStatus string

const (
	SucceededTaskStatus TaskStatus = "SUCCEEDED"
	SkippedTaskStatus   TaskStatus = "SKIPPED"
	FailedTaskStatus    TaskStatus = "FAILED"
	CanceledTaskStatus  TaskStatus = "CANCELED"
)

// TaskResult is the outcome of one task inside a Run.
type TaskResult struct {
	Task       string     `json:"task" db:"task"`
	Status     TaskStatus `json:"status" db:"status"`
	Invoked    bool       `json:"invoked" db:"invoked"`                 // Whether the transform was called
	Reason     string     `json:"reason,omitempty" db:"reason"`         // Why it ran or was skipped
	ErrorMsg   string     `json:"error,omitempty" db:"error_msg"`       // Error text for FAILED/CANCELED
	Outputs    []string   `json:"outputs,omitempty" db:"-"`             // Artifacts reported by the transform
	StartedAt  *time.Time `json:"started_at,omitempty" db:"started_at"` // Nullable; set when invoked
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	Err        error      `json:"-" db:"-"`
}

// Duration reports how long the transform ran, zero when it was not invoked.
func (r TaskResult) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// TaskRecord remembers the last successful execution of a task.
type TaskRecord struct {
	Task        string    `json:"task" db:"task"`
	Fingerprint string    `json:"fingerprint" db:"fingerprint"`
	Outputs     []string  `json:"outputs" db:"-"`
	SucceededAt time.Time `json:"succeeded_at" db:"succeeded_at"`
}
