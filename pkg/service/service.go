// Package service runs builds: the scheduler walks the task graph batch by
// batch on a bounded worker pool, the run service keeps history and
// last-success records, and the controller drives one-shot and watch mode.
package service

import (
	"fmt"

	"github.com/pkg/errors"
)

// Logger defines the logging interface used by the build services.
// *logrus.Logger satisfies it.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

var (
	// ErrTransformFailure marks a task whose transform returned an error or panicked.
	ErrTransformFailure = errors.New("transform failed")
	// ErrDependencyFailed marks a task that was not run because a dependency did not succeed.
	ErrDependencyFailed = errors.New("dependency failed")
)

// TaskError is the error recorded for a task that did not succeed. It
// matches its Kind and its cause with errors.Is.
type TaskError struct {
	Task string
	Kind error
	Err  error // optional cause
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s: %s", e.Task, e.Detail())
}

// Detail is the error text without the task name.
func (e *TaskError) Detail() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *TaskError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
