package graph

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrInvalidTask       = errors.New("invalid task")
	ErrDuplicateTask     = errors.New("duplicate task")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrCycleDetected     = errors.New("cycle detected")
	ErrUnknownTask       = errors.New("unknown task")
	ErrNotBuilt          = errors.New("graph not built")
)

// Error is a configuration-time graph failure. Tasks names every task
// involved; for cycles it is the closed cycle path.
type Error struct {
	Kind  error
	Tasks []string
	Msg   string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *Error) Unwrap() error { return e.Kind }

func invalidTaskf(format string, args ...any) error {
	return &Error{Kind: ErrInvalidTask, Msg: fmt.Sprintf(format, args...)}
}

func duplicateTask(name string) error {
	return &Error{Kind: ErrDuplicateTask, Tasks: []string{name}, Msg: fmt.Sprintf("%q is already declared", name)}
}

func unknownDependency(task, dep string) error {
	return &Error{
		Kind:  ErrUnknownDependency,
		Tasks: []string{task, dep},
		Msg:   fmt.Sprintf("%q depends on %q, which is not declared", task, dep),
	}
}

func unknownTask(name string) error {
	return &Error{Kind: ErrUnknownTask, Tasks: []string{name}, Msg: fmt.Sprintf("%q is not declared", name)}
}

func cycleError(path []string) error {
	return &Error{Kind: ErrCycleDetected, Tasks: path, Msg: strings.Join(path, " -> ")}
}
