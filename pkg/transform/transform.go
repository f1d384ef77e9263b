// Package transform defines the contract between the scheduler and the work
// a task performs. Implementations live outside the orchestrator; Exec and
// Copy are generic adapters used by build files.
package transform

import "context"

// Result describes what a transform produced.
type Result struct {
	// Produced lists the artifacts written by the transform, relative to the project root.
	Produced []string
}

// Transform converts a set of input files into derived artifacts under outputDir.
// Implementations must be idempotent and must stop promptly when ctx is done.
type Transform interface {
	Execute(ctx context.Context, inputs []string, outputDir string) (Result, error)
}

// Func adapts an ordinary function to the Transform interface.
type Func func(ctx context.Context, inputs []string, outputDir string) (Result, error)

func (f Func) Execute(ctx context.Context, inputs []string, outputDir string) (Result, error) {
	return f(ctx, inputs, outputDir)
}
