// Package staleness decides whether a task's outputs are current relative to
// its inputs. Every decision reads a run-start snapshot, so it is stable for
// the whole run.
//
// Policy: a task is stale when it has never succeeded, when its definition or
// resolved input set changed since it last succeeded, when any of its outputs
// is missing, or when an input is strictly newer than the newest output.
// Equal timestamps count as current.
package staleness

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/ignatij/gobuild/pkg/artifact"
	"github.com/ignatij/gobuild/pkg/models"
)

// Checker applies the staleness policy.
type Checker struct{}

func NewChecker() *Checker { return &Checker{} }

// IsStale reports whether task must run, with a human readable reason.
func (c *Checker) IsStale(task *models.Task, snap *artifact.Snapshot, rec *models.TaskRecord) (bool, string) {
	if rec == nil {
		return true, "never run"
	}
	if fp := Fingerprint(task, snap.InputPaths(task.Name)); fp != rec.Fingerprint {
		return true, "task definition or input set changed"
	}

	var newest time.Time
	for _, p := range artifact.OutputPaths(task, rec) {
		a, ok := snap.Artifact(p)
		if !ok || !a.Exists {
			return true, fmt.Sprintf("output %s is missing", p)
		}
		if a.ModTime.After(newest) {
			newest = a.ModTime
		}
	}

	for _, in := range snap.Inputs(task.Name) {
		if in.ModTime.After(newest) {
			return true, fmt.Sprintf("input %s is newer than outputs", in.Path)
		}
	}
	return false, "up to date"
}

// Fingerprint identifies a task definition together with the set of files it
// consumed. It ignores modification times; those are compared separately.
func Fingerprint(task *models.Task, inputs []string) string {
	h := sha256.New()
	field := func(s string) {
		fmt.Fprintf(h, "%d:%s;", len(s), s)
	}
	list := func(items []string) {
		sorted := append([]string(nil), items...)
		sort.Strings(sorted)
		field(fmt.Sprint(len(sorted)))
		for _, s := range sorted {
			field(s)
		}
	}

	field(task.Name)
	field(task.TransformName)
	field(artifact.Normalize(task.Output))
	list(task.Deps)
	list(task.Inputs)
	list(inputs)
	return hex.EncodeToString(h.Sum(nil))
}
