// Package artifact reads file metadata for the build: glob resolution,
// existence and modification times, and the per-run snapshot staleness
// decisions are made from.
package artifact

import (
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/ignatij/gobuild/pkg/models"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// ErrInvalidPattern is returned for globs that cannot be resolved.
var ErrInvalidPattern = errors.New("invalid glob pattern")

// Store resolves globs and stats files on an afero filesystem whose root is
// the project root. It holds no state between calls.
type Store struct {
	fs   afero.Fs
	iofs fs.FS
}

func NewStore(fsys afero.Fs) *Store {
	return &Store{fs: fsys, iofs: afero.NewIOFS(fsys)}
}

// Fs returns the underlying filesystem.
func (s *Store) Fs() afero.Fs { return s.fs }

// Normalize turns a user supplied path or pattern into the slash separated,
// root relative form used everywhere else.
func Normalize(p string) string {
	p = path.Clean(strings.ReplaceAll(p, "\\", "/"))
	return strings.TrimPrefix(p, "./")
}

// ValidatePattern reports whether pattern can be resolved by the store.
func ValidatePattern(pattern string) error {
	p := Normalize(pattern)
	if path.IsAbs(p) || p == ".." || strings.HasPrefix(p, "../") {
		return errors.Wrapf(ErrInvalidPattern, "%q must be relative to the project root", pattern)
	}
	if !doublestar.ValidatePattern(p) {
		return errors.Wrapf(ErrInvalidPattern, "%q", pattern)
	}
	return nil
}

// Resolve expands patterns into the sorted, de-duplicated list of matching files.
func (s *Store) Resolve(patterns []string) ([]string, error) {
	seen := make(map[string]struct{})
	var files []string
	for _, pattern := range patterns {
		if err := ValidatePattern(pattern); err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(s.iofs, Normalize(pattern), doublestar.WithFilesOnly())
		if err != nil {
			return nil, errors.Wrapf(err, "resolving %q", pattern)
		}
		for _, m := range matches {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			files = append(files, m)
		}
	}
	sort.Strings(files)
	return files, nil
}

// Stat reads the current metadata of p. A missing file is not an error.
func (s *Store) Stat(p string) (models.Artifact, error) {
	p = Normalize(p)
	info, err := s.fs.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.Artifact{Path: p}, nil
		}
		return models.Artifact{}, errors.Wrapf(err, "stat %s", p)
	}
	return models.Artifact{Path: p, ModTime: info.ModTime(), Exists: true}, nil
}

// Snapshot is the immutable view of every input and output of a run, taken
// when the run starts.
type Snapshot struct {
	TakenAt   time.Time
	inputs    map[string][]models.Artifact
	artifacts map[string]models.Artifact
}

// Inputs returns the resolved inputs of the named task.
func (sn *Snapshot) Inputs(task string) []models.Artifact {
	return sn.inputs[task]
}

// InputPaths returns the resolved input paths of the named task.
func (sn *Snapshot) InputPaths(task string) []string {
	in := sn.inputs[task]
	paths := make([]string, len(in))
	for i, a := range in {
		paths[i] = a.Path
	}
	return paths
}

// Artifact returns the metadata captured for p.
func (sn *Snapshot) Artifact(p string) (models.Artifact, bool) {
	a, ok := sn.artifacts[Normalize(p)]
	return a, ok
}

// Snapshot resolves the inputs of tasks and stats them together with their
// outputs: the recorded outputs when a record exists, the output path otherwise.
func (s *Store) Snapshot(tasks []*models.Task, records map[string]*models.TaskRecord) (*Snapshot, error) {
	sn := &Snapshot{
		TakenAt:   time.Now(),
		inputs:    make(map[string][]models.Artifact, len(tasks)),
		artifacts: make(map[string]models.Artifact),
	}
	stat := func(p string) (models.Artifact, error) {
		p = Normalize(p)
		if a, ok := sn.artifacts[p]; ok {
			return a, nil
		}
		a, err := s.Stat(p)
		if err != nil {
			return models.Artifact{}, err
		}
		sn.artifacts[p] = a
		return a, nil
	}

	for _, task := range tasks {
		files, err := s.Resolve(task.Inputs)
		if err != nil {
			return nil, errors.Wrapf(err, "task %s", task.Name)
		}
		inputs := make([]models.Artifact, 0, len(files))
		for _, f := range files {
			a, err := stat(f)
			if err != nil {
				return nil, err
			}
			inputs = append(inputs, a)
		}
		sn.inputs[task.Name] = inputs

		for _, out := range OutputPaths(task, records[task.Name]) {
			if _, err := stat(out); err != nil {
				return nil, err
			}
		}
	}
	return sn, nil
}

// OutputPaths lists the artifacts that stand for a task's outputs: what the
// last successful run produced, or the declared output path.
func OutputPaths(task *models.Task, rec *models.TaskRecord) []string {
	if rec != nil && len(rec.Outputs) > 0 {
		return rec.Outputs
	}
	return []string{task.Output}
}
