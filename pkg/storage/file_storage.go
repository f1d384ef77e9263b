package storage

import (
	"encoding/json"
	"io/fs"
	"path/filepath"

	"github.com/ignatij/gobuild/pkg/models"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// DefaultStateFile is where the CLI keeps its state, relative to the project root.
const DefaultStateFile = ".gobuild/state.json"

// NewFileStore returns a store backed by a JSON document at path. The file
// is read once and rewritten on every commit by writing a temporary file and
// renaming it over the old one. It keeps DefaultRetention runs unless
// WithRetention says otherwise.
func NewFileStore(fsys afero.Fs, path string, opts ...Option) (Store, error) {
	s := newState()
	data, err := afero.ReadFile(fsys, path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, errors.Wrapf(err, "reading state file %s", path)
	default:
		if err := json.Unmarshal(data, s); err != nil {
			return nil, errors.Wrapf(err, "decoding state file %s", path)
		}
		if s.Records == nil {
			s.Records = make(map[string]models.TaskRecord)
		}
	}

	m := newMemoryStore(s, opts)
	s.trim(m.retention)
	m.onCommit = func(next *state) error {
		return writeState(fsys, path, next)
	}
	return m, nil
}

func writeState(fsys afero.Fs, path string, s *state) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding state")
	}
	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", filepath.Dir(path))
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(fsys, tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", tmp)
	}
	if err := fsys.Rename(tmp, path); err != nil {
		_ = fsys.Remove(tmp)
		return errors.Wrapf(err, "replacing %s", path)
	}
	return nil
}
