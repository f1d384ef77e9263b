package testutil

import (
	"path"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// BaseTime is a fixed, whole-second timestamp tests build modification times from.
var BaseTime = time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)

// NewFs returns a filesystem rooted in a fresh temporary directory.
func NewFs(t *testing.T) afero.Fs {
	t.Helper()
	return afero.NewBasePathFs(afero.NewOsFs(), t.TempDir())
}

// WriteFile writes content to p, creating parent directories, and sets its
// modification time to mtime.
func WriteFile(t *testing.T, fs afero.Fs, p, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(path.Dir(p), 0o755))
	require.NoError(t, afero.WriteFile(fs, p, []byte(content), 0o644))
	Touch(t, fs, p, mtime)
}

// Touch sets the modification time of p.
func Touch(t *testing.T, fs afero.Fs, p string, mtime time.Time) {
	t.Helper()
	require.NoError(t, fs.Chtimes(p, mtime, mtime))
}
