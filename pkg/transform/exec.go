package transform

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	// InputsPlaceholder, used as a whole argument, expands to every input path.
	InputsPlaceholder = "{inputs}"
	// OutputPlaceholder is replaced by the output path wherever it appears.
	OutputPlaceholder = "{output}"

	maxErrorOutput = 2048
)

// Exec runs an external program as a transform. The program is started in
// the current working directory, which is expected to be the project root.
type Exec struct {
	Command []string
	Env     map[string]string
	Stdout  io.Writer // optional mirror of the program's output
	Stderr  io.Writer
}

func (e *Exec) Execute(ctx context.Context, inputs []string, outputDir string) (Result, error) {
	args := expandArgs(e.Command, inputs, outputDir)
	if len(args) == 0 {
		return Result{}, errors.New("empty command")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = append(os.Environ(),
		"GOBUILD_OUTPUT="+outputDir,
		"GOBUILD_INPUTS="+strings.Join(inputs, string(os.PathListSeparator)),
	)
	keys := make([]string, 0, len(e.Env))
	for k := range e.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+e.Env[k])
	}

	var captured bytes.Buffer
	cmd.Stdout = mirror(&captured, e.Stdout)
	cmd.Stderr = mirror(&captured, e.Stderr)

	// coarse filesystems store whole seconds
	start := time.Now().Truncate(time.Second)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, errors.Wrapf(ctx.Err(), "%s interrupted", args[0])
		}
		return Result{}, errors.Wrapf(err, "%s failed: %s", args[0], tail(captured.Bytes()))
	}

	produced, err := modifiedSince(outputDir, start)
	if err != nil {
		return Result{}, errors.Wrapf(err, "listing outputs of %s", args[0])
	}
	return Result{Produced: produced}, nil
}

func expandArgs(command, inputs []string, outputDir string) []string {
	args := make([]string, 0, len(command)+len(inputs))
	for _, arg := range command {
		if arg == InputsPlaceholder {
			args = append(args, inputs...)
			continue
		}
		args = append(args, strings.ReplaceAll(arg, OutputPlaceholder, outputDir))
	}
	return args
}

func mirror(buf *bytes.Buffer, w io.Writer) io.Writer {
	if w == nil {
		return buf
	}
	return io.MultiWriter(buf, w)
}

func tail(out []byte) string {
	out = bytes.TrimSpace(out)
	if len(out) > maxErrorOutput {
		out = out[len(out)-maxErrorOutput:]
	}
	return string(out)
}

// modifiedSince lists the regular files under root written at or after since.
func modifiedSince(root string, since time.Time) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.ModTime().Before(since) {
			files = append(files, filepath.ToSlash(p))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
