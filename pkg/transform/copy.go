package transform

import (
	"context"
	"io"
	"os"
	"path"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Copy copies every input below outputDir, keeping its path relative to Base.
// A file is only copied when the destination is missing or older than the
// source; copies keep the source modification time.
type Copy struct {
	Fs   afero.Fs
	Base string // defaults to the deepest directory shared by all inputs
}

func (c *Copy) Execute(ctx context.Context, inputs []string, outputDir string) (Result, error) {
	base := c.Base
	if base == "" {
		base = commonDir(inputs)
	}
	base = path.Clean(base)

	produced := make([]string, 0, len(inputs))
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		dst := path.Join(outputDir, relativeTo(base, in))
		// up-to-date copies still belong to the output set
		if _, err := c.copyIfNewer(in, dst); err != nil {
			return Result{}, errors.Wrapf(err, "copying %s", in)
		}
		produced = append(produced, dst)
	}
	return Result{Produced: produced}, nil
}

func (c *Copy) copyIfNewer(src, dst string) (bool, error) {
	srcInfo, err := c.Fs.Stat(src)
	if err != nil {
		return false, err
	}
	if dstInfo, err := c.Fs.Stat(dst); err == nil && !srcInfo.ModTime().After(dstInfo.ModTime()) {
		return false, nil
	}

	if err := c.Fs.MkdirAll(path.Dir(dst), 0o755); err != nil {
		return false, err
	}
	in, err := c.Fs.Open(src)
	if err != nil {
		return false, err
	}
	defer in.Close()

	out, err := c.Fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, srcInfo.Mode().Perm())
	if err != nil {
		return false, err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return false, err
	}
	if err := out.Close(); err != nil {
		return false, err
	}
	return true, c.Fs.Chtimes(dst, srcInfo.ModTime(), srcInfo.ModTime())
}

func relativeTo(base, p string) string {
	if base == "." || base == "" {
		return p
	}
	if rel, ok := strings.CutPrefix(p, base+"/"); ok {
		return rel
	}
	return path.Base(p)
}

func commonDir(paths []string) string {
	if len(paths) == 0 {
		return "."
	}
	dir := path.Dir(paths[0])
	for _, p := range paths[1:] {
		for dir != "." && dir != "/" && !strings.HasPrefix(p, dir+"/") {
			dir = path.Dir(dir)
		}
	}
	return dir
}
