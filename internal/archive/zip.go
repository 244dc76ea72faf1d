package archive

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
)

// Zip expands .zip archives in process.
type Zip struct{}

func (Zip) Validate(ctx context.Context, path string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return errors.Wrapf(ErrInvalidArchive, "%s: %v", filepath.Base(path), err)
	}
	defer r.Close()
	for _, f := range r.File {
		if _, err := entryPath("/", f.Name); err != nil {
			return err
		}
	}
	return nil
}

func (Zip) Expand(ctx context.Context, path, dest string, m *Monitor) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return errors.Wrapf(ErrInvalidArchive, "%s: %v", filepath.Base(path), err)
	}
	defer r.Close()

	var total int64
	for _, f := range r.File {
		total += int64(f.UncompressedSize64)
	}
	m.SetTotal(total)

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		target, err := entryPath(dest, f.Name)
		if err != nil {
			return err
		}
		m.SetFile(f.Name)
		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return errors.Wrapf(err, "create %s", target)
			}
			continue
		case mode&os.ModeSymlink != 0:
			continue
		}
		if err := extractFile(f, target, m); err != nil {
			return err
		}
	}
	m.Finish()
	return nil
}

func extractFile(f *zip.File, target string, m *Monitor) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Wrapf(err, "create %s", filepath.Dir(target))
	}
	rc, err := f.Open()
	if err != nil {
		return errors.Wrapf(err, "open entry %s", f.Name)
	}
	defer rc.Close()

	perm := f.Mode().Perm() | 0o600
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return errors.Wrapf(err, "create %s", target)
	}
	defer out.Close()

	if _, err := io.Copy(out, &countingReader{r: rc, m: m}); err != nil {
		return errors.Wrapf(err, "extract %s", f.Name)
	}
	return errors.Wrapf(out.Close(), "close %s", target)
}

// entryPath joins name onto dest and rejects entries that would land
// outside dest.
func entryPath(dest, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return "", errors.Wrapf(ErrInvalidArchive, "illegal entry %q", name)
	}
	clean := filepath.Clean(filepath.FromSlash(strings.ReplaceAll(name, "\\", "/")))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.Wrapf(ErrInvalidArchive, "illegal entry %q", name)
	}
	return filepath.Join(dest, clean), nil
}

type countingReader struct {
	r io.Reader
	m *Monitor
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.m.Add(int64(n))
	}
	return n, err
}
