package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	w := zip.NewWriter(f)
	for name, body := range entries {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
}

func TestZipExpand(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.zip")
	writeZip(t, src, map[string]string{
		"a.txt":     "alpha",
		"sub/b.txt": "bravo",
	})
	dest := filepath.Join(dir, "out")

	exp, err := Selector{}.ForFile(src)
	require.NoError(t, err)
	require.IsType(t, Zip{}, exp)
	require.NoError(t, exp.Validate(context.Background(), src))

	m := NewMonitor()
	require.NoError(t, exp.Expand(context.Background(), src, dest, m))
	require.Equal(t, 100, m.Percent())
	require.Contains(t, []string{"a.txt", "sub/b.txt"}, m.CurrentFile())

	b, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "alpha", string(b))
	b, err = os.ReadFile(filepath.Join(dest, "sub", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "bravo", string(b))
}

func TestZipRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "evil.zip")
	writeZip(t, src, map[string]string{"../escape.txt": "x"})

	err := Zip{}.Validate(context.Background(), src)
	require.ErrorIs(t, err, ErrInvalidArchive)

	err = Zip{}.Expand(context.Background(), src, filepath.Join(dir, "out"), NewMonitor())
	require.ErrorIs(t, err, ErrInvalidArchive)
	require.NoFileExists(t, filepath.Join(dir, "escape.txt"))
}

func TestZipValidateGarbage(t *testing.T) {
	src := filepath.Join(t.TempDir(), "bad.zip")
	require.NoError(t, os.WriteFile(src, []byte("not a zip"), 0o644))
	require.ErrorIs(t, Zip{}.Validate(context.Background(), src), ErrInvalidArchive)
}

func TestForFileSniffsZip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "download")
	writeZip(t, src, map[string]string{"a.txt": "a"})
	exp, err := Selector{}.ForFile(src)
	require.NoError(t, err)
	require.IsType(t, Zip{}, exp)

	plain := filepath.Join(dir, "plain.bin")
	require.NoError(t, os.WriteFile(plain, []byte("hello"), 0o644))
	_, err = Selector{}.ForFile(plain)
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestSelectorConfiguresCommand(t *testing.T) {
	exp, err := Selector{Command: "unar", Password: "pw"}.ForFile("/data/a.rar")
	require.NoError(t, err)
	cmd, ok := exp.(*Command)
	require.True(t, ok)
	require.Equal(t, "unar", cmd.tool())
	require.Equal(t, "pw", cmd.Password)
}

func TestMonitorPercent(t *testing.T) {
	m := NewMonitor()
	require.Equal(t, 0, m.Percent())
	m.SetTotal(200)
	m.Add(50)
	require.Equal(t, 25, m.Percent())
	m.Add(500)
	require.Equal(t, 100, m.Percent())

	empty := NewMonitor()
	empty.Finish()
	require.Equal(t, 100, empty.Percent())
}
