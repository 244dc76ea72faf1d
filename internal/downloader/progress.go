package downloader

import (
	"io"
	"path/filepath"
)

// Request describes a single file transfer into Dir/Filename.
type Request struct {
	URL      string
	Dir      string
	Filename string
	Headers  map[string]string
}

func (r Request) Path() string {
	return filepath.Join(r.Dir, r.Filename)
}

// ProgressReader wraps a reader and reports the running byte offset after
// every read. The offset starts at the size of any resumed prefix.
type ProgressReader struct {
	reader  io.Reader
	current int64
	report  func(int64)
}

// NewProgressReader constructs a progress tracking reader.
func NewProgressReader(reader io.Reader, offset int64, report func(int64)) *ProgressReader {
	if report == nil {
		report = func(int64) {}
	}
	return &ProgressReader{reader: reader, current: offset, report: report}
}

// Read implements io.Reader and relays progress.
func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.current += int64(n)
		pr.report(pr.current)
	}
	return n, err
}

func (pr *ProgressReader) Current() int64 {
	return pr.current
}
