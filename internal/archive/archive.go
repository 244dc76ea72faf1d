// Package archive validates and expands downloaded archives into a target
// directory, reporting progress through a Monitor.
package archive

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

var (
	ErrInvalidArchive = errors.New("archive: invalid archive")
	ErrUnsupported    = errors.New("archive: unsupported format")
)

var zipMagic = []byte("PK\x03\x04")

type Expander interface {
	Validate(ctx context.Context, path string) error
	Expand(ctx context.Context, path, dest string, m *Monitor) error
}

// Selector chooses an Expander for a file. Command and Password configure
// the external tool used for non-zip formats.
type Selector struct {
	Command  string
	Password string
}

// ForFile picks an expander by extension, falling back to sniffing the zip
// local file header.
func (s Selector) ForFile(path string) (Expander, error) {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(name, ".zip"):
		return Zip{}, nil
	case isArchiveFile(name):
		cmd := NewCommand(s.Command)
		cmd.Password = s.Password
		return cmd, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	head := make([]byte, len(zipMagic))
	if n, _ := f.Read(head); n == len(head) && bytes.Equal(head, zipMagic) {
		return Zip{}, nil
	}
	return nil, errors.Wrapf(ErrUnsupported, "%s", filepath.Base(path))
}

// Monitor tracks expansion progress. It is safe for concurrent use: the
// expander writes, a poller reads.
type Monitor struct {
	total atomic.Int64
	done  atomic.Int64

	mu   sync.Mutex
	file string
}

func NewMonitor() *Monitor {
	return &Monitor{}
}

func (m *Monitor) SetTotal(n int64) { m.total.Store(n) }

func (m *Monitor) Add(n int64) { m.done.Add(n) }

func (m *Monitor) SetFile(name string) {
	m.mu.Lock()
	m.file = name
	m.mu.Unlock()
}

func (m *Monitor) CurrentFile() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.file
}

// Finish marks all work done so Percent reports 100.
func (m *Monitor) Finish() {
	if m.total.Load() <= 0 {
		m.total.Store(1)
	}
	m.done.Store(m.total.Load())
}

func (m *Monitor) Percent() int {
	total := m.total.Load()
	if total <= 0 {
		return 0
	}
	pct := m.done.Load() * 100 / total
	if pct > 100 {
		pct = 100
	}
	return int(pct)
}
