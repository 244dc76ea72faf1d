package getter

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const verifyChunkSize = 16 * 1024

// Verifier is the verify stage: it digests the cached file and compares it
// with the job's expected digest.
type Verifier struct{}

func NewVerifier() *Verifier {
	return &Verifier{}
}

func (v *Verifier) Start(job *Job, filename string, onProgress ProgressFunc, onResult ResultFunc) bool {
	source := filepath.Join(job.CacheDir, filename)
	info, err := os.Stat(source)
	if err != nil || !info.Mode().IsRegular() {
		slog.Info("verify refused, file does not exist", "job_id", job.ID, "file", source)
		return false
	}
	go v.run(job, source, info.Size(), onProgress, onResult)
	return true
}

func (v *Verifier) run(job *Job, source string, size int64, onProgress ProgressFunc, onResult ResultFunc) {
	algo, h, ok := digestFor(job.ExpectedDigest)
	if !ok {
		onResult(false, "Unsupported digest")
		return
	}
	actual, err := digestFile(source, size, h, onProgress)
	if err != nil {
		slog.Warn("verify failed", "job_id", job.ID, "file", source, "error", err)
		onResult(false, err.Error())
		return
	}
	expected := strings.ToLower(strings.TrimSpace(job.ExpectedDigest))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(actual)) != 1 {
		slog.Warn("digest mismatch", "job_id", job.ID, "algorithm", algo, "expected", expected, "actual", actual)
		onResult(false, algo+" mismatch")
		return
	}
	slog.Debug("digest verified", "job_id", job.ID, "algorithm", algo)
	onResult(true, "")
}

// digestFor picks the hash by the length of the hex digest.
func digestFor(digest string) (string, hash.Hash, bool) {
	digest = strings.TrimSpace(digest)
	if _, err := hex.DecodeString(digest); err != nil {
		return "", nil, false
	}
	switch len(digest) {
	case 2 * md5.Size:
		return "MD5", md5.New(), true
	case 2 * sha1.Size:
		return "SHA1", sha1.New(), true
	case 2 * sha256.Size:
		return "SHA256", sha256.New(), true
	default:
		return "", nil, false
	}
}

// digestFile reports integer percent progress, only when it increases.
func digestFile(path string, size int64, h hash.Hash, onProgress ProgressFunc) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	buf := make([]byte, verifyChunkSize)
	var read int64
	last := int64(-1)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			read += int64(n)
			if size > 0 {
				if pct := read * 100 / size; pct > last {
					last = pct
					onProgress(pct)
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
	}
	if last < 100 {
		onProgress(100)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
