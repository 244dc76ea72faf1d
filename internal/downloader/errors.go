package downloader

import (
	"errors"
	"io/fs"
	"net/http"
)

// Common errors.
var (
	ErrNotFound       = errors.New("http: resource not found")
	ErrForbidden      = errors.New("http: access forbidden")
	ErrUnauthorized   = errors.New("http: unauthorized")
	ErrServerError    = errors.New("http: server error")
	ErrUnexpected     = errors.New("http: unexpected status")
	ErrTransport      = errors.New("transport error")
	ErrTransferFailed = errors.New("transfer failed")
)

// Failure causes reported alongside a fetch failure message.
const (
	CauseNetwork    = "NETWORK"
	CauseServer     = "SERVER"
	CauseFilesystem = "FILESYSTEM"
	CauseError      = "ERROR"
)

// Cause classifies a transfer error into one of the Cause* labels.
func Cause(err error) string {
	var pathErr *fs.PathError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pathErr):
		return CauseFilesystem
	case errors.Is(err, ErrTransport):
		return CauseNetwork
	case errors.Is(err, ErrServerError),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrUnexpected):
		return CauseServer
	default:
		return CauseError
	}
}

func retryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrServerError)
}

// checkStatusCode returns an appropriate error for non-success status codes.
func checkStatusCode(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code >= 500:
		return ErrServerError
	default:
		return ErrUnexpected
	}
}
