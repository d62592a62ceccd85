package fthttp

import (
	"fmt"
	"net/http"

	"github.com/ghettovoice/sipchat/internal/errorutil"
)

const (
	// ErrAuthFailed is returned when the server rejects the provided credentials
	// or when the credentials are known to be unusable before any request.
	ErrAuthFailed errorutil.Error = "file transfer authentication failed"
	// ErrTransient is returned on network failures and retryable server errors.
	ErrTransient errorutil.Error = "file transfer temporary failure"
	// ErrInvalidResponse is returned when the server response cannot be interpreted.
	ErrInvalidResponse errorutil.Error = "invalid file transfer response"
	// ErrInvalidDocument is returned when a file transfer document cannot be decoded.
	ErrInvalidDocument errorutil.Error = "invalid file transfer document"
)

// StatusError describes an unexpected HTTP response status.
type StatusError struct {
	Code   int
	Method string
	URL    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.Code, http.StatusText(e.Code))
}

func classifyStatus(method, url string, code int) error {
	err := &StatusError{Code: code, Method: method, URL: url}
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusProxyAuthRequired:
		return errorutil.NewWrapperError(ErrAuthFailed, err)
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return errorutil.NewWrapperError(ErrTransient, err)
	default:
		return err
	}
}
