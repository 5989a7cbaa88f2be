package common

import (
	"errors"
	"fmt"
)

// ErrSessionExpired is returned when the stored credentials can no longer be
// used: the refresh was rejected, no refresh token was stored at a 401, or the
// retried request was rejected again. Callers should send the user to login.
var ErrSessionExpired = errors.New("session expired")

// ErrInvalidToken is returned when the stored access token cannot be decoded.
// It is treated exactly like an expired session.
var ErrInvalidToken = fmt.Errorf("invalid access token: %w", ErrSessionExpired)

// maxErrorBodyLen caps the non-JSON error body kept on a RequestError.
const maxErrorBodyLen = 1000

// RequestError captures a non-2xx response that was not handled as an
// authentication failure.
type RequestError struct {
	StatusCode  int
	ContentType string
	// Body is the decoded JSON value when the response was JSON, otherwise the
	// response text truncated to 1000 bytes.
	Body interface{}
	// Detail is the backend's "detail" message, if it sent one.
	Detail string
	Raw    []byte
}

func (e *RequestError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("unexpected status code: %d, detail: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, string(TruncateBody(e.Raw)))
}

// NetworkError means no response was obtained at all.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// TruncateBody trims raw response text to the length kept on errors.
func TruncateBody(raw []byte) []byte {
	if len(raw) > maxErrorBodyLen {
		return raw[:maxErrorBodyLen]
	}
	return raw
}

// IsSessionExpired reports whether err means the user has to log in again.
func IsSessionExpired(err error) bool {
	return errors.Is(err, ErrSessionExpired)
}
