package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

const errLoggerKey = "err"

var (
	// ErrAuth reports a missing or rejected credential.
	ErrAuth = errors.New("api key is missing or invalid")
	// ErrAborted is yielded when the caller cancels a generation. It is not a failure.
	ErrAborted = errors.New("aborted")
	// ErrNotFound is returned by history stores for unknown session ids.
	ErrNotFound = errors.New("not found")
)

// ProviderError is a non-2xx or malformed response from a backend.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("backend error: %s", e.Body)
	}
	return fmt.Sprintf("backend error (%d): %s", e.StatusCode, e.Body)
}

// Is lets errors.Is(err, ErrAuth) match a 401 from any backend.
func (e *ProviderError) Is(target error) bool {
	return target == ErrAuth && e.StatusCode == http.StatusUnauthorized
}

// ConnectionError is a transport failure reaching a backend.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to backend: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// transportError classifies an error returned by an HTTP round trip. Failures caused by the caller's
// cancellation become ErrAborted.
func transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return ErrAborted
	}
	return &ConnectionError{Err: err}
}
