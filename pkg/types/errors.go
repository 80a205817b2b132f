package types

import (
	"errors"
	"fmt"
	"net/http"
)

// Error taxonomy. Every failure surfaced by the library wraps one of these.
var (
	// ErrNetworkFailure is a transport-level failure: no response was received.
	ErrNetworkFailure = errors.New("network failure")

	// ErrUnauthorized is a 401 response: the server rejected the credential.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAuthenticationFailed means renewal itself failed. The credential has
	// been cleared and the user must log in again.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrDecodeFailure means the access token payload could not be decoded.
	ErrDecodeFailure = errors.New("credential payload decode failure")

	// ErrStreamTerminated means a stream ended for good: retries were
	// exhausted or the server sent a terminal error event.
	ErrStreamTerminated = errors.New("stream terminated")

	// ErrNoCredential means no credential pair is stored.
	ErrNoCredential = errors.New("no credential stored")
)

// HTTPError is a non-2xx response from any endpoint.
type HTTPError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("HTTP error: %s: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("HTTP error: %s", e.Status)
}

// Is lets errors.Is(err, ErrUnauthorized) match 401 responses.
func (e *HTTPError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}
