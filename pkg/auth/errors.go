package auth

import (
	"fmt"

	"github.com/d-kuro/tokenkeeper/pkg/types"
)

// AuthError represents an authentication error.
type AuthError struct {
	Op      string // The operation that failed
	Message string // Human-readable error message
	Err     error  // Underlying error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("auth %s: %s", e.Op, e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// renewalFailed wraps cause so that it matches both ErrAuthenticationFailed
// and the cause itself.
func renewalFailed(message string, cause error) error {
	if cause == nil {
		return &AuthError{Op: "renew", Message: message, Err: types.ErrAuthenticationFailed}
	}
	return &AuthError{
		Op:      "renew",
		Message: message,
		Err:     fmt.Errorf("%w: %w", types.ErrAuthenticationFailed, cause),
	}
}
