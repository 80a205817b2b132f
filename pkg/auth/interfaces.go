// Package auth implements the token-lifecycle coordinator: the credential
// store, expiry inspection, proactive refresh scheduling, single-flight
// renewal and the authenticating request gateway.
package auth

import (
	"context"

	"github.com/d-kuro/tokenkeeper/pkg/types"
)

// Authenticatable is the authentication surface exposed to callers.
type Authenticatable interface {
	// IsAuthenticated reports whether a credential pair is stored.
	IsAuthenticated() bool

	// GetAuthStatus returns the current authentication status with detailed information.
	GetAuthStatus() (*AuthStatus, error)

	// ClearAuthentication removes stored credentials, cancelling any
	// scheduled renewal and rejecting queued callers.
	ClearAuthentication() error
}

// CredentialSource hands out the current credential and renews it on demand.
// The gateway and the stream reconnector depend on this.
type CredentialSource interface {
	// Current returns the stored pair, if any.
	Current() (CredentialPair, bool)

	// EnsureFresh joins the in-flight renewal or starts one, and returns its
	// outcome. Failures wrap types.ErrAuthenticationFailed.
	EnsureFresh(ctx context.Context) (CredentialPair, error)
}

// Refresher exchanges a refresh token for a new pair at the credential endpoint.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (CredentialPair, error)
}

// Rescheduler re-arms proactive renewal after a pair is replaced.
type Rescheduler interface {
	ScheduleFor(pair CredentialPair)
}

// SessionProvider performs the credential endpoint calls that establish or
// end a session.
type SessionProvider interface {
	Refresher
	Login(ctx context.Context, req types.LoginRequest) (*types.LoginResponse, error)
	Register(ctx context.Context, req types.RegisterRequest) (*types.LoginResponse, error)
	Logout(ctx context.Context, refreshToken string) error
}
