package auth

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"

	"github.com/d-kuro/tokenkeeper/pkg/types"
)

// AuthStatus represents the current authentication status.
type AuthStatus struct {
	Authenticated    bool          `json:"authenticated"`
	ExpiresAt        time.Time     `json:"expiresAt,omitempty"`
	ExpiresIn        time.Duration `json:"expiresIn,omitempty"`
	IsExpired        bool          `json:"isExpired,omitempty"`
	HasRefreshToken  bool          `json:"hasRefreshToken,omitempty"`
	RenewalScheduled bool          `json:"renewalScheduled,omitempty"`
	RenewalInFlight  bool          `json:"renewalInFlight,omitempty"`
	Refreshes        int64         `json:"refreshes,omitempty"`
	StoragePath      string        `json:"storagePath,omitempty"`
	Error            string        `json:"error,omitempty"`
}

// tokenSource adapts a CredentialSource to oauth2.TokenSource so that
// oauth2-aware clients can share the coordinated credential.
type tokenSource struct {
	ctx         context.Context
	credentials CredentialSource
	clock       clockwork.Clock
}

// NewTokenSource returns an oauth2.TokenSource over credentials. Tokens carry
// the decoded expiry when the access token has one. An expired token is
// renewed through the single-flight path before it is returned.
func NewTokenSource(ctx context.Context, credentials CredentialSource, clock clockwork.Clock) oauth2.TokenSource {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &tokenSource{ctx: ctx, credentials: credentials, clock: clock}
}

// Token implements oauth2.TokenSource.
func (ts *tokenSource) Token() (*oauth2.Token, error) {
	pair, ok := ts.credentials.Current()
	if !ok {
		return nil, &AuthError{
			Op:      "token_source",
			Message: "no token stored - authentication required",
			Err:     types.ErrNoCredential,
		}
	}

	token := withExpiry(pair)
	if !token.Expiry.IsZero() && !token.Expiry.After(ts.clock.Now()) {
		fresh, err := ts.credentials.EnsureFresh(ts.ctx)
		if err != nil {
			return nil, err
		}
		token = withExpiry(fresh)
	}
	return token, nil
}

func withExpiry(pair CredentialPair) *oauth2.Token {
	token := pair.Token()
	if claim, err := DecodeExpiry(pair.AccessToken); err == nil {
		token.Expiry = claim.ExpiresAt
	}
	return token
}
