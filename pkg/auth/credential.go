package auth

import (
	"time"

	"golang.org/x/oauth2"
)

// CredentialPair is the access/refresh credential pair. Both tokens are set
// or the pair is absent; a half-populated pair is never stored.
type CredentialPair struct {
	AccessToken  string
	RefreshToken string
	// IssuedAt is when this process received the pair. Pairs loaded from a
	// backend carry the zero time.
	IssuedAt time.Time
}

// Valid reports whether both tokens are present.
func (p CredentialPair) Valid() bool {
	return p.AccessToken != "" && p.RefreshToken != ""
}

// Token converts the pair into the *oauth2.Token shape used by storage
// backends and bearer header helpers.
func (p CredentialPair) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  p.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: p.RefreshToken,
	}
}

// PairFromToken converts a stored token back into a pair.
func PairFromToken(token *oauth2.Token) CredentialPair {
	if token == nil {
		return CredentialPair{}
	}
	return CredentialPair{AccessToken: token.AccessToken, RefreshToken: token.RefreshToken}
}
