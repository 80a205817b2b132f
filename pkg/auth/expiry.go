package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/d-kuro/tokenkeeper/pkg/types"
)

// ExpiryClaim is the expiry instant carried inside an access token.
type ExpiryClaim struct {
	ExpiresAt time.Time
}

// Until returns the time left before the claim expires, relative to now.
func (c ExpiryClaim) Until(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

var unverifiedParser = jwt.NewParser()

// DecodeExpiry reads the exp claim from the token payload without checking
// the signature. The result is a scheduling hint only and must never be used
// to decide whether a request is authorized; the server owns that decision.
// Malformed tokens and tokens without exp return an error wrapping
// types.ErrDecodeFailure.
func DecodeExpiry(accessToken string) (ExpiryClaim, error) {
	if accessToken == "" {
		return ExpiryClaim{}, fmt.Errorf("empty access token: %w", types.ErrDecodeFailure)
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := unverifiedParser.ParseUnverified(accessToken, claims); err != nil {
		return ExpiryClaim{}, fmt.Errorf("%w: %w", types.ErrDecodeFailure, err)
	}
	if claims.ExpiresAt == nil {
		return ExpiryClaim{}, fmt.Errorf("token has no exp claim: %w", types.ErrDecodeFailure)
	}

	return ExpiryClaim{ExpiresAt: claims.ExpiresAt.Time}, nil
}
