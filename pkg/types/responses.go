package types

import "time"

// TokenPair is the credential pair as issued by the credential endpoint.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// User is the account the credential belongs to.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	Role      string    `json:"role,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// LoginResponse is returned by both login and register.
type LoginResponse struct {
	User   *User     `json:"user"`
	Tokens TokenPair `json:"tokens"`
}

// RefreshResponse is returned by POST /auth/refresh.
type RefreshResponse struct {
	Tokens TokenPair `json:"tokens"`
}

// CurrentUserResponse is returned by GET /auth/me. Some deployments answer
// with the bare user object instead; both shapes are accepted.
type CurrentUserResponse struct {
	User *User `json:"user"`
}
