package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/d-kuro/tokenkeeper/pkg/constants"
	"github.com/d-kuro/tokenkeeper/pkg/transport"
	"github.com/d-kuro/tokenkeeper/pkg/types"
)

// EndpointClient calls the credential endpoint: login, register, refresh and
// logout. It never attaches a bearer credential and never retries.
type EndpointClient struct {
	baseURL    string
	userAgent  string
	timeout    time.Duration
	clock      clockwork.Clock
	httpClient *http.Client
}

// NewEndpointClient creates a client for the credential endpoint rooted at
// authURL (for example http://localhost:8000/auth). Renewed pairs are stamped
// with clock, or the wall clock when it is nil.
func NewEndpointClient(authURL string, rt http.RoundTripper, clock clockwork.Clock, timeout time.Duration, userAgent string) *EndpointClient {
	if timeout <= 0 {
		timeout = constants.DefaultRequestTimeout
	}
	if userAgent == "" {
		userAgent = constants.DefaultUserAgent
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &EndpointClient{
		baseURL:    strings.TrimRight(authURL, "/"),
		userAgent:  userAgent,
		timeout:    timeout,
		clock:      clock,
		httpClient: &http.Client{Transport: rt},
	}
}

// Login exchanges email and password for a credential pair.
func (c *EndpointClient) Login(ctx context.Context, req types.LoginRequest) (*types.LoginResponse, error) {
	var resp types.LoginResponse
	if err := c.callAPI(ctx, constants.LoginRoute, req, &resp); err != nil {
		return nil, &AuthError{Op: "login", Message: "login failed", Err: err}
	}
	if err := validateTokenPair(resp.Tokens); err != nil {
		return nil, &AuthError{Op: "login", Message: "login returned an invalid credential", Err: err}
	}
	return &resp, nil
}

// Register creates an account and returns its first credential pair.
func (c *EndpointClient) Register(ctx context.Context, req types.RegisterRequest) (*types.LoginResponse, error) {
	var resp types.LoginResponse
	if err := c.callAPI(ctx, constants.RegisterRoute, req, &resp); err != nil {
		return nil, &AuthError{Op: "register", Message: "registration failed", Err: err}
	}
	if err := validateTokenPair(resp.Tokens); err != nil {
		return nil, &AuthError{Op: "register", Message: "registration returned an invalid credential", Err: err}
	}
	return &resp, nil
}

// Refresh implements Refresher. A response without a refresh token keeps the
// caller's refresh token.
func (c *EndpointClient) Refresh(ctx context.Context, refreshToken string) (CredentialPair, error) {
	var resp types.RefreshResponse
	if err := c.callAPI(ctx, constants.RefreshRoute, types.RefreshRequest{RefreshToken: refreshToken}, &resp); err != nil {
		return CredentialPair{}, &AuthError{Op: "refresh_token", Message: "failed to refresh token", Err: err}
	}

	tokens := resp.Tokens
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	if err := validateTokenPair(tokens); err != nil {
		return CredentialPair{}, &AuthError{Op: "validate_refreshed_token", Message: "refreshed token validation failed", Err: err}
	}

	return CredentialPair{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		IssuedAt:     c.clock.Now(),
	}, nil
}

// Logout revokes refreshToken server-side.
func (c *EndpointClient) Logout(ctx context.Context, refreshToken string) error {
	if err := c.callAPI(ctx, constants.LogoutRoute, types.LogoutRequest{RefreshToken: refreshToken}, nil); err != nil {
		return &AuthError{Op: "logout", Message: "server rejected logout", Err: err}
	}
	return nil
}

// callAPI posts reqData as JSON to route and decodes a 2xx response into out.
func (c *EndpointClient) callAPI(ctx context.Context, route string, reqData, out any) error {
	url := c.baseURL + route

	reqBytes, err := json.Marshal(reqData)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	// Check payload size limit
	if len(reqBytes) > constants.MaxAPIRequestSize {
		return fmt.Errorf("request payload too large: %d bytes (max: %d)", len(reqBytes), constants.MaxAPIRequestSize)
	}

	// Apply timeout to the request
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set(constants.HeaderContentType, constants.ContentTypeJSON)
	req.Header.Set(constants.HeaderAccept, constants.ContentTypeJSON)
	req.Header.Set(constants.HeaderUserAgent, c.userAgent)
	req.Header.Set("Content-Length", strconv.Itoa(len(reqBytes)))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: request timeout after %v", types.ErrNetworkFailure, c.timeout)
		}
		return fmt.Errorf("%w: %w", types.ErrNetworkFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return transport.DecodeJSON(resp, out)
}

// validateTokenPair validates the structure and content of an issued pair.
func validateTokenPair(tokens types.TokenPair) error {
	if tokens.AccessToken == "" {
		return fmt.Errorf("access token is empty")
	}
	if tokens.RefreshToken == "" {
		return fmt.Errorf("refresh token is empty")
	}

	for name, value := range map[string]string{"access": tokens.AccessToken, "refresh": tokens.RefreshToken} {
		if len(value) < constants.MinTokenLength {
			return fmt.Errorf("%s token too short", name)
		}
		if len(value) > constants.MaxTokenLength {
			return fmt.Errorf("%s token too long", name)
		}
		// Tokens end up in headers and query strings.
		if strings.ContainsAny(value, "\x00\r\n ") {
			return fmt.Errorf("%s token contains invalid characters", name)
		}
	}

	return nil
}
