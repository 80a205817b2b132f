package tokenkeeper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/d-kuro/tokenkeeper/pkg/auth"
	"github.com/d-kuro/tokenkeeper/pkg/constants"
	"github.com/d-kuro/tokenkeeper/pkg/storage"
	"github.com/d-kuro/tokenkeeper/pkg/stream"
	"github.com/d-kuro/tokenkeeper/pkg/transport"
	"github.com/d-kuro/tokenkeeper/pkg/types"
)

// Client provides a unified interface for authenticated API calls and task
// streams sharing one coordinated credential.
type Client struct {
	config      *Config
	coordinator *auth.Coordinator
	streams     *stream.Manager
	pool        *transport.Pool
	baseURL     string
}

// NewClient creates a new client with the provided configuration options.
// A credential already held by the credential store is picked up and
// scheduled for renewal.
func NewClient(opts ...ConfigOption) (*Client, error) {
	config := NewConfig(opts...)
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.CredentialStore == nil {
		store, err := storage.NewFileSystemStore("")
		if err != nil {
			return nil, fmt.Errorf("failed to create credential store: %w", err)
		}
		config.CredentialStore = store
	}

	pool := transport.NewPool()
	rt := config.Transport
	if rt == nil {
		rt = pool.Get(&transport.Config{ResponseHeaderTimeout: config.Timeout})
	}

	coordinator, err := auth.NewCoordinator(auth.CoordinatorConfig{
		Backend:       config.CredentialStore,
		BaseURL:       config.BaseURL,
		AuthPath:      config.AuthPath,
		Transport:     rt,
		Clock:         config.Clock,
		Logger:        config.Logger,
		Timeout:       config.Timeout,
		RefreshMargin: config.RefreshMargin,
		UserAgent:     config.UserAgent,
	})
	if err != nil {
		return nil, err
	}

	// Streams are not bounded by the request timeout; the session applies its
	// own connect deadline.
	streamRT := config.Transport
	if streamRT == nil {
		streamRT = pool.Get(&transport.Config{})
	}
	maxRetries := config.StreamMaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}
	streams := stream.NewManager(coordinator, stream.Config{
		BaseURL:        config.BaseURL,
		PathTemplate:   config.StreamPathTemplate,
		MaxRetries:     maxRetries,
		BaseDelay:      config.StreamBaseDelay,
		ConnectTimeout: config.Timeout,
		UserAgent:      config.UserAgent,
		Transport:      streamRT,
		Clock:          config.Clock,
		Logger:         config.Logger,
	})

	return &Client{
		config:      config,
		coordinator: coordinator,
		streams:     streams,
		pool:        pool,
		baseURL:     strings.TrimRight(config.BaseURL, "/"),
	}, nil
}

// Login authenticates with email and password and stores the issued pair.
func (c *Client) Login(ctx context.Context, email, password string) (*types.User, error) {
	if email == "" || password == "" {
		return nil, &ConfigError{Field: "credentials", Message: "email and password " + constants.ValidationErrorRequired}
	}
	return c.coordinator.Login(ctx, email, password)
}

// Register creates an account and stores the issued pair.
func (c *Client) Register(ctx context.Context, req types.RegisterRequest) (*types.User, error) {
	if req.Email == "" || req.Password == "" {
		return nil, &ConfigError{Field: "credentials", Message: "email and password " + constants.ValidationErrorRequired}
	}
	return c.coordinator.Register(ctx, req)
}

// Logout revokes the credential server-side and clears it locally. The local
// credential is cleared even when the server call fails.
func (c *Client) Logout(ctx context.Context) error {
	return c.coordinator.Logout(ctx)
}

// GetCurrentUser returns the account the stored credential belongs to.
func (c *Client) GetCurrentUser(ctx context.Context) (*types.User, error) {
	return c.coordinator.CurrentUser(ctx)
}

// Subscribe follows the event stream of taskID. See stream.Subscription.
func (c *Client) Subscribe(ctx context.Context, taskID string) (*stream.Subscription, error) {
	return c.streams.Subscribe(ctx, taskID)
}

// Unsubscribe closes the subscription with the given id.
func (c *Client) Unsubscribe(id string) bool {
	return c.streams.Unsubscribe(id)
}

// Get sends a GET to path with params and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, path string, params url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, params, nil, out)
}

// Post sends body as JSON and decodes the JSON response into out.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

// Put sends body as JSON and decodes the JSON response into out.
func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPut, path, nil, body, out)
}

// Delete sends a DELETE with an optional JSON body.
func (c *Client) Delete(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodDelete, path, nil, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, out any) error {
	endpoint := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		if len(payload) > constants.MaxAPIRequestSize {
			return fmt.Errorf("request too large: %d bytes (max %d)", len(payload), constants.MaxAPIRequestSize)
		}
		// bytes.Reader lets the gateway replay the body after a renewal.
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(constants.HeaderAccept, constants.ContentTypeJSON)
	if body != nil {
		req.Header.Set(constants.HeaderContentType, constants.ContentTypeJSON)
	}

	resp, err := c.coordinator.HTTPClient().Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	return transport.DecodeJSON(resp, out)
}

// IsAuthenticated checks if the client holds a credential.
func (c *Client) IsAuthenticated() bool {
	return c.coordinator.IsAuthenticated()
}

// GetAuthStatus returns the current authentication status.
func (c *Client) GetAuthStatus() (*auth.AuthStatus, error) {
	return c.coordinator.GetAuthStatus()
}

// ClearAuthentication removes stored authentication credentials without
// contacting the server.
func (c *Client) ClearAuthentication() error {
	return c.coordinator.ClearAuthentication()
}

// TokenSource returns an oauth2.TokenSource over the coordinated credential.
func (c *Client) TokenSource(ctx context.Context) oauth2.TokenSource {
	return auth.NewTokenSource(ctx, c.coordinator, c.config.Clock)
}

// HTTPClient returns an *http.Client that attaches the credential and
// renews it on 401.
func (c *Client) HTTPClient() *http.Client {
	return c.coordinator.HTTPClient()
}

// GetConfig returns the client configuration.
func (c *Client) GetConfig() *Config {
	return c.config
}

// Close ends every stream subscription, stops proactive renewal and releases
// idle connections. The stored credential is kept.
func (c *Client) Close() {
	c.streams.Close()
	c.coordinator.Close()
	c.pool.CloseIdleConnections()
}

// IsReauthenticationRequired reports whether err means the credential is
// gone and the user has to log in again.
func IsReauthenticationRequired(err error) bool {
	return errors.Is(err, types.ErrAuthenticationFailed) || errors.Is(err, types.ErrNoCredential)
}
