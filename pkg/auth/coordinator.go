package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/d-kuro/tokenkeeper/pkg/constants"
	"github.com/d-kuro/tokenkeeper/pkg/storage"
	"github.com/d-kuro/tokenkeeper/pkg/transport"
	"github.com/d-kuro/tokenkeeper/pkg/types"
)

// CoordinatorConfig wires a Coordinator.
type CoordinatorConfig struct {
	Backend       storage.CredentialStore
	BaseURL       string
	AuthPath      string
	Transport     http.RoundTripper
	Clock         clockwork.Clock
	Logger        zerolog.Logger
	Timeout       time.Duration
	RefreshMargin time.Duration
	UserAgent     string

	// Sessions overrides the credential endpoint client.
	Sessions SessionProvider
}

// Coordinator owns the credential lifecycle for one client instance: the
// store, the refresh scheduler, the single-flight renewer and the gateway.
type Coordinator struct {
	store     *Store
	scheduler *Scheduler
	renewer   *Renewer
	sessions  SessionProvider
	gateway   *Gateway
	client    *http.Client
	clock     clockwork.Clock
	logger    zerolog.Logger
	authURL   string
}

// NewCoordinator builds and wires the components. A credential already held
// by the backend is scheduled immediately; an expired one is cleared.
func NewCoordinator(config CoordinatorConfig) (*Coordinator, error) {
	if config.Backend == nil {
		config.Backend = storage.NewMemoryStore()
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.Transport == nil {
		config.Transport = http.DefaultTransport
	}
	if config.AuthPath == "" {
		config.AuthPath = constants.DefaultAuthPath
	}
	if config.Timeout <= 0 {
		config.Timeout = constants.DefaultRequestTimeout
	}

	logger := config.Logger
	store, err := NewStore(config.Backend, logger)
	if err != nil {
		return nil, err
	}

	authURL := strings.TrimRight(config.BaseURL, "/") + config.AuthPath
	sessions := config.Sessions
	if sessions == nil {
		sessions = NewEndpointClient(authURL, config.Transport, config.Clock, config.Timeout, config.UserAgent)
	}

	scheduler := NewScheduler(store, config.Clock, config.RefreshMargin, logger)
	renewer := NewRenewer(store, sessions, scheduler, config.Timeout, logger)
	scheduler.SetRenewer(renewer)
	store.OnClear(scheduler.Cancel)
	store.OnClear(renewer.Discard)

	gateway := NewGateway(renewer, GatewayConfig{
		Base:      config.Transport,
		AuthPath:  config.AuthPath,
		Timeout:   config.Timeout,
		UserAgent: config.UserAgent,
		Logger:    logger,
	})

	c := &Coordinator{
		store:     store,
		scheduler: scheduler,
		renewer:   renewer,
		sessions:  sessions,
		gateway:   gateway,
		client:    &http.Client{Transport: gateway},
		clock:     config.Clock,
		logger:    logger.With().Str("component", "coordinator").Logger(),
		authURL:   authURL,
	}

	if pair, ok := store.Get(); ok {
		c.logger.Debug().Str("path", store.StoragePath()).Msg("scheduling stored credential")
		scheduler.ScheduleFor(pair)
	}

	return c, nil
}

// Current implements CredentialSource.
func (c *Coordinator) Current() (CredentialPair, bool) {
	return c.store.Get()
}

// EnsureFresh implements CredentialSource.
func (c *Coordinator) EnsureFresh(ctx context.Context) (CredentialPair, error) {
	return c.renewer.EnsureFresh(ctx)
}

// Login authenticates, stores the issued pair and arms proactive renewal.
func (c *Coordinator) Login(ctx context.Context, email, password string) (*types.User, error) {
	resp, err := c.sessions.Login(ctx, types.LoginRequest{Email: email, Password: password})
	if err != nil {
		return nil, err
	}
	if err := c.adopt(resp.Tokens); err != nil {
		return nil, err
	}
	c.logger.Info().Msg("logged in")
	return resp.User, nil
}

// Register creates an account and logs in with the pair it returns.
func (c *Coordinator) Register(ctx context.Context, req types.RegisterRequest) (*types.User, error) {
	resp, err := c.sessions.Register(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.adopt(resp.Tokens); err != nil {
		return nil, err
	}
	c.logger.Info().Msg("registered")
	return resp.User, nil
}

func (c *Coordinator) adopt(tokens types.TokenPair) error {
	pair := CredentialPair{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		IssuedAt:     c.clock.Now(),
	}
	if err := c.store.Set(pair); err != nil {
		return err
	}
	c.scheduler.ScheduleFor(pair)
	return nil
}

// Logout revokes the refresh token server-side and always clears the local
// credential, even when the server call fails. The server error, if any, is
// returned.
func (c *Coordinator) Logout(ctx context.Context) error {
	var logoutErr error
	if pair, ok := c.store.Get(); ok {
		logoutErr = c.sessions.Logout(ctx, pair.RefreshToken)
		if logoutErr != nil {
			c.logger.Warn().Err(logoutErr).Msg("server logout failed, clearing local credential anyway")
		}
	}

	clearErr := c.store.Clear()
	c.logger.Info().Msg("logged out")
	if logoutErr != nil {
		return logoutErr
	}
	return clearErr
}

// CurrentUser fetches the account behind the credential through the gateway.
// Both {"user": {...}} and a bare user object are accepted.
func (c *Coordinator) CurrentUser(ctx context.Context) (*types.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.authURL+constants.MeRoute, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(constants.HeaderAccept, constants.ContentTypeJSON)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var raw json.RawMessage
	if err := transport.DecodeJSON(resp, &raw); err != nil {
		return nil, err
	}

	var wrapped types.CurrentUserResponse
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.User != nil {
		return wrapped.User, nil
	}
	var user types.User
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, fmt.Errorf("failed to decode current user: %w", err)
	}
	return &user, nil
}

// IsAuthenticated reports whether a credential pair is stored.
func (c *Coordinator) IsAuthenticated() bool {
	_, ok := c.store.Get()
	return ok
}

// GetAuthStatus checks the current authentication status.
func (c *Coordinator) GetAuthStatus() (*AuthStatus, error) {
	pair, ok := c.store.Get()
	if !ok {
		return &AuthStatus{
			Authenticated: false,
			StoragePath:   c.store.StoragePath(),
			Error:         "no token stored",
		}, nil
	}

	status := &AuthStatus{
		Authenticated:    true,
		HasRefreshToken:  pair.RefreshToken != "",
		RenewalScheduled: c.scheduler.Armed(),
		RenewalInFlight:  c.renewer.InFlight(),
		Refreshes:        c.renewer.Refreshes(),
		StoragePath:      c.store.StoragePath(),
	}

	claim, err := DecodeExpiry(pair.AccessToken)
	if err != nil {
		status.Error = err.Error()
		return status, nil
	}
	now := c.clock.Now()
	status.ExpiresAt = claim.ExpiresAt
	status.ExpiresIn = claim.Until(now)
	status.IsExpired = !claim.ExpiresAt.After(now)
	return status, nil
}

// ClearAuthentication removes stored authentication credentials.
func (c *Coordinator) ClearAuthentication() error {
	return c.store.Clear()
}

// HTTPClient returns a client whose requests pass through the gateway.
func (c *Coordinator) HTTPClient() *http.Client {
	return c.client
}

// Gateway returns the authenticating round tripper.
func (c *Coordinator) Gateway() *Gateway {
	return c.gateway
}

// Store returns the credential store.
func (c *Coordinator) Store() *Store {
	return c.store
}

// Scheduler returns the refresh scheduler.
func (c *Coordinator) Scheduler() *Scheduler {
	return c.scheduler
}

// Renewer returns the single-flight renewer.
func (c *Coordinator) Renewer() *Renewer {
	return c.renewer
}

// Close stops proactive renewal and waits for renewals already running.
// The stored credential is kept.
func (c *Coordinator) Close() {
	c.scheduler.Close()
	c.renewer.Wait()
}
