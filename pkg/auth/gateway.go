package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/d-kuro/tokenkeeper/pkg/constants"
	"github.com/d-kuro/tokenkeeper/pkg/transport"
	"github.com/d-kuro/tokenkeeper/pkg/types"
)

// Gateway is an http.RoundTripper that attaches the current access
// credential to every request. A 401 from anything but a credential
// endpoint triggers one renewal through the CredentialSource and one
// replay of the request; a second 401 is returned as-is.
type Gateway struct {
	base        http.RoundTripper
	credentials CredentialSource
	timeout     time.Duration
	userAgent   string
	exempt      []string
	logger      zerolog.Logger
}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	// Base performs the actual round trips. Defaults to http.DefaultTransport.
	Base http.RoundTripper
	// AuthPath is the credential endpoint prefix; requests under
	// AuthPath + constants.CredentialRoutes are never retried.
	AuthPath  string
	Timeout   time.Duration
	UserAgent string
	Logger    zerolog.Logger
}

// NewGateway creates a gateway drawing credentials from credentials.
func NewGateway(credentials CredentialSource, config GatewayConfig) *Gateway {
	base := config.Base
	if base == nil {
		base = http.DefaultTransport
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultRequestTimeout
	}
	authPath := strings.TrimRight(config.AuthPath, "/")
	if config.AuthPath == "" {
		authPath = constants.DefaultAuthPath
	}

	exempt := make([]string, 0, len(constants.CredentialRoutes))
	for _, route := range constants.CredentialRoutes {
		exempt = append(exempt, authPath+route)
	}

	return &Gateway{
		base:        base,
		credentials: credentials,
		timeout:     timeout,
		userAgent:   config.UserAgent,
		exempt:      exempt,
		logger:      config.Logger.With().Str("component", "gateway").Logger(),
	}
}

// RoundTrip implements http.RoundTripper.
func (g *Gateway) RoundTrip(req *http.Request) (*http.Response, error) {
	pair, _ := g.credentials.Current()

	resp, err := g.attempt(req, req.Body, pair)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || g.isExempt(req.URL.Path) {
		return resp, nil
	}

	body, replayable := rewind(req)
	if !replayable {
		g.logger.Debug().Str("path", req.URL.Path).Msg("401 on a request whose body cannot be replayed")
		return resp, nil
	}
	transport.Drain(resp)

	g.logger.Debug().Str("method", req.Method).Str("path", req.URL.Path).Msg("401 received, renewing credential")
	fresh, err := g.credentials.EnsureFresh(req.Context())
	if err != nil {
		if body != nil {
			_ = body.Close()
		}
		return nil, err
	}

	return g.attempt(req, body, fresh)
}

// attempt sends one copy of req bounded by the gateway timeout. The timeout
// context lives until the response body is closed.
func (g *Gateway) attempt(req *http.Request, body io.ReadCloser, pair CredentialPair) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(req.Context(), g.timeout)

	out := req.Clone(ctx)
	out.Body = body
	if pair.AccessToken != "" {
		pair.Token().SetAuthHeader(out)
	} else {
		out.Header.Del(constants.HeaderAuthorization)
	}
	if g.userAgent != "" && out.Header.Get(constants.HeaderUserAgent) == "" {
		out.Header.Set(constants.HeaderUserAgent, g.userAgent)
	}

	resp, err := g.base.RoundTrip(out)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %s %s: %w", types.ErrNetworkFailure, req.Method, req.URL.Redacted(), err)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (g *Gateway) isExempt(path string) bool {
	path = strings.TrimRight(path, "/")
	for _, exempt := range g.exempt {
		if strings.HasSuffix(path, exempt) {
			return true
		}
	}
	return false
}

// rewind returns a fresh copy of the request body for a replay.
func rewind(req *http.Request) (io.ReadCloser, bool) {
	if req.Body == nil || req.Body == http.NoBody {
		return req.Body, true
	}
	if req.GetBody == nil {
		return nil, false
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, false
	}
	return body, true
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
