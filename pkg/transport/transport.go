// Package transport builds the pooled HTTP transports shared by the credential,
// data and streaming clients, and turns non-2xx responses into typed errors.
package transport

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/d-kuro/tokenkeeper/pkg/constants"
)

// Config contains configuration for a pooled transport.
type Config struct {
	// ResponseHeaderTimeout bounds the wait for response headers. For streams
	// this is the connect timeout; the body itself is unbounded.
	ResponseHeaderTimeout time.Duration
	MaxIdleConnsPerHost   int
}

// DefaultConfig returns a default transport configuration.
func DefaultConfig() *Config {
	return &Config{
		ResponseHeaderTimeout: constants.DefaultRequestTimeout,
		MaxIdleConnsPerHost:   constants.MaxIdleConnsPerHost,
	}
}

// Pool hands out one *http.Transport per distinct configuration so that
// connection pools are shared between components with the same needs.
type Pool struct {
	transports map[Config]*http.Transport
	mutex      sync.RWMutex
}

// NewPool creates an empty transport pool.
func NewPool() *Pool {
	return &Pool{transports: make(map[Config]*http.Transport)}
}

// Get retrieves or creates a transport for config.
func (p *Pool) Get(config *Config) *http.Transport {
	if config == nil {
		config = DefaultConfig()
	}
	key := *config

	p.mutex.RLock()
	if t, exists := p.transports[key]; exists {
		p.mutex.RUnlock()
		return t
	}
	p.mutex.RUnlock()

	p.mutex.Lock()
	defer p.mutex.Unlock()

	// Double-check after acquiring write lock
	if t, exists := p.transports[key]; exists {
		return t
	}

	t := newTransport(config)
	p.transports[key] = t
	return t
}

// CloseIdleConnections closes idle connections on every pooled transport.
func (p *Pool) CloseIdleConnections() {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	for _, t := range p.transports {
		t.CloseIdleConnections()
	}
}

func newTransport(config *Config) *http.Transport {
	perHost := config.MaxIdleConnsPerHost
	if perHost <= 0 {
		perHost = constants.MaxIdleConnsPerHost
	}

	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        constants.MaxIdleConns,
		MaxIdleConnsPerHost: perHost,
		MaxConnsPerHost:     constants.MaxConnsPerHost,
		IdleConnTimeout:     constants.IdleConnTimeout,

		DialContext: (&net.Dialer{
			Timeout:   constants.DefaultDialerTimeout,
			KeepAlive: constants.KeepAliveTimeout,
		}).DialContext,
		TLSHandshakeTimeout:   constants.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		ExpectContinueTimeout: constants.ExpectContinueTimeout,

		ForceAttemptHTTP2: true,
	}
}

