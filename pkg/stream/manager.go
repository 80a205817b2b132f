// Package stream keeps task event streams connected. Each subscription runs
// its own session that reconnects with linear backoff, renewing the
// credential before every reconnect, until a terminal event arrives or the
// retry budget is spent.
package stream

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/d-kuro/tokenkeeper/pkg/auth"
	"github.com/d-kuro/tokenkeeper/pkg/constants"
	"github.com/d-kuro/tokenkeeper/pkg/types"
)

// ErrManagerClosed is returned by Subscribe after Close.
var ErrManagerClosed = errors.New("stream manager closed")

// Config configures a Manager.
type Config struct {
	// BaseURL is the service root, e.g. http://localhost:8000.
	BaseURL string
	// PathTemplate is formatted with the task id, e.g. /tasks/%s/stream.
	PathTemplate string
	// MaxRetries bounds consecutive reconnects without a received event.
	MaxRetries int
	// BaseDelay is multiplied by the retry number to get the backoff.
	BaseDelay time.Duration
	// ConnectTimeout bounds the wait for response headers.
	ConnectTimeout time.Duration
	UserAgent      string
	Transport      http.RoundTripper
	Clock          clockwork.Clock
	Logger         zerolog.Logger
}

// DefaultConfig returns a configuration with the library defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:        constants.DefaultBaseURL,
		PathTemplate:   constants.DefaultStreamPathTemplate,
		MaxRetries:     constants.DefaultStreamMaxRetries,
		BaseDelay:      constants.DefaultStreamBaseDelay,
		ConnectTimeout: constants.DefaultRequestTimeout,
		UserAgent:      constants.DefaultUserAgent,
		Logger:         zerolog.Nop(),
	}
}

// Manager owns every live subscription of one client.
type Manager struct {
	config      Config
	credentials auth.CredentialSource
	client      *http.Client
	logger      zerolog.Logger

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

// NewManager creates a manager reading credentials from credentials. Zero
// fields in config take their defaults; a negative MaxRetries disables
// reconnection.
func NewManager(credentials auth.CredentialSource, config Config) *Manager {
	defaults := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.PathTemplate == "" {
		config.PathTemplate = defaults.PathTemplate
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = defaults.MaxRetries
	} else if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaults.BaseDelay
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaults.ConnectTimeout
	}
	if config.Transport == nil {
		config.Transport = http.DefaultTransport
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}

	return &Manager{
		config:      config,
		credentials: credentials,
		client:      &http.Client{Transport: config.Transport},
		logger:      config.Logger.With().Str("component", "stream").Logger(),
		subs:        make(map[string]*Subscription),
	}
}

// Subscribe opens a stream for taskID. The session lives until ctx ends, the
// subscription is closed, a terminal event arrives or retries run out.
func (m *Manager) Subscribe(ctx context.Context, taskID string) (*Subscription, error) {
	if taskID == "" {
		return nil, errors.New("task id " + constants.ValidationErrorEmpty)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		id:     uuid.NewString(),
		taskID: taskID,
		events: make(chan types.StreamEvent, constants.StreamEventBuffer),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return nil, ErrManagerClosed
	}
	m.subs[sub.id] = sub
	m.mu.Unlock()

	s := &session{
		sub: sub,
		m:   m,
		logger: m.logger.With().
			Str("session_id", sub.id).
			Str("task_id", taskID).
			Logger(),
	}
	s.logger.Debug().Msg("subscribing")
	go s.run(ctx)

	return sub, nil
}

// Unsubscribe closes the subscription with the given id. It reports whether
// the subscription was live.
func (m *Manager) Unsubscribe(id string) bool {
	m.mu.Lock()
	sub, ok := m.subs[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	sub.Close()
	return true
}

// Active returns the number of live subscriptions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Close tears down every subscription and refuses new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
}
