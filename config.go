// Package tokenkeeper keeps a client authenticated against a token-issuing
// API: it stores the access/refresh credential pair, renews it before it
// expires, retries requests rejected with 401 once after a single shared
// renewal and keeps task event streams connected across credential changes.
package tokenkeeper

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"

	"github.com/d-kuro/tokenkeeper/pkg/constants"
	"github.com/d-kuro/tokenkeeper/pkg/storage"
)

// Config holds all configuration options for the client.
type Config struct {
	// API Configuration
	BaseURL            string `json:"baseUrl,omitempty"`
	AuthPath           string `json:"authPath,omitempty"`
	StreamPathTemplate string `json:"streamPathTemplate,omitempty"`
	UserAgent          string `json:"userAgent,omitempty"`

	// HTTP Configuration
	Timeout time.Duration `json:"timeout,omitempty"`

	// RefreshMargin is how long before expiry the credential is renewed.
	RefreshMargin time.Duration `json:"refreshMargin,omitempty"`

	// Stream Configuration
	StreamMaxRetries int           `json:"streamMaxRetries,omitempty"`
	StreamBaseDelay  time.Duration `json:"streamBaseDelay,omitempty"`

	// Credential Storage. Defaults to a filesystem store under ~/.tokenkeeper.
	CredentialStore storage.CredentialStore `json:"-"`

	Logger    zerolog.Logger    `json:"-"`
	Clock     clockwork.Clock   `json:"-"`
	Transport http.RoundTripper `json:"-"`
}

// ConfigOption defines a functional option for configuring the Config.
type ConfigOption func(*Config)

// WithBaseURL sets the service root URL.
func WithBaseURL(baseURL string) ConfigOption {
	return func(c *Config) {
		c.BaseURL = baseURL
	}
}

// WithAuthPath sets the path of the credential endpoints under the base URL.
func WithAuthPath(path string) ConfigOption {
	return func(c *Config) {
		c.AuthPath = path
	}
}

// WithStreamPathTemplate sets the stream path; %s is replaced by the task id.
func WithStreamPathTemplate(template string) ConfigOption {
	return func(c *Config) {
		c.StreamPathTemplate = template
	}
}

// WithCredentialStore sets a custom credential store.
func WithCredentialStore(store storage.CredentialStore) ConfigOption {
	return func(c *Config) {
		c.CredentialStore = store
	}
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(timeout time.Duration) ConfigOption {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithRefreshMargin sets how early before expiry renewal happens.
func WithRefreshMargin(margin time.Duration) ConfigOption {
	return func(c *Config) {
		c.RefreshMargin = margin
	}
}

// WithStreamRetry sets the stream reconnect budget and linear backoff step.
func WithStreamRetry(maxRetries int, baseDelay time.Duration) ConfigOption {
	return func(c *Config) {
		c.StreamMaxRetries = maxRetries
		c.StreamBaseDelay = baseDelay
	}
}

// WithUserAgent sets the User-Agent header sent on every request.
func WithUserAgent(userAgent string) ConfigOption {
	return func(c *Config) {
		c.UserAgent = userAgent
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) ConfigOption {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithClock sets the clock used for renewal timers and stream backoff.
func WithClock(clock clockwork.Clock) ConfigOption {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithTransport sets the round tripper underneath the authenticating gateway.
func WithTransport(rt http.RoundTripper) ConfigOption {
	return func(c *Config) {
		c.Transport = rt
	}
}

// NewConfig creates a new configuration with the provided options.
// If no options are provided, returns a configuration with the library defaults.
func NewConfig(opts ...ConfigOption) *Config {
	config := &Config{
		BaseURL:            constants.DefaultBaseURL,
		AuthPath:           constants.DefaultAuthPath,
		StreamPathTemplate: constants.DefaultStreamPathTemplate,
		UserAgent:          constants.DefaultUserAgent,

		Timeout:       constants.DefaultRequestTimeout,
		RefreshMargin: constants.DefaultRefreshMargin,

		StreamMaxRetries: constants.DefaultStreamMaxRetries,
		StreamBaseDelay:  constants.DefaultStreamBaseDelay,

		Logger: zerolog.Nop(),
		Clock:  clockwork.NewRealClock(),
	}

	for _, opt := range opts {
		opt(config)
	}

	return config
}

// Validate ensures the configuration is valid and complete.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return &ConfigError{Field: "BaseURL", Message: constants.ValidationErrorEmpty}
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return &ConfigError{Field: "BaseURL", Message: "must be an http or https URL"}
	}
	if c.AuthPath == "" {
		return &ConfigError{Field: "AuthPath", Message: constants.ValidationErrorEmpty}
	}
	if strings.Count(c.StreamPathTemplate, "%s") != 1 {
		return &ConfigError{Field: "StreamPathTemplate", Message: "must contain exactly one %s"}
	}
	if c.Timeout <= 0 {
		return &ConfigError{Field: "Timeout", Message: constants.ValidationErrorPositive}
	}
	if c.RefreshMargin <= 0 {
		return &ConfigError{Field: "RefreshMargin", Message: constants.ValidationErrorPositive}
	}
	if c.StreamMaxRetries < 0 {
		return &ConfigError{Field: "StreamMaxRetries", Message: "cannot be negative"}
	}
	if c.StreamBaseDelay <= 0 {
		return &ConfigError{Field: "StreamBaseDelay", Message: constants.ValidationErrorPositive}
	}
	if c.Clock == nil {
		return &ConfigError{Field: "Clock", Message: constants.ValidationErrorRequired}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return constants.ConfigErrorPrefix + e.Field + ": " + e.Message
}

// fileConfig is the on-disk shape read by LoadConfig.
type fileConfig struct {
	BaseURL            string        `koanf:"base_url"`
	AuthPath           string        `koanf:"auth_path"`
	StreamPathTemplate string        `koanf:"stream_path_template"`
	UserAgent          string        `koanf:"user_agent"`
	Timeout            time.Duration `koanf:"timeout"`
	RefreshMargin      time.Duration `koanf:"refresh_margin"`
	Stream             struct {
		MaxRetries *int          `koanf:"max_retries"`
		BaseDelay  time.Duration `koanf:"base_delay"`
	} `koanf:"stream"`
	Storage storageConfig `koanf:"storage"`
}

type storageConfig struct {
	Backend     string `koanf:"backend"`
	Dir         string `koanf:"dir"`
	RedisAddr   string `koanf:"redis_addr"`
	RedisPrefix string `koanf:"redis_prefix"`
}

// LoadConfig reads a YAML (.yaml, .yml) or JSON (.json) file on top of the
// defaults, then applies opts. Keys left out of the file keep their defaults.
func LoadConfig(path string, opts ...ConfigOption) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data, filepath.Ext(path), opts...)
}

// ParseConfig is LoadConfig for in-memory data. ext selects the parser.
func ParseConfig(data []byte, ext string, opts ...ConfigOption) (*Config, error) {
	var parser koanf.Parser
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, &ConfigError{Field: "path", Message: "unsupported config format " + ext}
	}

	k := koanf.New(".")
	if len(data) > 0 {
		if err := k.Load(rawbytes.Provider(data), parser); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	var file fileConfig
	if err := k.UnmarshalWithConf("", &file, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	store, err := file.Storage.open()
	if err != nil {
		return nil, err
	}

	fileOpts := file.options()
	if store != nil {
		fileOpts = append(fileOpts, WithCredentialStore(store))
	}
	return NewConfig(append(fileOpts, opts...)...), nil
}

func (f *fileConfig) options() []ConfigOption {
	var opts []ConfigOption
	if f.BaseURL != "" {
		opts = append(opts, WithBaseURL(f.BaseURL))
	}
	if f.AuthPath != "" {
		opts = append(opts, WithAuthPath(f.AuthPath))
	}
	if f.StreamPathTemplate != "" {
		opts = append(opts, WithStreamPathTemplate(f.StreamPathTemplate))
	}
	if f.UserAgent != "" {
		opts = append(opts, WithUserAgent(f.UserAgent))
	}
	if f.Timeout > 0 {
		opts = append(opts, WithTimeout(f.Timeout))
	}
	if f.RefreshMargin > 0 {
		opts = append(opts, WithRefreshMargin(f.RefreshMargin))
	}
	if f.Stream.MaxRetries != nil {
		retries := *f.Stream.MaxRetries
		opts = append(opts, func(c *Config) { c.StreamMaxRetries = retries })
	}
	if f.Stream.BaseDelay > 0 {
		delay := f.Stream.BaseDelay
		opts = append(opts, func(c *Config) { c.StreamBaseDelay = delay })
	}
	return opts
}

// open builds the configured backend. An empty backend leaves the choice to
// NewClient.
func (s storageConfig) open() (storage.CredentialStore, error) {
	switch s.Backend {
	case "":
		if s.Dir == "" {
			return nil, nil
		}
		return storage.NewFileSystemStore(s.Dir)
	case constants.StorageBackendFile:
		return storage.NewFileSystemStore(s.Dir)
	case constants.StorageBackendMemory:
		return storage.NewMemoryStore(), nil
	case constants.StorageBackendRedis:
		if s.RedisAddr == "" {
			return nil, &ConfigError{Field: "storage.redis_addr", Message: constants.ValidationErrorRequired}
		}
		prefix := s.RedisPrefix
		if prefix == "" {
			prefix = constants.DefaultRedisPrefix
		}
		return storage.NewRedisStoreFromAddr(s.RedisAddr, prefix), nil
	default:
		return nil, &ConfigError{Field: "storage.backend", Message: "unknown backend " + s.Backend}
	}
}
