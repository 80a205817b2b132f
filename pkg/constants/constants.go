package constants

import "time"

const (
	LibraryVersion = "0.1.0"
	LibraryName    = "tokenkeeper"

	DefaultBaseURL            = "http://localhost:8000"
	DefaultAuthPath           = "/auth"
	DefaultStreamPathTemplate = "/tasks/%s/stream"

	// Credential endpoint routes, relative to the auth path.
	LoginRoute    = "/login"
	RegisterRoute = "/register"
	RefreshRoute  = "/refresh"
	LogoutRoute   = "/logout"
	MeRoute       = "/me"

	DefaultRequestTimeout = 10 * time.Second // Upper bound for every network call
	DefaultRefreshMargin  = 5 * time.Minute  // Proactive renewal happens this long before expiry
	DefaultUserAgent      = "tokenkeeper/0.1"

	DefaultStreamMaxRetries = 3
	DefaultStreamBaseDelay  = 1 * time.Second
	StreamEventBuffer       = 16
	StreamTokenParam        = "token"
	SSEReaderSize           = 64 * 1024

	MaxAPIRequestSize    = 1 * 1024 * 1024  // 1MB max request size
	MaxAPIResponseSize   = 10 * 1024 * 1024 // 10MB max response size
	MaxErrorMessageBytes = 512              // Error bodies are truncated to this many bytes

	// Connection pool optimizations
	MaxIdleConns        = 100              // Maximum number of idle connections across all hosts
	MaxIdleConnsPerHost = 10               // Maximum idle connections per host
	MaxConnsPerHost     = 100              // Maximum connections per host
	IdleConnTimeout     = 90 * time.Second // How long an idle connection can remain idle

	// Fine-grained timeouts
	DefaultDialerTimeout  = 10 * time.Second
	TLSHandshakeTimeout   = 10 * time.Second
	ExpectContinueTimeout = 1 * time.Second
	KeepAliveTimeout      = 30 * time.Second

	ContentTypeJSON        = "application/json"
	ContentTypeHTML        = "text/html"
	ContentTypeEventStream = "text/event-stream"

	HeaderAuthorization = "Authorization"
	HeaderUserAgent     = "User-Agent"
	HeaderContentType   = "Content-Type"
	HeaderAccept        = "Accept"

	DirPermissions  = 0700
	FilePermissions = 0600

	MinTokenLength = 10   // Minimum token length
	MaxTokenLength = 8192 // Maximum token length

	DefaultStorageDir  = ".tokenkeeper"
	TokenFileName      = "credentials.json"
	DefaultRedisPrefix = "tokenkeeper:"
	AccessTokenKey     = "access_token"
	RefreshTokenKey    = "refresh_token"
	StorageOpTimeout   = 2 * time.Second

	StorageBackendFile   = "file"
	StorageBackendMemory = "memory"
	StorageBackendRedis  = "redis"

	WhitespaceNewline = "\n"
	WhitespaceTab     = "\t"
	WhitespaceDouble  = "  "

	ValidationErrorEmpty    = "cannot be empty"
	ValidationErrorRequired = "must be provided"
	ValidationErrorPositive = "must be positive"
	ConfigErrorPrefix       = "config error in "
)

// CredentialRoutes are exempt from the retry-on-401 path.
var CredentialRoutes = []string{LoginRoute, RegisterRoute, RefreshRoute, LogoutRoute}

var HTMLTagsToRemove = []string{"script", "style", "head"}
