// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined here.
// This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// UPSTREAM ENDPOINTS
// =============================================================================

// DefaultEngineBaseURL is the engine backend used for chat submission.
const DefaultEngineBaseURL = "https://api.enginelabs.ai/engine-agent"

// DefaultClerkBaseURL is the Clerk instance that authenticates the cookie.
const DefaultClerkBaseURL = "https://clerk.cto.new"

// DefaultOrigin is sent as Origin/Referer on every upstream request.
const DefaultOrigin = "https://cto.new"

// ClerkAPIVersion and ClerkJSVersion pin the Clerk wire protocol.
const (
	ClerkAPIVersion = "2025-04-10"
	ClerkJSVersion  = "5.102.1"
)

// =============================================================================
// SESSION POOL AND ADMISSION CONTROL
// =============================================================================

// DefaultMaxSessions is the maximum number of concurrently open upstream sessions.
const DefaultMaxSessions = 4

// DefaultMaxInflightPerSession is how many in-flight requests one session may
// multiplex. Set to 1 to treat each session as a capacity-1 slot.
const DefaultMaxInflightPerSession = 4

// DefaultQueueSize is the admission queue depth before requests are rejected
// with a busy error.
const DefaultQueueSize = 32

// DefaultSessionIdleTimeout tears down a session with no in-flight work.
const DefaultSessionIdleTimeout = 5 * time.Minute

// =============================================================================
// RECONNECT POLICY
// =============================================================================

// DefaultReconnectBaseDelay is the first reconnect backoff step.
const DefaultReconnectBaseDelay = 500 * time.Millisecond

// DefaultReconnectMaxDelay caps the exponential backoff.
const DefaultReconnectMaxDelay = 10 * time.Second

// DefaultReconnectMaxAttempts bounds reconnects before the session is closed
// and its in-flight requests are failed.
const DefaultReconnectMaxAttempts = 5

// DefaultReadTimeout is how long the session waits for a frame (or heartbeat)
// before treating the channel as silently disconnected.
const DefaultReadTimeout = 30 * time.Second

// =============================================================================
// TOKEN ESTIMATION
// =============================================================================

// TokenEstimateRatio is the approximate number of characters per token.
// Used for rough token counting when an exact tokenizer isn't available.
const TokenEstimateRatio = 4

// =============================================================================
// HTTP AND NETWORKING
// =============================================================================

// DefaultServerPort is the gateway listen port.
const DefaultServerPort = 8000

// DefaultDialTimeout is the TCP/WebSocket dial timeout.
const DefaultDialTimeout = 30 * time.Second

// MaxRequestBodySize is the maximum allowed request body (10MB).
const MaxRequestBodySize = 10 * 1024 * 1024

// MaxErrorBodyLogLen limits upstream error bodies in logs to prevent bloat.
const MaxErrorBodyLogLen = 500

// DefaultServerReadTimeout for the HTTP server.
const DefaultServerReadTimeout = 1 * time.Minute

// DefaultServerWriteTimeout for the HTTP server (safe for streaming).
const DefaultServerWriteTimeout = 10 * time.Minute

// DefaultRequestTimeout bounds one completion exchange end to end.
const DefaultRequestTimeout = 5 * time.Minute

// =============================================================================
// RATE LIMITING
// =============================================================================

// DefaultRateLimit is requests per second per client IP.
const DefaultRateLimit = 100

// MaxRateLimitBuckets prevents memory exhaustion from too many IP buckets.
const MaxRateLimitBuckets = 10000

// =============================================================================
// MONITORING
// =============================================================================

// DefaultUsageFlushInterval is how often buffered usage records are flushed.
const DefaultUsageFlushInterval = 5 * time.Second

// DefaultUsageBatchSize is the insert batch size for usage records.
const DefaultUsageBatchSize = 100

// DefaultUsageRetentionDays is how long usage records are kept.
const DefaultUsageRetentionDays = 30
