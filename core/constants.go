package core

import "time"

// Environment Variables
const (
	EnvRedisURL     = "REDIS_URL"                   // Redis connection URL for pattern sync
	EnvOTLPEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT" // Standard OTLP endpoint variable
	EnvServiceName  = "LOOPWATCH_SERVICE_NAME"
	EnvDevMode      = "LOOPWATCH_DEV_MODE"
)

// Redis Defaults
const (
	// DefaultPatternNamespace prefixes every Redis key written by pattern sync.
	// Format: <namespace>:<operation>:<fingerprint>
	DefaultPatternNamespace = "loopwatch:patterns"

	// RedisDBPatterns is the Redis DB used for global pattern sharing.
	RedisDBPatterns = 0

	// DefaultRedisTimeout bounds connection checks against Redis.
	DefaultRedisTimeout = 5 * time.Second
)
