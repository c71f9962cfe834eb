package settings

// DB config keys and defaults for settings.
const (
	// LeaseRateLimitKey controls the per-user lease requests allowed per window.
	LeaseRateLimitKey = "LEASE_RATE_LIMIT"
	// LeaseRateLimitWindowKey sets the fixed window length in seconds.
	LeaseRateLimitWindowKey = "LEASE_RATE_LIMIT_WINDOW_SECONDS"
	// RateLimitRedisEnabledKey toggles Redis-backed rate limiting.
	RateLimitRedisEnabledKey = "RATE_LIMIT_REDIS_ENABLED"
	// RateLimitRedisAddrKey defines the Redis address for rate limiting.
	RateLimitRedisAddrKey = "RATE_LIMIT_REDIS_ADDR"
	// RateLimitRedisPasswordKey defines the Redis password for rate limiting.
	RateLimitRedisPasswordKey = "RATE_LIMIT_REDIS_PASSWORD"
	// RateLimitRedisDBKey defines the Redis DB index for rate limiting.
	RateLimitRedisDBKey = "RATE_LIMIT_REDIS_DB"
	// RateLimitRedisPrefixKey defines the Redis key prefix for rate limiting.
	RateLimitRedisPrefixKey = "RATE_LIMIT_REDIS_PREFIX"
	// WebhookRetentionDaysKey controls how long processed webhook events are kept.
	WebhookRetentionDaysKey = "WEBHOOK_RETENTION_DAYS"
	// DefaultLeaseRateLimit is the fallback rate limit (0 means unlimited).
	DefaultLeaseRateLimit = 0
	// DefaultLeaseRateLimitWindowSeconds is the fallback window length.
	DefaultLeaseRateLimitWindowSeconds = 60
	// DefaultRateLimitRedisPrefix is the fallback Redis key prefix.
	DefaultRateLimitRedisPrefix = "gpulease:rl"
	// DefaultWebhookRetentionDays is the fallback webhook journal retention.
	DefaultWebhookRetentionDays = 30
)
