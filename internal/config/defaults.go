package config

// DefaultAddr is the default listen address for the HTTP API.
const DefaultAddr = "127.0.0.1:8080"

// DefaultSessionID names the credential directory when none is configured.
const DefaultSessionID = "default"

// DefaultLogLevel is the default transport client log level.
const DefaultLogLevel = "INFO"

// DefaultReconnectDelayMs is the retry delay after a transient disconnect.
const DefaultReconnectDelayMs = 5000

// DefaultRateLimitDelayMs is the retry delay after a rate-limited
// disconnect; the network rejects immediate retries.
const DefaultRateLimitDelayMs = 10000

// DefaultSendRatePerMin caps accepted send requests per minute.
const DefaultSendRatePerMin = 20

// DefaultSendBurst is the burst size for the send rate limit.
const DefaultSendBurst = 5
