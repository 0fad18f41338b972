package config

// DefaultAddr is the default bind interface for the review server.
const DefaultAddr = "127.0.0.1"

// DefaultPollMs is the default diff polling interval in milliseconds.
const DefaultPollMs = 2000

// DefaultGraceMs is the default viewer reconnect grace window in milliseconds.
const DefaultGraceMs = 2000

// DefaultVerdictTimeoutMs is the default verdict wait bound in milliseconds.
const DefaultVerdictTimeoutMs = 600000
