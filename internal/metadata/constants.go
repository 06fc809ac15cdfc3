package metadata

import "time"

const (
	// DefaultBaseURL is the link-local address of the instance metadata service.
	DefaultBaseURL = "http://169.254.169.254"

	// TokenTTLHeader is the header for PUT token request (seconds, 1–21600).
	TokenTTLHeader = "X-aws-ec2-metadata-token-ttl-seconds"
	// TokenHeader is the header for GET requests that require a token.
	TokenHeader = "X-aws-ec2-metadata-token"

	// PathToken is the path for PUT to obtain a session token.
	PathToken = "/latest/api/token"
	// PathMetadata is the prefix every metadata read is made under.
	PathMetadata = "/latest/meta-data/"

	MinTokenTTL = 1 * time.Second
	MaxTokenTTL = 21600 * time.Second
)

// Defaults used when the corresponding Options field is zero.
const (
	DefaultTokenTTL       = MaxTokenTTL
	DefaultSafetyMargin   = 5 * time.Second
	DefaultRequestTimeout = 2 * time.Second
	DefaultDeadline       = 10 * time.Second
	DefaultMaxAttempts    = 3
	DefaultRetryBase      = 200 * time.Millisecond
	DefaultRetryFactor    = 2.0
	DefaultConcurrency    = 8
	DefaultMaxDepth       = 32
)
