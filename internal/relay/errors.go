package relay

import "errors"

// Sentinel errors mapped to HTTP status codes by the transport layer.
var (
	// ErrNoUserMessage means the request carried no non-empty user message.
	ErrNoUserMessage = errors.New("no user message in request")

	// ErrRateLimited means the caller exceeded its request window.
	ErrRateLimited = errors.New("rate limit exceeded")
)
