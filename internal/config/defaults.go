// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined here.
// This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// RATE LIMITING
// =============================================================================

// DefaultRateLimitWindow is the fixed rate-limit window. The counter resets
// wholesale at window boundaries; this is not a sliding window.
const DefaultRateLimitWindow = 60 * time.Second

// DefaultMaxRequestsPerWindow is the per-key request allowance inside one window.
const DefaultMaxRequestsPerWindow = 20

// MaxRateLimitKeys prevents memory exhaustion from too many caller keys.
const MaxRateLimitKeys = 10000

// =============================================================================
// STREAM COORDINATION
// =============================================================================

// DefaultIdleTimeout bounds the wait for the next text chunk once the
// tool-event source is known to be exhausted. Before that point the text
// drain waits indefinitely, so genuinely in-flight text is never truncated.
const DefaultIdleTimeout = 10 * time.Second

// EventBufferSize is the channel buffer between drains and the client writer.
const EventBufferSize = 64

// =============================================================================
// EXECUTION TRACE
// =============================================================================

// MaxToolResultPreview is the truncation limit for tool-result previews
// recorded in the execution trace.
const MaxToolResultPreview = 500

// MaxResponsePreview is the truncation limit for the final response text
// recorded in the execution trace.
const MaxResponsePreview = 2000

// =============================================================================
// HTTP AND NETWORKING
// =============================================================================

// MaxRequestBodySize is the maximum allowed request body (10MB).
const MaxRequestBodySize = 10 * 1024 * 1024

// DefaultServerReadTimeout for the HTTP server.
const DefaultServerReadTimeout = 30 * time.Second

// DefaultServerWriteTimeout for the HTTP server (safe for streaming).
const DefaultServerWriteTimeout = 10 * time.Minute

// DefaultServerPort is the relay listen port.
const DefaultServerPort = 8787

// DefaultRuntimeURL is the default agent runtime endpoint.
const DefaultRuntimeURL = "http://localhost:8686"

// RuntimeStreamBufferSize is the scanner buffer for upstream SSE lines.
const RuntimeStreamBufferSize = 1024 * 1024

// MaxErrorBodyLogLen limits error payloads in logs to prevent bloat.
const MaxErrorBodyLogLen = 500
