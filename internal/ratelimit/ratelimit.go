// Package ratelimit holds the two throttles of the engine: a token bucket for
// inbound webhook triggers and a per-rule run ceiling consulted at dispatch.
//
// The in-memory token bucket (MemoryLimiter) is process-local. Deployments
// running several instances behind a balancer get per-instance limits, which
// is acceptable for abuse protection on the hooks endpoint.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed.
	// The key is opaque. Callers construct it (e.g. "hook:<rule_id>:<ip>").
	// Returning an error signals a limiter malfunction; callers treat
	// errors as fail-open.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
