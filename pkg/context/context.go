// Package context bounds work that runs detached from a client request,
// such as presence fan-out, grace expiry and push delivery.
package context

import (
	"context"
	"time"
)

const (
	// ShortTimeout is for cache and presence writes
	ShortTimeout = 2 * time.Second

	// MediumTimeout is for durable writes and outbound push calls
	MediumTimeout = 10 * time.Second
)

// WithShortTimeout creates a context with a short timeout
func WithShortTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, ShortTimeout)
}

// WithMediumTimeout creates a context with a medium timeout
func WithMediumTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, MediumTimeout)
}

// Detached returns a context that keeps the values of parent but not its
// cancellation, bounded by timeout. Used when a request triggers work that
// must finish after the request is gone.
func Detached(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}
