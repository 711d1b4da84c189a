package port

import "context"

// CacheRepository is a non-authoritative read cache. The reconciliation
// invariant is owned entirely by the store; a stale or missing entry only
// costs a database read.
type CacheRepository interface {
	// GetRemaining returns the cached remaining quantity and whether the
	// key was present.
	GetRemaining(ctx context.Context, orderItemID string) (int, bool, error)

	// SetRemaining caches the remaining quantity for an order item.
	SetRemaining(ctx context.Context, orderItemID string, quantity int) error

	// InvalidateRemaining drops the cached value.
	InvalidateRemaining(ctx context.Context, orderItemID string) error

	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ReleaseIdempotency drops a claimed idempotency key so the same request
	// may be retried after a failed attempt.
	ReleaseIdempotency(ctx context.Context, key string) error
}
