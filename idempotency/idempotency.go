// Package idempotency records webhook event ids so a redelivered event is
// acknowledged without side effects.
package idempotency

import (
	"context"
	"errors"
	"time"
)

var ErrEmptyKey = errors.New("idempotency: empty key")

type Cache interface {
	// MarkSeen atomically records key for ttl. It returns true only for the
	// first caller inside the window.
	MarkSeen(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Forget drops key so a later redelivery is processed again.
	Forget(ctx context.Context, key string) error
}

// Pruner is implemented by caches that need expired keys swept.
type Pruner interface {
	Prune(ctx context.Context) (int, error)
}

// Key namespaces an event id by the session it was delivered for.
func Key(sessionID, eventID string) string {
	return "webhook:" + sessionID + ":" + eventID
}
