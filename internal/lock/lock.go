// Package lock provides named, non-blocking mutual exclusion for derivative
// generation. Implementations back the lock with a file on a shared
// filesystem, a Redis key, or an in-process map.
package lock

import (
	"context"
	"errors"
)

var ErrNotHeld = errors.New("lock not held")

// Token is proof of an acquired lock. It is only valid for one Release.
type Token struct {
	Key   string
	owner string
	held  func(ctx context.Context) error
}

// Locker hands out exclusive tokens by key without waiting.
type Locker interface {
	// TryAcquire returns a token and true when the key was free, or nil and
	// false when someone else holds it.
	TryAcquire(ctx context.Context, key string) (*Token, bool, error)
	Release(ctx context.Context, tok *Token) error
}

// release runs the implementation's unlock exactly once.
func release(ctx context.Context, tok *Token) error {
	if tok == nil || tok.held == nil {
		return ErrNotHeld
	}
	fn := tok.held
	tok.held = nil
	return fn(ctx)
}
