package lock

import (
	"context"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Memory locks within a single process.
type Memory struct {
	held *xsync.MapOf[string, string]
}

func NewMemory() *Memory {
	return &Memory{held: xsync.NewMapOf[string, string]()}
}

func (m *Memory) TryAcquire(_ context.Context, key string) (*Token, bool, error) {
	owner := uuid.NewString()
	if _, loaded := m.held.LoadOrStore(key, owner); loaded {
		return nil, false, nil
	}
	return &Token{
		Key:   key,
		owner: owner,
		held: func(context.Context) error {
			deleted := false
			m.held.Compute(key, func(cur string, ok bool) (string, bool) {
				if ok && cur == owner {
					deleted = true
					return "", true
				}
				return cur, !ok
			})
			if !deleted {
				return ErrNotHeld
			}
			return nil
		},
	}, true, nil
}

func (m *Memory) Release(ctx context.Context, tok *Token) error {
	return release(ctx, tok)
}

// Held reports whether key is currently locked.
func (m *Memory) Held(key string) bool {
	_, ok := m.held.Load(key)
	return ok
}
