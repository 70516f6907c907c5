// Package lock serializes reconciliation runs across processes.
package lock

import (
	"context"
	"fmt"

	"github.com/andresuchdata/webhook-vault/backend-go/internal/config"
)

// Locker is a single advisory lock. Acquire returns domain.ErrLockContention
// when another owner holds it. Heartbeat extends a held lock; Release is a
// no-op when the lock is not held.
type Locker interface {
	Acquire(ctx context.Context) error
	Heartbeat(ctx context.Context) error
	Release(ctx context.Context) error
}

// New builds the lock selected by cfg.Lock.Backend.
func New(ctx context.Context, cfg *config.Config) (Locker, error) {
	switch cfg.Lock.Backend {
	case "", config.LockFile:
		return NewFile(cfg.App.LockFile, cfg.Sync.StaleLockAge), nil
	case config.LockRedis:
		client, err := NewRedisClient(ctx, cfg.Lock)
		if err != nil {
			return nil, err
		}
		return NewRedis(client, cfg.Lock.Key, cfg.Lock.TTL), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Lock.Backend)
	}
}
