package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hedgesystem/closebot/internal/domain"
)

// unlockLua deletes a lock key only if its value matches the caller's unique
// token, so one holder cannot release another holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// CloseLock serializes close attempts per position across engine instances
// using Redis SETNX with a TTL and a Lua-based conditional unlock.
type CloseLock struct {
	rdb      *redis.Client
	unlockSc *redis.Script
}

// NewCloseLock creates a CloseLock backed by the given Client.
func NewCloseLock(c *Client) *CloseLock {
	return &CloseLock{
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
	}
}

func closeLockKey(positionID string) string {
	return "closelock:" + positionID
}

// Acquire attempts to take the close lock for a position. On success it
// returns an unlock function that must be called to release the lock; the
// unlock function is safe to call more than once.
//
// It returns domain.ErrPositionLocked when another close already holds the
// lock.
func (cl *CloseLock) Acquire(ctx context.Context, positionID string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	key := closeLockKey(positionID)

	ok, err := cl.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire close lock %s: %w", positionID, err)
	}
	if !ok {
		return nil, domain.ErrPositionLocked
	}

	released := false
	unlock := func() {
		if released {
			return
		}
		released = true

		// Background context so the unlock succeeds even if the caller's
		// context is already cancelled.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = cl.unlockSc.Run(unlockCtx, cl.rdb, []string{key}, token).Err()
	}

	return unlock, nil
}
