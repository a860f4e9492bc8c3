package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"carbonbridge/pkg/domain"
)

// RedisChecker keeps per-credit locks in Redis so multiple exporter
// instances agree on who holds a credit. The key value names the holding
// registry; a TTL bounds leakage if a holder dies before releasing, and
// holders are expected to refresh through Acquire on retry.
type RedisChecker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisChecker builds a distributed checker. A zero ttl disables
// expiry; deployments should prefer a TTL comfortably above the longest
// expected export-plus-reconcile window.
func NewRedisChecker(client *redis.Client, ttl time.Duration) *RedisChecker {
	return &RedisChecker{client: client, prefix: "bridge:lock:", ttl: ttl}
}

func (c *RedisChecker) key(creditID domain.CreditID) string {
	return c.prefix + creditID.String()
}

func (c *RedisChecker) IsLocked(ctx context.Context, creditID domain.CreditID) (bool, error) {
	name, err := c.LockedBy(ctx, creditID)
	if err != nil {
		return false, err
	}
	return name != "", nil
}

func (c *RedisChecker) LockedBy(ctx context.Context, creditID domain.CreditID) (domain.RegistryName, error) {
	val, err := c.client.Get(ctx, c.key(creditID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("check lock for %s: %w", creditID, err)
	}
	return domain.RegistryName(val), nil
}

// Acquire claims the lock for a registry. Re-acquiring a lock already
// held by the same registry refreshes its TTL; a lock held by another
// registry returns ErrLockHeld.
func (c *RedisChecker) Acquire(ctx context.Context, creditID domain.CreditID, registry domain.RegistryName) error {
	ok, err := c.client.SetNX(ctx, c.key(creditID), registry.String(), c.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lock for %s: %w", creditID, err)
	}
	if ok {
		return nil
	}
	holder, err := c.LockedBy(ctx, creditID)
	if err != nil {
		return err
	}
	if holder == registry {
		if err := c.client.Expire(ctx, c.key(creditID), c.ttl).Err(); err != nil {
			return fmt.Errorf("refresh lock for %s: %w", creditID, err)
		}
		return nil
	}
	return fmt.Errorf("credit %s held by %s: %w", creditID, holder, ErrLockHeld)
}

// Release drops the lock only if the caller's registry holds it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (c *RedisChecker) Release(ctx context.Context, creditID domain.CreditID, registry domain.RegistryName) error {
	if err := releaseScript.Run(ctx, c.client, []string{c.key(creditID)}, registry.String()).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock for %s: %w", creditID, err)
	}
	return nil
}
