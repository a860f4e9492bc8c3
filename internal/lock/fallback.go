package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"carbonbridge/pkg/domain"
	"carbonbridge/pkg/platform/circuit"
)

// ErrDegraded is returned by FallbackChecker.Acquire while Redis is
// considered down. Exporters treat it like a held lock and skip the
// credit rather than export without distributed coordination.
var ErrDegraded = errors.New("distributed lock service degraded")

// FallbackChecker fronts the Redis checker with a circuit breaker and a
// store-derived fallback. Reads keep hitting Redis so the breaker sees
// recoveries, but while it is open the answer comes from the mapping
// stores, which are correct though slightly stale across processes.
// Acquire has no safe fallback and fails fast while degraded.
type FallbackChecker struct {
	primary  *RedisChecker
	fallback *StoreChecker
	breaker  *circuit.Breaker
	logger   *slog.Logger
}

// NewFallbackChecker wires the breaker between the Redis checker and the
// store checker.
func NewFallbackChecker(primary *RedisChecker, fallback *StoreChecker, logger *slog.Logger) *FallbackChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackChecker{
		primary:  primary,
		fallback: fallback,
		breaker:  circuit.New("redis-lock"),
		logger:   logger,
	}
}

func (c *FallbackChecker) IsLocked(ctx context.Context, creditID domain.CreditID) (bool, error) {
	name, err := c.LockedBy(ctx, creditID)
	if err != nil {
		return false, err
	}
	return name != "", nil
}

func (c *FallbackChecker) LockedBy(ctx context.Context, creditID domain.CreditID) (domain.RegistryName, error) {
	holder, err := c.primary.LockedBy(ctx, creditID)
	if err == nil {
		if _, change := c.breaker.RecordSuccess(); change.Closed {
			c.logger.Info("lock service recovered, leaving degraded mode")
		}
		if !c.breaker.IsOpen() {
			return holder, nil
		}
		return c.fallback.LockedBy(ctx, creditID)
	}

	useFallback, change := c.breaker.RecordFailure()
	if change.Opened {
		c.logger.Error("lock service failing, entering degraded mode", "err", err)
	}
	if useFallback {
		return c.fallback.LockedBy(ctx, creditID)
	}
	return "", err
}

// Acquire claims the distributed lock. While degraded it refuses with
// ErrDegraded instead of pretending the claim succeeded.
func (c *FallbackChecker) Acquire(ctx context.Context, creditID domain.CreditID, registry domain.RegistryName) error {
	err := c.primary.Acquire(ctx, creditID, registry)
	if err == nil || errors.Is(err, ErrLockHeld) {
		// A held lock is a healthy answer from Redis.
		if _, change := c.breaker.RecordSuccess(); change.Closed {
			c.logger.Info("lock service recovered, leaving degraded mode")
		}
		if c.breaker.IsOpen() {
			return fmt.Errorf("credit %s: %w", creditID, ErrDegraded)
		}
		return err
	}

	useFallback, change := c.breaker.RecordFailure()
	if change.Opened {
		c.logger.Error("lock service failing, entering degraded mode", "err", err)
	}
	if useFallback {
		return fmt.Errorf("credit %s: %w", creditID, ErrDegraded)
	}
	return err
}

// Release drops the lock, best effort while degraded: the TTL reclaims
// anything a failed release leaves behind.
func (c *FallbackChecker) Release(ctx context.Context, creditID domain.CreditID, registry domain.RegistryName) error {
	err := c.primary.Release(ctx, creditID, registry)
	if err != nil {
		if _, change := c.breaker.RecordFailure(); change.Opened {
			c.logger.Error("lock service failing, entering degraded mode", "err", err)
		}
		return err
	}
	if _, change := c.breaker.RecordSuccess(); change.Closed {
		c.logger.Info("lock service recovered, leaving degraded mode")
	}
	return nil
}

var _ Checker = (*FallbackChecker)(nil)
