//go:build integration

package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"carbonbridge/pkg/domain"
	"carbonbridge/pkg/testutil/containers"
)

// =============================================================================
// Redis Lock Integration Suite
// =============================================================================

type RedisLockSuite struct {
	suite.Suite
	rc  *containers.RedisContainer
	ctx context.Context
}

func TestRedisLockSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	suite.Run(t, new(RedisLockSuite))
}

func (s *RedisLockSuite) SetupSuite() {
	s.rc = containers.NewRedisContainer(s.T())
	s.ctx = context.Background()
}

func (s *RedisLockSuite) TearDownSuite() {
	if s.rc != nil {
		_ = s.rc.Client.Close()
		_ = s.rc.Container.Terminate(context.Background())
	}
}

func (s *RedisLockSuite) SetupTest() {
	s.Require().NoError(s.rc.FlushAll(s.ctx))
}

func (s *RedisLockSuite) TestAcquireRelease() {
	checker := NewRedisChecker(s.rc.Client, time.Minute)

	locked, err := checker.IsLocked(s.ctx, "c1")
	s.Require().NoError(err)
	s.False(locked)

	s.Require().NoError(checker.Acquire(s.ctx, "c1", "verdant"))

	holder, err := checker.LockedBy(s.ctx, "c1")
	s.Require().NoError(err)
	s.Equal(domain.RegistryName("verdant"), holder)

	err = checker.Acquire(s.ctx, "c1", "heritage")
	s.Require().ErrorIs(err, ErrLockHeld)
	s.Contains(err.Error(), "verdant")

	// Re-acquire by the holder refreshes, not fails.
	s.Require().NoError(checker.Acquire(s.ctx, "c1", "verdant"))

	s.Require().NoError(checker.Release(s.ctx, "c1", "verdant"))
	locked, err = checker.IsLocked(s.ctx, "c1")
	s.Require().NoError(err)
	s.False(locked)
}

func (s *RedisLockSuite) TestReleaseByNonHolder() {
	checker := NewRedisChecker(s.rc.Client, time.Minute)
	s.Require().NoError(checker.Acquire(s.ctx, "c1", "verdant"))

	// Releasing someone else's lock is a silent no-op.
	s.Require().NoError(checker.Release(s.ctx, "c1", "heritage"))

	holder, err := checker.LockedBy(s.ctx, "c1")
	s.Require().NoError(err)
	s.Equal(domain.RegistryName("verdant"), holder)
}

func (s *RedisLockSuite) TestTTLExpiry() {
	checker := NewRedisChecker(s.rc.Client, 500*time.Millisecond)
	s.Require().NoError(checker.Acquire(s.ctx, "c1", "verdant"))

	s.Require().Eventually(func() bool {
		locked, err := checker.IsLocked(s.ctx, "c1")
		return err == nil && !locked
	}, 5*time.Second, 100*time.Millisecond, "lock must expire after its TTL")

	// The credit is claimable again once the old claim expired.
	s.Require().NoError(checker.Acquire(s.ctx, "c1", "heritage"))
}

func (s *RedisLockSuite) TestAcquireRefreshesTTL() {
	checker := NewRedisChecker(s.rc.Client, 2*time.Second)
	s.Require().NoError(checker.Acquire(s.ctx, "c1", "verdant"))

	time.Sleep(time.Second)
	s.Require().NoError(checker.Acquire(s.ctx, "c1", "verdant"))

	ttl, err := s.rc.Client.TTL(s.ctx, "bridge:lock:c1").Result()
	s.Require().NoError(err)
	s.Greater(ttl, time.Second, "refresh must reset the TTL")
}
