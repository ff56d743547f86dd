package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, instanceID string) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewServiceWithClient(rdb, instanceID), mr
}

func TestAcquireReleaseLifecycle(t *testing.T) {
	s, mr := newTestService(t, "inst-a")
	ctx := context.Background()

	execID, err := s.TryAcquire(ctx, "theta_whoop", time.Hour, false)
	require.NoError(t, err)
	require.NotEmpty(t, execID)

	// Key present while held.
	st, err := s.Status(ctx, "theta_whoop")
	require.NoError(t, err)
	assert.True(t, st.Locked)
	assert.Equal(t, "inst-a", st.Holder)
	assert.Equal(t, execID, st.ExecutionID)

	require.NoError(t, s.Release(ctx, "theta_whoop", execID))

	// Key gone after release.
	assert.False(t, mr.Exists("lock:theta_whoop"))
	st, err = s.Status(ctx, "theta_whoop")
	require.NoError(t, err)
	assert.False(t, st.Locked)
}

func TestAcquireExclusion(t *testing.T) {
	a, mr := newTestService(t, "inst-a")
	rdbB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdbB.Close()
	b := NewServiceWithClient(rdbB, "inst-b")
	ctx := context.Background()

	execA, err := a.TryAcquire(ctx, "theta_whoop", time.Hour, false)
	require.NoError(t, err)
	require.NotEmpty(t, execA)

	execB, err := b.TryAcquire(ctx, "theta_whoop", time.Hour, false)
	require.NoError(t, err)
	assert.Empty(t, execB, "second acquire within lock duration must fail")

	// After the TTL elapses a new acquire succeeds.
	mr.FastForward(time.Hour + time.Second)
	execB, err = b.TryAcquire(ctx, "theta_whoop", time.Hour, false)
	require.NoError(t, err)
	assert.NotEmpty(t, execB)
}

func TestForceAcquireStealsLock(t *testing.T) {
	a, mr := newTestService(t, "inst-a")
	rdbB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdbB.Close()
	b := NewServiceWithClient(rdbB, "inst-b")
	ctx := context.Background()

	_, err := a.TryAcquire(ctx, "theta_whoop", time.Hour, false)
	require.NoError(t, err)

	execB, err := b.TryAcquire(ctx, "theta_whoop", time.Hour, true)
	require.NoError(t, err)
	assert.NotEmpty(t, execB)

	st, err := b.Status(ctx, "theta_whoop")
	require.NoError(t, err)
	assert.Equal(t, "inst-b", st.Holder)
}

func TestReleaseGuardsOwnership(t *testing.T) {
	s, mr := newTestService(t, "inst-a")
	ctx := context.Background()

	execID, err := s.TryAcquire(ctx, "theta_whoop", time.Hour, false)
	require.NoError(t, err)

	// Wrong execution id must not drop the lock.
	require.NoError(t, s.Release(ctx, "theta_whoop", "someone-else"))
	assert.True(t, mr.Exists("lock:theta_whoop"))

	require.NoError(t, s.Release(ctx, "theta_whoop", execID))
	assert.False(t, mr.Exists("lock:theta_whoop"))
}

func TestReleaseFromOtherInstanceIsNoop(t *testing.T) {
	a, mr := newTestService(t, "inst-a")
	rdbB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdbB.Close()
	b := NewServiceWithClient(rdbB, "inst-b")
	ctx := context.Background()

	execID, err := a.TryAcquire(ctx, "theta_whoop", time.Hour, false)
	require.NoError(t, err)

	// Same execution id, wrong instance.
	require.NoError(t, b.Release(ctx, "theta_whoop", execID))
	assert.True(t, mr.Exists("lock:theta_whoop"))
}

func TestLastTimestampRoundTrip(t *testing.T) {
	s, mr := newTestService(t, "inst-a")
	ctx := context.Background()

	_, ok, err := s.GetLastTimestamp(ctx, "theta_whoop")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetLastTimestamp(ctx, "theta_whoop", 1700000000))
	got, ok, err := s.GetLastTimestamp(ctx, "theta_whoop")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1700000000), got)

	// Seven-day TTL.
	ttl := mr.TTL("ts:theta_whoop")
	assert.Equal(t, 7*24*time.Hour, ttl)

	require.NoError(t, s.ClearLastTimestamp(ctx, "theta_whoop"))
	_, ok, err = s.GetLastTimestamp(ctx, "theta_whoop")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStatsRoundTrip(t *testing.T) {
	s, mr := newTestService(t, "inst-a")
	ctx := context.Background()

	blob, err := s.GetStats(ctx, "theta_whoop")
	require.NoError(t, err)
	assert.Nil(t, blob)

	require.NoError(t, s.SaveStats(ctx, "theta_whoop", []byte(`{"success":3}`)))
	blob, err = s.GetStats(ctx, "theta_whoop")
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":3}`, string(blob))

	assert.Equal(t, 24*time.Hour, mr.TTL("stats:theta_whoop"))
}

func TestDegradedModeWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	s := NewServiceWithClient(rdb, "inst-a")
	mr.Close()
	ctx := context.Background()

	execID, err := s.TryAcquire(ctx, "theta_whoop", time.Hour, false)
	require.NoError(t, err, "acquire must succeed vacuously on outage")
	assert.NotEmpty(t, execID)

	require.NoError(t, s.Release(ctx, "theta_whoop", execID))
	require.NoError(t, s.SetLastTimestamp(ctx, "theta_whoop", 1))
	_, ok, err := s.GetLastTimestamp(ctx, "theta_whoop")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDisabledService(t *testing.T) {
	s := NewService("", "", 0, "inst-a")
	ctx := context.Background()

	execID, err := s.TryAcquire(ctx, "p", time.Hour, false)
	require.NoError(t, err)
	assert.NotEmpty(t, execID)
	require.NoError(t, s.Release(ctx, "p", execID))
}
