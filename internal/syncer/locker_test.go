package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockRedisClient struct {
	mock.Mock
}

func (m *MockRedisClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	args := m.Called(ctx, key, value, expiration)
	return args.Get(0).(*redis.BoolCmd)
}

func (m *MockRedisClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	called := m.Called(ctx, script, keys, args)
	return called.Get(0).(*redis.Cmd)
}

func boolCmd(ok bool, err error) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(context.Background())
	if err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(ok)
	}
	return cmd
}

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	lease, err := l.Acquire(ctx, "acme")
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "acme")
	assert.ErrorIs(t, err, ErrSyncInProgress)

	other, err := l.Acquire(ctx, "globex")
	require.NoError(t, err, "leases are per vendor")
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Release(ctx))
	again, err := l.Acquire(ctx, "acme")
	require.NoError(t, err)

	// A stale lease released twice must not free the new holder.
	require.NoError(t, lease.Release(ctx))
	_, err = l.Acquire(ctx, "acme")
	assert.ErrorIs(t, err, ErrSyncInProgress)

	require.NoError(t, again.Release(ctx))
}

func TestRedisLocker_AcquireAndRelease(t *testing.T) {
	ctx := context.Background()
	client := new(MockRedisClient)
	locker := NewRedisLocker(client, time.Minute)

	var token string
	client.On("SetNX", ctx, "vendor-sync:lease:acme", mock.AnythingOfType("string"), time.Minute).
		Run(func(args mock.Arguments) { token = args.String(2) }).
		Return(boolCmd(true, nil)).Once()

	lease, err := locker.Acquire(ctx, "acme")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	evalCmd := redis.NewCmd(ctx)
	evalCmd.SetVal(int64(1))
	client.On("Eval", ctx, releaseScript, []string{"vendor-sync:lease:acme"}, []interface{}{token}).
		Return(evalCmd).Once()

	require.NoError(t, lease.Release(ctx))
	client.AssertExpectations(t)
}

func TestRedisLocker_HeldElsewhere(t *testing.T) {
	ctx := context.Background()
	client := new(MockRedisClient)
	locker := NewRedisLocker(client, 0)

	client.On("SetNX", ctx, "vendor-sync:lease:acme", mock.Anything, DefaultLeaseTTL).
		Return(boolCmd(false, nil))

	_, err := locker.Acquire(ctx, "acme")
	assert.ErrorIs(t, err, ErrSyncInProgress)
	client.AssertNotCalled(t, "Eval", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRedisLocker_Errors(t *testing.T) {
	ctx := context.Background()
	client := new(MockRedisClient)
	locker := NewRedisLocker(client, time.Minute)

	client.On("SetNX", ctx, "vendor-sync:lease:down", mock.Anything, time.Minute).
		Return(boolCmd(false, errors.New("connection refused"))).Once()

	_, err := locker.Acquire(ctx, "down")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSyncInProgress)
	assert.Contains(t, err.Error(), "connection refused")

	client.On("SetNX", ctx, "vendor-sync:lease:flaky", mock.Anything, time.Minute).
		Return(boolCmd(true, nil)).Once()
	lease, err := locker.Acquire(ctx, "flaky")
	require.NoError(t, err)

	evalCmd := redis.NewCmd(ctx)
	evalCmd.SetErr(errors.New("i/o timeout"))
	client.On("Eval", ctx, releaseScript, []string{"vendor-sync:lease:flaky"}, mock.Anything).
		Return(evalCmd).Once()

	err = lease.Release(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to release lease")
}
