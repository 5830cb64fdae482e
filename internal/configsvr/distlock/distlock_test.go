package distlock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/commonerr"
	"gitlab.com/gitlab-org/configsvr/internal/testhelper"
	"golang.org/x/sync/errgroup"
)

type lockerFactory func(t *testing.T) Locker

func TestManager_LocalLocker(t *testing.T) {
	testManager(t, func(t *testing.T) Locker { return NewLocalLocker() })
}

func testManager(t *testing.T, newLocker lockerFactory) {
	t.Run("acquire and release", func(t *testing.T) {
		ctx, cancel := testhelper.Context()
		defer cancel()

		mgr := NewManager(newLocker(t), time.Millisecond, testhelper.NewDiscardingLogEntry(t))

		lock, err := mgr.Lock(ctx, "sales", "enableSharding", time.Second)
		require.NoError(t, err)
		require.Equal(t, "sales", lock.Name())
		require.NoError(t, lock.Unlock())
		require.NoError(t, lock.Unlock(), "second unlock is a no-op")

		lock, err = mgr.Lock(ctx, "sales", "enableSharding", time.Second)
		require.NoError(t, err)
		require.NoError(t, lock.Unlock())
	})

	t.Run("busy lock times out", func(t *testing.T) {
		ctx, cancel := testhelper.Context()
		defer cancel()

		locker := newLocker(t)
		mgr := NewManager(locker, 5*time.Millisecond, testhelper.NewDiscardingLogEntry(t))

		held, err := mgr.Lock(ctx, "sales", "enableSharding", time.Second)
		require.NoError(t, err)
		defer func() { require.NoError(t, held.Unlock()) }()

		start := time.Now()
		_, err = mgr.Lock(ctx, "sales", "enableSharding", 50*time.Millisecond)
		require.True(t, errors.Is(err, commonerr.ErrLockBusy), err)
		require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

		other, err := mgr.Lock(ctx, "inventory", "enableSharding", 50*time.Millisecond)
		require.NoError(t, err, "locks of other names are independent")
		require.NoError(t, other.Unlock())
	})

	t.Run("waits for release", func(t *testing.T) {
		ctx, cancel := testhelper.Context()
		defer cancel()

		mgr := NewManager(newLocker(t), time.Millisecond, testhelper.NewDiscardingLogEntry(t))

		held, err := mgr.Lock(ctx, "sales", "enableSharding", time.Second)
		require.NoError(t, err)

		released := make(chan struct{})
		go func() {
			defer close(released)
			time.Sleep(20 * time.Millisecond)
			require.NoError(t, held.Unlock())
		}()

		lock, err := mgr.Lock(ctx, "sales", "enableSharding", 10*time.Second)
		require.NoError(t, err)
		require.NoError(t, lock.Unlock())
		<-released
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := testhelper.Context()

		mgr := NewManager(newLocker(t), time.Millisecond, testhelper.NewDiscardingLogEntry(t))

		held, err := mgr.Lock(ctx, "sales", "enableSharding", time.Second)
		require.NoError(t, err)
		defer func() { require.NoError(t, held.Unlock()) }()

		cancel()
		_, err = mgr.Lock(ctx, "sales", "enableSharding", time.Minute)
		require.True(t, errors.Is(err, context.Canceled), err)
	})

	t.Run("mutual exclusion", func(t *testing.T) {
		ctx, cancel := testhelper.Context()
		defer cancel()

		mgr := NewManager(newLocker(t), time.Millisecond, testhelper.NewDiscardingLogEntry(t))

		var inside, maxInside int32
		var group errgroup.Group
		for i := 0; i < 8; i++ {
			group.Go(func() error {
				lock, err := mgr.Lock(ctx, "sales", "enableSharding", 30*time.Second)
				if err != nil {
					return err
				}

				current := atomic.AddInt32(&inside, 1)
				for {
					observed := atomic.LoadInt32(&maxInside)
					if current <= observed || atomic.CompareAndSwapInt32(&maxInside, observed, current) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)

				return lock.Unlock()
			})
		}

		require.NoError(t, group.Wait())
		require.EqualValues(t, 1, atomic.LoadInt32(&maxInside))
	})
}

type failingLocker struct{ err error }

func (l failingLocker) TryLock(context.Context, string) (ReleaseFunc, bool, error) {
	return nil, false, l.err
}

func TestManager_lockerError(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	mgr := NewManager(failingLocker{err: errors.New("connection refused")}, time.Millisecond, testhelper.NewDiscardingLogEntry(t))

	_, err := mgr.Lock(ctx, "sales", "enableSharding", time.Second)
	require.EqualError(t, err, `try lock "sales": connection refused`)
	require.False(t, errors.Is(err, commonerr.ErrLockBusy))
}

func TestLock_Unlock_logsFailure(t *testing.T) {
	logger, hook := test.NewNullLogger()

	lock := &Lock{
		name:    "sales",
		why:     "enableSharding",
		release: func(context.Context) error { return errors.New("release failed") },
		logger:  logger,
	}

	require.EqualError(t, lock.Unlock(), "release failed")

	entries := hook.AllEntries()
	require.Len(t, entries, 1)
	require.Equal(t, logrus.ErrorLevel, entries[0].Level)
	require.Equal(t, "failed to release lock", entries[0].Message)
	require.Equal(t, "sales", entries[0].Data["lock"])
}
