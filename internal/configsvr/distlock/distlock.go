// Package distlock serializes operations on the same named resource across
// config server processes. A Manager polls a Locker until the lock is taken or
// the acquisition timeout runs out.
package distlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/commonerr"
	"gitlab.com/gitlab-org/configsvr/internal/helper"
)

// releaseTimeout bounds the release of a lock. Releasing does not depend on the
// context of the operation which may be cancelled already.
const releaseTimeout = 5 * time.Second

// ReleaseFunc releases an acquired lock.
type ReleaseFunc func(ctx context.Context) error

// Locker takes exclusive named locks without waiting.
type Locker interface {
	// TryLock takes the lock named key. If the lock is held elsewhere it returns
	// acquired set to false and no error.
	TryLock(ctx context.Context, key string) (release ReleaseFunc, acquired bool, err error)
}

// Manager hands out named locks, waiting for busy ones up to a timeout.
type Manager struct {
	locker        Locker
	retryInterval time.Duration
	logger        logrus.FieldLogger
}

// NewManager returns a Manager polling locker every retryInterval while a lock is busy.
func NewManager(locker Locker, retryInterval time.Duration, logger logrus.FieldLogger) *Manager {
	return &Manager{
		locker:        locker,
		retryInterval: retryInterval,
		logger:        logger.WithField("component", "distlock"),
	}
}

// Lock acquires the lock name on behalf of the operation why. If the lock is not
// acquired within timeout an error wrapping commonerr.ErrLockBusy is returned.
func (m *Manager) Lock(ctx context.Context, name, why string, timeout time.Duration) (*Lock, error) {
	start := time.Now()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := helper.NewTimerTicker(m.retryInterval)
	defer ticker.Stop()

	for {
		release, acquired, err := m.locker.TryLock(waitCtx, name)
		if err != nil {
			if waitCtx.Err() != nil && ctx.Err() == nil {
				return nil, m.busy(name, why, timeout)
			}
			return nil, fmt.Errorf("try lock %q: %w", name, err)
		}

		if acquired {
			m.logger.WithFields(logrus.Fields{
				"lock":   name,
				"why":    why,
				"waited": time.Since(start).String(),
			}).Debug("lock acquired")

			return &Lock{name: name, why: why, release: release, logger: m.logger}, nil
		}

		ticker.Reset()
		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, m.busy(name, why, timeout)
		case <-ticker.C():
		}
	}
}

func (m *Manager) busy(name, why string, timeout time.Duration) error {
	m.logger.WithFields(logrus.Fields{
		"lock":    name,
		"why":     why,
		"timeout": timeout.String(),
	}).Warn("lock is busy")

	return fmt.Errorf("%w: could not acquire lock for %q to %s within %s", commonerr.ErrLockBusy, name, why, timeout)
}

// Lock is an acquired lock.
type Lock struct {
	name    string
	why     string
	release ReleaseFunc
	logger  logrus.FieldLogger
	once    sync.Once
	err     error
}

// Name returns the name of the lock.
func (l *Lock) Name() string { return l.name }

// Unlock releases the lock. Only the first call has an effect.
func (l *Lock) Unlock() error {
	l.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()

		if l.err = l.release(ctx); l.err != nil {
			l.logger.WithError(l.err).WithFields(logrus.Fields{
				"lock": l.name,
				"why":  l.why,
			}).Error("failed to release lock")
		}
	})

	return l.err
}
